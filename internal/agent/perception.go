// File: internal/agent/perception.go
package agent

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/xkilldash9x/webpilot/internal/browser"
)

// snapshotScript walks the visible DOM, stamps data-eid="[eN]" on interactive
// elements (numbering restarts at 0 on every call) and returns one line per
// element or leaf text. It does not remove or restyle anything.
const snapshotScript = `(() => {
  const SKIP = new Set(['SCRIPT','STYLE','NOSCRIPT','SVG','LINK']);
  const INTERACTIVE = new Set(['a','button','input','textarea','select']);
  let id = 0;
  const lines = [];
  const seen = new Set();

  const emit = (line) => {
    if (line && !seen.has(line)) {
      seen.add(line);
      lines.push(line);
    }
  };

  const isVisible = (el) => {
    if (el.offsetParent === null && el.tagName !== 'BODY' && el.tagName !== 'HTML') return false;
    const s = getComputedStyle(el);
    return s.display !== 'none' && s.visibility !== 'hidden' && s.opacity !== '0';
  };

  const describe = (el, tag, eid) => {
    switch (tag) {
      case 'a':
        return eid + ' link "' + (el.textContent || '').trim().slice(0, 60) + '"';
      case 'button':
        return eid + ' button "' + (el.textContent || '').trim().slice(0, 60) + '"';
      case 'input':
      case 'textarea': {
        let d = eid + ' ' + tag + ' type=' + (el.type || 'text') + ' placeholder="' + (el.placeholder || '') + '"';
        if (el.name) d += ' name=' + el.name;
        if (el.value) d += ' value="' + el.value.slice(0, 30) + '"';
        return d;
      }
      case 'select':
        return eid + ' select [' + [...el.options].map(o => o.text.trim().slice(0, 20)).join('|') + ']';
    }
    return '';
  };

  const walk = (node, depth) => {
    if (depth > 15) return;
    for (const child of node.children) {
      if (SKIP.has(child.tagName.toUpperCase())) continue;
      if (!isVisible(child)) continue;
      const tag = child.tagName.toLowerCase();
      if (INTERACTIVE.has(tag)) {
        const eid = '[e' + (id++) + ']';
        child.setAttribute('data-eid', eid);
        emit(describe(child, tag, eid));
      } else if (child.children.length === 0) {
        const text = (child.textContent || '').trim();
        if (text.length > 2 && text.length < 200) emit('  "' + text.slice(0, 100) + '"');
      }
      walk(child, depth + 1);
    }
  };

  if (document.body) walk(document.body, 0);
  return lines.join('\n');
})()`

// PerceptionEncoder captures the compact page description fed to the model.
type PerceptionEncoder struct {
	maxChars int
}

// NewPerceptionEncoder returns an encoder with the given character budget.
func NewPerceptionEncoder(maxChars int) *PerceptionEncoder {
	return &PerceptionEncoder{maxChars: maxChars}
}

// Snapshot evaluates the snapshot script on the page and applies the budget.
func (p *PerceptionEncoder) Snapshot(ctx context.Context, page browser.Driver) (string, error) {
	var raw string
	if err := page.EvaluateScript(ctx, snapshotScript, &raw); err != nil {
		return "", fmt.Errorf("dom snapshot: %w", err)
	}
	return TruncateSnapshot(raw, p.maxChars), nil
}

// TruncateSnapshot enforces the budget in characters. Oversized text is cut
// so that it plus the marker fits, and the marker always reports the
// original length.
func TruncateSnapshot(raw string, maxChars int) string {
	total := utf8.RuneCountInString(raw)
	if total <= maxChars {
		return raw
	}
	marker := fmt.Sprintf("\n... [truncated, %d total chars]", total)
	keep := maxChars - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep = 0
	}
	return truncateRunes(raw, keep) + marker
}

// truncateRunes returns at most n characters of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
