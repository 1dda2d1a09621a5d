// File: internal/agent/common_test.go
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
)

// waitTimeout waits for a WaitGroup but gives up after timeout.
// Returns true if the wait group finished in time.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// fakePage is an in-memory browser.Driver. Selectors listed in elements exist;
// everything else is missing.
type fakePage struct {
	mu       sync.Mutex
	url      string
	title    string
	snapshot string
	elements map[string]bool
	// innerText answers Extract scripts by selector.
	innerText map[string]string
	typed     []string
	keys      []string
	calls     []string
	scripts   []string
	waits     []time.Duration

	navigateErr error
	snapshotErr error
	urlErr      error
	panicOn     string
}

func newFakePage() *fakePage {
	return &fakePage{
		url:       "about:blank",
		title:     "",
		elements:  map[string]bool{"body": true},
		innerText: map[string]string{},
	}
}

func (p *fakePage) record(call string) {
	p.calls = append(p.calls, call)
	if p.panicOn != "" && call == p.panicOn {
		panic("boom in " + call)
	}
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("Navigate")
	if p.navigateErr != nil {
		return p.navigateErr
	}
	p.url = url
	p.title = "Page at " + url
	return nil
}

func (p *fakePage) FindElement(_ context.Context, selector string) (browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("FindElement")
	if !p.elements[selector] {
		return browser.Element{}, browser.ErrElementNotFound
	}
	return browser.Element{Selector: selector}, nil
}

func (p *fakePage) Click(_ context.Context, _ browser.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("Click")
	return nil
}

func (p *fakePage) TypeText(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("TypeText")
	p.typed = append(p.typed, text)
	return nil
}

func (p *fakePage) PressKey(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("PressKey")
	if key == "Hyper" {
		return errors.New("unsupported key")
	}
	p.keys = append(p.keys, key)
	return nil
}

func (p *fakePage) EvaluateScript(_ context.Context, js string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("EvaluateScript")
	p.scripts = append(p.scripts, js)

	var result string
	switch {
	case js == snapshotScript:
		if p.snapshotErr != nil {
			return p.snapshotErr
		}
		result = p.snapshot
	case strings.Contains(js, "innerText"):
		for sel, text := range p.innerText {
			if strings.Contains(js, jsString(sel)) {
				result = text
			}
		}
	}
	if s, ok := out.(*string); ok {
		*s = result
	}
	return nil
}

func (p *fakePage) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("WaitFor")
	p.waits = append(p.waits, timeout)
	if timeout <= 0 || !p.elements[selector] {
		return context.DeadlineExceeded
	}
	return ctx.Err()
}

func (p *fakePage) CurrentURL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.urlErr != nil {
		return "", p.urlErr
	}
	return p.url, nil
}

func (p *fakePage) CurrentTitle(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.urlErr != nil {
		return "", p.urlErr
	}
	return p.title, nil
}

func (p *fakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// fakeSession hands out one shared fakePage and counts new tabs.
type fakeSession struct {
	mu         sync.Mutex
	page       *fakePage
	newPages   int
	newPageErr error
	closed     bool
}

func (s *fakeSession) Page() browser.Driver { return s.page }

func (s *fakeSession) NewPage(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newPages++
	return s.newPageErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) NewPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newPages
}

// scriptedLLM replays canned replies in order and records what it was sent.
// Once the script runs out it keeps returning the last reply.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests [][]llmclient.Message
}

func (c *scriptedLLM) Complete(ctx context.Context, messages []llmclient.Message, _ llmclient.CompletionOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, append([]llmclient.Message(nil), messages...))
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.err != nil {
		return "", c.err
	}
	idx := len(c.requests) - 1
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	return c.replies[idx], nil
}

func (c *scriptedLLM) Requests() [][]llmclient.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]llmclient.Message(nil), c.requests...)
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// noSleep replaces settle pauses in tests.
func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	e := NewExecutor(ExecutorConfig{
		NavigateSettle:    1500 * time.Millisecond,
		ClickSettle:       time.Second,
		KeySettle:         time.Second,
		NavigationTimeout: 30 * time.Second,
		ExtractMaxChars:   2000,
	}, testLogger(t))
	e.sleep = noSleep
	return e
}
