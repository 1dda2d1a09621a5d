// File: internal/agent/action_codec.go
package agent

import (
	"strings"

	json "github.com/json-iterator/go"
)

type fieldKind int

const (
	stringField fieldKind = iota
	uintField
)

type fieldSpec struct {
	name string
	kind fieldKind
}

// actionSchema lists the required fields of every known tag.
var actionSchema = map[ActionType][]fieldSpec{
	ActionNavigate:   {{"url", stringField}},
	ActionWaitFor:    {{"selector", stringField}, {"timeout_ms", uintField}},
	ActionTypeInto:   {{"selector", stringField}, {"text", stringField}},
	ActionClick:      {{"selector", stringField}},
	ActionPressKey:   {{"key", stringField}},
	ActionExtract:    {{"selector", stringField}, {"label", stringField}},
	ActionScreenshot: nil,
	ActionNewTab:     nil,
	ActionDone:       {{"summary", stringField}},
}

// DecodeAction parses one action object. Unknown tags, missing required
// fields, and wrongly typed fields are rejected; nothing is defaulted.
func DecodeAction(data []byte) (Action, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Action{}, decodeErrorf("reply is not a single JSON object: %v", err)
	}
	if raw == nil {
		return Action{}, decodeErrorf("reply is not a single JSON object: null")
	}

	tagRaw, ok := raw["action"]
	if !ok {
		return Action{}, decodeErrorf(`missing field "action"`)
	}
	var tag string
	if err := json.Unmarshal(tagRaw, &tag); err != nil {
		return Action{}, decodeErrorf(`field "action" must be a string`)
	}
	fields, known := actionSchema[ActionType(tag)]
	if !known {
		return Action{}, decodeErrorf("unknown action %q, expected one of %s", tag, knownActions())
	}

	action := Action{Type: ActionType(tag)}
	for _, f := range fields {
		value, present := raw[f.name]
		if !present || isJSONNull(value) {
			return Action{}, decodeErrorf("missing field %q for action %s", f.name, tag)
		}
		switch f.kind {
		case stringField:
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return Action{}, decodeErrorf("field %q of %s must be a string", f.name, tag)
			}
			action.setString(f.name, s)
		case uintField:
			var n uint64
			if err := json.Unmarshal(value, &n); err != nil {
				return Action{}, decodeErrorf("field %q of %s must be a non-negative integer", f.name, tag)
			}
			action.TimeoutMs = n
		}
	}
	return action, nil
}

func (a *Action) setString(name, v string) {
	switch name {
	case "url":
		a.URL = v
	case "selector":
		a.Selector = v
	case "text":
		a.Text = v
	case "key":
		a.Key = v
	case "label":
		a.Label = v
	case "summary":
		a.Summary = v
	}
}

func isJSONNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func knownActions() string {
	return "Navigate, WaitFor, TypeInto, Click, PressKey, Extract, Screenshot, NewTab, Done"
}

// CleanReply strips optional markdown fences the model may wrap around its JSON.
// Markers are removed as literal text; the reply is not parsed as markdown.
func CleanReply(content string) string {
	s := strings.TrimSpace(content)
	for strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	}
	for strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	for strings.HasSuffix(s, "```") {
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
