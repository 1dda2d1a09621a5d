// File: internal/agent/models.go
package agent

import (
	"fmt"
	"strings"
	"time"
)

// ActionType is the tag of the closed action union, carried in the "action" field.
type ActionType string

const (
	ActionNavigate   ActionType = "Navigate"
	ActionWaitFor    ActionType = "WaitFor"
	ActionTypeInto   ActionType = "TypeInto"
	ActionClick      ActionType = "Click"
	ActionPressKey   ActionType = "PressKey"
	ActionExtract    ActionType = "Extract"
	ActionScreenshot ActionType = "Screenshot"
	ActionNewTab     ActionType = "NewTab"
	ActionDone       ActionType = "Done"
)

// Action is one decoded step requested by the decision service. Which fields are
// meaningful depends on Type; DecodeAction guarantees the required ones were present.
type Action struct {
	Type      ActionType `json:"action"`
	URL       string     `json:"url,omitempty"`        // Navigate
	Selector  string     `json:"selector,omitempty"`   // WaitFor, TypeInto, Click, Extract
	TimeoutMs uint64     `json:"timeout_ms,omitempty"` // WaitFor
	Text      string     `json:"text,omitempty"`       // TypeInto
	Key       string     `json:"key,omitempty"`        // PressKey
	Label     string     `json:"label,omitempty"`      // Extract
	Summary   string     `json:"summary,omitempty"`    // Done
}

// Timeout returns the WaitFor timeout as a duration.
func (a Action) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// IsTerminal reports whether the action ends the task session.
func (a Action) IsTerminal() bool { return a.Type == ActionDone }

// Describe renders the action for progress events, e.g. `Click { selector: "#go" }`.
func (a Action) Describe() string {
	var fields []string
	q := func(name, v string) { fields = append(fields, fmt.Sprintf("%s: %q", name, v)) }
	switch a.Type {
	case ActionNavigate:
		q("url", a.URL)
	case ActionWaitFor:
		q("selector", a.Selector)
		fields = append(fields, fmt.Sprintf("timeout_ms: %d", a.TimeoutMs))
	case ActionTypeInto:
		q("selector", a.Selector)
		q("text", a.Text)
	case ActionClick:
		q("selector", a.Selector)
	case ActionPressKey:
		q("key", a.Key)
	case ActionExtract:
		q("selector", a.Selector)
		q("label", a.Label)
	case ActionDone:
		q("summary", a.Summary)
	}
	if len(fields) == 0 {
		return string(a.Type)
	}
	return fmt.Sprintf("%s { %s }", a.Type, strings.Join(fields, ", "))
}

// Role of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one message in the persisted conversation.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Extraction is labeled text read from the page by an Extract action.
type Extraction struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// PageState is the observation captured after each step.
type PageState struct {
	URL         string       `json:"url"`
	Title       string       `json:"title"`
	DOMSnapshot string       `json:"dom_snapshot"`
	Extractions []Extraction `json:"extractions,omitempty"`
	Error       string       `json:"error,omitempty"` // empty when the step succeeded
}

// StepRecord identifies a step for progress events. It is never persisted.
type StepRecord struct {
	Number      int    `json:"number"`
	Description string `json:"description"`
}

// TaskOutcome is how a task session ended.
type TaskOutcome string

const (
	OutcomeRunning         TaskOutcome = "running"
	OutcomeCompleted       TaskOutcome = "completed"
	OutcomeFailed          TaskOutcome = "failed"
	OutcomeBudgetExhausted TaskOutcome = "budget_exhausted"
)

// TaskSession is the run of perceive/decide/act cycles for one command.
type TaskSession struct {
	ID        string      `json:"id"`
	Command   string      `json:"command"`
	Outcome   TaskOutcome `json:"outcome"`
	Steps     int         `json:"steps"`
	Summary   string      `json:"summary,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}
