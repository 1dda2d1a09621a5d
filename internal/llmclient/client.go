// Package llmclient talks to the decision service that picks the agent's next
// browser action.
package llmclient

import (
	"context"
	"fmt"
)

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn as sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions are per-request generation settings.
type CompletionOptions struct {
	Temperature float32
}

// ChatClient is a single-shot chat completion. Implementations do not retry.
type ChatClient interface {
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error)
}

// APIError is a non-success response from the provider.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.Status, e.Message)
}
