// File: internal/agent/decision.go
package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/webpilot/internal/llmclient"
)

// DecisionConfig tunes how the conversation is presented to the model.
type DecisionConfig struct {
	Temperature float32
	// ContextWindow is the number of most recent turns sent after the system turn; 0 sends all.
	ContextWindow        int
	HistoryWarnThreshold int
	RequestsPerMinute    int
}

// DecisionClient owns the conversation and turns model replies into actions.
// It is used from a single goroutine, the task loop.
type DecisionClient struct {
	store   *ConversationStore
	llm     llmclient.ChatClient
	cfg     DecisionConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewDecisionClient wires a conversation store to a chat backend.
func NewDecisionClient(store *ConversationStore, llm llmclient.ChatClient, cfg DecisionConfig, logger *zap.Logger) *DecisionClient {
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &DecisionClient{
		store:   store,
		llm:     llm,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.Named("decision"),
	}
}

// Conversation exposes the underlying store.
func (d *DecisionClient) Conversation() *ConversationStore { return d.store }

// StartTask appends the opening user turn for a new task. Prior history is kept.
func (d *DecisionClient) StartTask(command string) error {
	return d.store.Append(ConversationTurn{Role: RoleUser, Content: TaskPrompt(command)})
}

// Observe appends the rendered page state as a user turn.
func (d *DecisionClient) Observe(ps PageState) error {
	return d.store.Append(ConversationTurn{Role: RoleUser, Content: ObservationPrompt(ps)})
}

// Decide asks the model for the next action. The raw reply is recorded before
// it is parsed, so unparseable replies are still part of the history. Nothing
// is retried: any error here ends the task.
func (d *DecisionClient) Decide(ctx context.Context) (Action, error) {
	total := d.store.Len()
	if d.cfg.HistoryWarnThreshold > 0 && total > d.cfg.HistoryWarnThreshold {
		d.logger.Warn("Conversation history is long", zap.Int("messages", total))
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Action{}, &DecisionError{Kind: DecisionService, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	window := d.store.Window(d.cfg.ContextWindow)
	messages := make([]llmclient.Message, len(window))
	for i, t := range window {
		messages[i] = llmclient.Message{Role: string(t.Role), Content: t.Content}
	}

	reply, err := d.llm.Complete(ctx, messages, llmclient.CompletionOptions{Temperature: d.cfg.Temperature})
	if err != nil {
		d.logger.Error("Decision service call failed", zap.Error(err))
		return Action{}, &DecisionError{Kind: DecisionService, Err: err}
	}
	d.logger.Debug("LLM replied", zap.String("content", reply), zap.Int("sent_messages", len(messages)))

	// A persistence failure is logged by the store; the task carries on with
	// the in-memory history.
	_ = d.store.Append(ConversationTurn{Role: RoleAssistant, Content: reply})

	cleaned := CleanReply(reply)
	d.logger.Debug("Cleaned JSON", zap.String("json", cleaned))

	action, err := DecodeAction([]byte(cleaned))
	if err != nil {
		d.logger.Warn("Could not parse LLM reply", zap.Error(err), zap.String("content", cleaned))
		return Action{}, &DecisionError{Kind: DecisionParse, Err: err}
	}
	return action, nil
}
