// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
)

const unknownAPIError = "Unknown API error"

// OpenAIClient calls an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	client openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIClient validates cfg and returns a ready client.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY or agent.llm.api_key)")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.APITimeout}),
		// The agent loop owns failure handling; a failed decision is reported, not replayed.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.Named("llm_client.openai"),
	}, nil
}

// Complete sends the conversation and returns choices[0].message.content.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    convertMessagesToOpenAI(messages),
		Temperature: openai.Float(float64(opts.Temperature)),
	}

	startTime := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	duration := time.Since(startTime)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", c.handleAPIError(apiErr)
		}
		return "", fmt.Errorf("failed to execute chat completion request: %w", err)
	}

	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		raw := ""
		if resp != nil {
			raw = resp.RawJSON()
		}
		return "", fmt.Errorf("no content in LLM response: %s", truncate(raw, 500))
	}

	c.logger.Info("LLM generation complete",
		zap.String("model", c.model),
		zap.Duration("duration", duration),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		zap.Int64("total_tokens", resp.Usage.TotalTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) handleAPIError(apiErr *openai.Error) error {
	msg := apiErr.Message
	if msg == "" {
		// Some compatible servers keep the OpenAI envelope without the SDK unwrapping it.
		msg = gjson.Get(apiErr.RawJSON(), "error.message").String()
	}
	if msg == "" {
		msg = unknownAPIError
	}
	c.logger.Error("OpenAI API returned error status", zap.Int("status", apiErr.StatusCode), zap.String("message", msg))
	return &APIError{Provider: "OpenAI", Status: apiErr.StatusCode, Message: msg}
}

func convertMessagesToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out[i] = openai.SystemMessage(msg.Content)
		case RoleAssistant:
			out[i] = openai.AssistantMessage(msg.Content)
		default:
			out[i] = openai.UserMessage(msg.Content)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
