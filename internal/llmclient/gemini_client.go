// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// generator is the slice of the genai Models service the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient adapts the chat conversation onto the Gemini API.
type GeminiClient struct {
	models generator
	model  string
	logger *zap.Logger
}

// NewGeminiClient builds a client on the official genai SDK.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY or agent.llm.api_key)")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	// The OpenAI default base URL is meaningless here.
	if cfg.BaseURL != "" && !strings.Contains(cfg.BaseURL, "openai.com") {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{
		models: client.Models,
		model:  cfg.Model,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Complete maps system turns to the system instruction and assistant turns to
// the "model" role, then returns the concatenated text of the first candidate.
func (c *GeminiClient) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	system, contents := toGenaiContents(messages)
	temperature := opts.Temperature
	genCfg := &genai.GenerateContentConfig{
		Temperature:       &temperature,
		SystemInstruction: system,
	}

	startTime := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.model, contents, genCfg)
	duration := time.Since(startTime)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			msg := apiErr.Message
			if msg == "" {
				msg = unknownAPIError
			}
			c.logger.Error("Gemini API returned error status", zap.Int("status", apiErr.Code), zap.String("message", msg))
			return "", &APIError{Provider: "Gemini", Status: apiErr.Code, Message: msg}
		}
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("no content in LLM response")
	}

	fields := []zap.Field{zap.String("model", c.model), zap.Duration("duration", duration)}
	if resp.UsageMetadata != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("completion_tokens", resp.UsageMetadata.CandidatesTokenCount),
			zap.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount),
		)
	}
	c.logger.Info("LLM generation complete", fields...)
	return text, nil
}

func toGenaiContents(messages []Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	return system, contents
}
