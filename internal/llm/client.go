// Package llm holds the OpenAI-backed scorer and prompt parser.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.GPT4oMini

var errNoContent = errors.New("no content in completion")

// ChatClient is the subset of the go-openai client the package uses.
// *openai.Client satisfies it; tests substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures the OpenAI client.
type Config struct {
	APIKey string
	// BaseURL points at an OpenAI-compatible endpoint. Empty uses the default.
	BaseURL string
	Model   string
}

// NewClient builds a go-openai client from cfg.
func NewClient(cfg Config) (*openai.Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return openai.NewClientWithConfig(oc), nil
}

func modelOrDefault(model string) string {
	if model == "" {
		return DefaultModel
	}
	return model
}

// completeJSON sends a system and user message and decodes the reply into T,
// asking the model for output matching T's JSON schema.
func completeJSON[T any](ctx context.Context, client ChatClient, model, name, system, user string) (T, error) {
	var out T
	def, err := jsonschema.GenerateSchemaForType(out)
	if err != nil {
		return out, fmt.Errorf("generate %s schema: %w", name, err)
	}

	req := openai.ChatCompletionRequest{
		Model:       modelOrDefault(model),
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: def,
			},
		},
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return out, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		reason := ""
		if len(resp.Choices) > 0 {
			reason = string(resp.Choices[0].FinishReason)
		}
		return out, fmt.Errorf("%w (finish reason: %s)", errNoContent, reason)
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}
