package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/leadflow/pkg/schema"
)

const promptInputSchema = `{
  "type": "object",
  "properties": {"prompt": {"type": "string", "minLength": 1}},
  "required": ["prompt"]
}`

type promptInput struct {
	Prompt string `mapstructure:"prompt"`
}

// PromptStep turns a free-text request into search criteria and hands them
// to the input step.
type PromptStep struct {
	parser PromptParser
}

// NewPromptStep creates the natural-language entry step.
func NewPromptStep(parser PromptParser) *PromptStep {
	return &PromptStep{parser: parser}
}

func (s *PromptStep) Key() string { return KeyPrompt }

func (s *PromptStep) Describe() StepInfo {
	return StepInfo{
		Key:         KeyPrompt,
		Description: "Parse a free-text request into search criteria.",
		InputSchema: json.RawMessage(promptInputSchema),
	}
}

func (s *PromptStep) Invoke(ctx context.Context, payload any) (*schema.Envelope, error) {
	var in promptInput
	if err := decodePayload(KeyPrompt, payload, &in); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(in.Prompt)
	if text == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt is empty").WithStep(KeyPrompt)
	}
	if s.parser == nil {
		return nil, schema.NewError(schema.ErrCodeStepUnavailable, "no prompt parser configured").WithStep(KeyPrompt)
	}

	criteria, err := s.parser.ParsePrompt(ctx, text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "parse prompt: %s", err.Error()).
			WithStep(KeyPrompt).
			WithCause(err)
	}
	if criteria == nil {
		return nil, schema.NewError(schema.ErrCodeParse, "parser returned no criteria").WithStep(KeyPrompt)
	}

	return schema.GoTo(KeyInput, criteria.ToMap()).WithState(map[string]any{"prompt": text}), nil
}
