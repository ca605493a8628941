package steps

import (
	"context"
	"errors"
	"testing"

	st "github.com/rendis/leadflow/internal/state"
	"github.com/rendis/leadflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputStep_SeedsState(t *testing.T) {
	step := NewInputStep(nil, 0)

	env, err := step.Invoke(context.Background(), map[string]any{
		"businessType":    "cafe",
		"location":        "X",
		"targetLeadCount": 2.0,
		"constraints":     map[string]any{"minRating": 4, "keywords": []any{"wifi"}},
	})
	require.NoError(t, err)

	s := st.New(env.State)
	assert.Equal(t, "cafe", s.String(st.KeyBusinessType))
	assert.Equal(t, 2, s.Int(st.KeyNumberOfLeads))
	assert.Equal(t, 0, s.Int(st.KeyLeadCount))
	assert.Equal(t, DefaultMaxPages, s.Int(st.KeyMaxPages))
	assert.False(t, s.Bool(st.KeySearchExhausted))
	assert.Equal(t, 4.0, s.Nested(st.KeyConstraints)["minRating"])
	assert.Equal(t, []any{"wifi"}, s.Nested(st.KeyConstraints)["keywords"])

	require.True(t, env.HasNext())
	assert.Equal(t, KeyControl, env.Next.Key)
	assert.Equal(t, map[string]any{"state": "$state"}, env.Next.Payload)
	assert.False(t, env.Done)
}

func TestInputStep_RejectsMissingFields(t *testing.T) {
	step := NewInputStep(nil, 3)

	for _, payload := range []map[string]any{
		{"location": "X", "targetLeadCount": 1},
		{"businessType": "cafe", "targetLeadCount": 1},
		{"businessType": "cafe", "location": "X"},
		{"businessType": "cafe", "location": "X", "targetLeadCount": 0},
	} {
		_, err := step.Invoke(context.Background(), payload)
		assert.True(t, schema.IsValidation(err), "%v", payload)
	}
}

func TestInputStep_UsesValidator(t *testing.T) {
	want := schema.NewError(schema.ErrCodeValidation, "bad criteria")
	step := NewInputStep(&mockValidator{err: want}, 3)

	_, err := step.Invoke(context.Background(), map[string]any{"businessType": "cafe", "location": "X", "targetLeadCount": 1})
	assert.True(t, errors.Is(err, want))
}

func TestPromptStep(t *testing.T) {
	criteria := &schema.SearchCriteria{BusinessType: "gym", Location: "Lisbon", TargetLeadCount: 3}

	t.Run("hands criteria to input", func(t *testing.T) {
		env, err := NewPromptStep(&mockParser{criteria: criteria}).Invoke(context.Background(), map[string]any{"prompt": " find 3 gyms in Lisbon "})
		require.NoError(t, err)
		assert.Equal(t, KeyInput, env.Next.Key)
		assert.Equal(t, "gym", env.Next.Payload["businessType"])
		assert.Equal(t, 3, env.Next.Payload["targetLeadCount"])
		assert.Equal(t, "find 3 gyms in Lisbon", env.State["prompt"])
	})

	t.Run("parser failure", func(t *testing.T) {
		_, err := NewPromptStep(&mockParser{err: errors.New("bad json")}).Invoke(context.Background(), map[string]any{"prompt": "x"})
		assert.Equal(t, schema.ErrCodeParse, schema.CodeOf(err))
	})

	t.Run("empty prompt", func(t *testing.T) {
		_, err := NewPromptStep(&mockParser{criteria: criteria}).Invoke(context.Background(), map[string]any{"prompt": "  "})
		assert.True(t, schema.IsValidation(err))
	})

	t.Run("no parser", func(t *testing.T) {
		_, err := NewPromptStep(nil).Invoke(context.Background(), map[string]any{"prompt": "x"})
		assert.Equal(t, schema.ErrCodeStepUnavailable, schema.CodeOf(err))
	})
}
