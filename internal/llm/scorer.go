package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/pkg/schema"
)

const scorerSystemPrompt = `You qualify sales leads. Given a business record and the buyer's constraints,
rate from 0 to 100 how well the business matches and decide whether it meets the constraints.
Keywords are soft preferences: weigh them against the business name, types, summary and reviews.
Answer with JSON only.`

type scoreOutput struct {
	Percentage float64 `json:"percentage" description:"match score between 0 and 100"`
	Meets      bool    `json:"meets" description:"whether the business meets the constraints"`
	Reasoning  string  `json:"reasoning" description:"one or two sentences explaining the score"`
}

// Scorer rates places with a chat model.
type Scorer struct {
	client ChatClient
	model  string
	// MinScore forces Meets to false below this percentage. Zero trusts the model.
	MinScore float64
}

// NewScorer creates a scorer using model, or DefaultModel when empty.
func NewScorer(client ChatClient, model string) *Scorer {
	return &Scorer{client: client, model: model}
}

// Score asks the model to rate place against constraints.
func (s *Scorer) Score(ctx context.Context, place schema.PlaceDetails, constraints schema.Constraints) (steps.Score, error) {
	user, err := scorerUserPrompt(place, constraints)
	if err != nil {
		return steps.Score{}, err
	}
	out, err := completeJSON[scoreOutput](ctx, s.client, s.model, "lead_score", scorerSystemPrompt, user)
	if err != nil {
		return steps.Score{}, err
	}

	pct := math.Max(0, math.Min(out.Percentage, 100))
	meets := out.Meets && pct >= s.MinScore
	return steps.Score{Percentage: pct, Meets: meets, Reasoning: out.Reasoning}, nil
}

func scorerUserPrompt(place schema.PlaceDetails, constraints schema.Constraints) (string, error) {
	p, err := json.Marshal(place)
	if err != nil {
		return "", fmt.Errorf("encode place: %w", err)
	}
	c, err := json.Marshal(constraints)
	if err != nil {
		return "", fmt.Errorf("encode constraints: %w", err)
	}
	return fmt.Sprintf("Business:\n%s\n\nConstraints:\n%s", p, c), nil
}

var _ steps.Scorer = (*Scorer)(nil)
