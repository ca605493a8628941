package steps

import (
	"context"
	"time"

	"github.com/rendis/leadflow/internal/expressions"
	st "github.com/rendis/leadflow/internal/state"
	"github.com/rendis/leadflow/pkg/schema"
)

// HardConstraints is the CEL program every candidate must satisfy before it
// is scored. Unset constraints always pass; priceRange is a "$" to "$$$$"
// ceiling and hours "open_now" requires the place to be open.
const HardConstraints = `
(!has(constraints.minRating) || (has(place.rating) && double(place.rating) >= double(constraints.minRating))) &&
(!has(constraints.minReviews) || (has(place.reviewCount) && int(place.reviewCount) >= int(constraints.minReviews))) &&
(!has(constraints.maxReviews) || (has(place.reviewCount) && int(place.reviewCount) <= int(constraints.maxReviews))) &&
(!has(constraints.priceRange) || !has(place.priceLevel) || int(place.priceLevel) == 0 ||
	int(place.priceLevel) <= size(constraints.priceRange)) &&
(!has(constraints.hours) || constraints.hours != "open_now" || (has(place.openNow) && place.openNow == true))`

type analyzeInput struct {
	Place        map[string]any `mapstructure:"place"`
	Constraints  map[string]any `mapstructure:"constraints"`
	LeadCount    int            `mapstructure:"leadCount"`
	SkippedCount int            `mapstructure:"skippedCount"`
}

// AnalyzeStep checks one place against the search constraints and either
// records it as a lead or flags it as skipped.
type AnalyzeStep struct {
	cel    *expressions.CELEngine
	filter *expressions.ExprEngine
	scorer Scorer
	now    func() time.Time
}

// NewAnalyzeStep creates the analysis step. A nil scorer falls back to
// HeuristicScorer.
func NewAnalyzeStep(cel *expressions.CELEngine, filter *expressions.ExprEngine, scorer Scorer) *AnalyzeStep {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &AnalyzeStep{cel: cel, filter: filter, scorer: scorer, now: time.Now}
}

func (s *AnalyzeStep) Key() string { return KeyAnalyze }

func (s *AnalyzeStep) Describe() StepInfo {
	return StepInfo{Key: KeyAnalyze, Description: "Check a place against the constraints and score it."}
}

func (s *AnalyzeStep) Invoke(ctx context.Context, payload any) (*schema.Envelope, error) {
	var in analyzeInput
	if err := decodePayload(KeyAnalyze, payload, &in); err != nil {
		return nil, err
	}
	if len(in.Place) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "missing place").WithStep(KeyAnalyze)
	}

	var place schema.PlaceDetails
	if err := decodePayload(KeyAnalyze, in.Place, &place); err != nil {
		return nil, err
	}
	var constraints schema.Constraints
	if err := decodePayload(KeyAnalyze, in.Constraints, &constraints); err != nil {
		return nil, err
	}

	passed, err := s.checkConstraints(ctx, in.Place, in.Constraints, constraints.Filter)
	if err != nil {
		return nil, err
	}
	if !passed {
		return skip(in.SkippedCount), nil
	}

	verdict, err := s.scorer.Score(ctx, place, constraints)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "score %s: %s", place.ID, err.Error()).
			WithStep(KeyAnalyze).
			WithCause(err)
	}
	if !verdict.Meets {
		return skip(in.SkippedCount), nil
	}

	lead := schema.Lead{
		PlaceID:     place.ID,
		Name:        place.Name,
		Address:     place.Address,
		Phone:       place.Phone,
		Website:     place.Website,
		Rating:      place.Rating,
		ReviewCount: place.ReviewCount,
		PriceLevel:  place.PriceLevel,
		Score:       verdict.Percentage,
		Meets:       true,
		Reasoning:   verdict.Reasoning,
		AnalyzedAt:  s.now().UTC(),
	}
	update := map[string]any{
		st.KeyLeadCount:          in.LeadCount + 1,
		st.KeySkippedConstraints: false,
		st.KeyCurrentPlace:       nil,
	}
	return schema.GoTo(KeyControl, statePayload()).WithState(update).WithResult(lead.ToMap()), nil
}

func (s *AnalyzeStep) checkConstraints(ctx context.Context, place, constraints map[string]any, filter string) (bool, error) {
	if constraints == nil {
		constraints = map[string]any{}
	}
	if s.cel != nil {
		ok, err := expressions.EvaluateBool(ctx, s.cel, HardConstraints, map[string]any{
			expressions.VarPlace:       place,
			expressions.VarConstraints: constraints,
		})
		if err != nil {
			return false, wrapAnalyzeErr(err)
		}
		if !ok {
			return false, nil
		}
	}
	if filter != "" && s.filter != nil {
		ok, err := expressions.EvaluateBool(ctx, s.filter, filter, place)
		if err != nil {
			return false, wrapAnalyzeErr(err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func skip(skippedCount int) *schema.Envelope {
	update := map[string]any{
		st.KeySkippedCount:       skippedCount + 1,
		st.KeySkippedConstraints: true,
		st.KeyCurrentPlace:       nil,
	}
	return schema.GoTo(KeyControl, statePayload()).WithState(update)
}

func wrapAnalyzeErr(err error) error {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe.WithStep(KeyAnalyze)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(KeyAnalyze).WithCause(err)
}
