package steps

import (
	"context"
	"errors"

	st "github.com/rendis/leadflow/internal/state"
	"github.com/rendis/leadflow/pkg/schema"
)

type detailInput struct {
	PlaceID      string `mapstructure:"placeId"`
	MissingCount int    `mapstructure:"missingCount"`
}

// DetailStep fetches the detail record of one candidate. Unknown ids are
// skipped; any other discovery failure fails the step.
type DetailStep struct {
	discovery Discovery
}

// NewDetailStep creates the detail fetch step.
func NewDetailStep(discovery Discovery) *DetailStep {
	return &DetailStep{discovery: discovery}
}

func (s *DetailStep) Key() string { return KeyDetail }

func (s *DetailStep) Describe() StepInfo {
	return StepInfo{Key: KeyDetail, Description: "Fetch the detail record of one candidate."}
}

func (s *DetailStep) Invoke(ctx context.Context, payload any) (*schema.Envelope, error) {
	var in detailInput
	if err := decodePayload(KeyDetail, payload, &in); err != nil {
		return nil, err
	}
	if in.PlaceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "missing placeId").WithStep(KeyDetail)
	}
	if s.discovery == nil {
		return nil, schema.NewError(schema.ErrCodeStepUnavailable, "no discovery service configured").WithStep(KeyDetail)
	}

	details, err := s.discovery.GetDetails(ctx, in.PlaceID)
	if err == nil && details == nil {
		err = schema.ErrPlaceNotFound
	}
	if errors.Is(err, schema.ErrPlaceNotFound) {
		update := map[string]any{
			st.KeyMissingCount:       in.MissingCount + 1,
			st.KeySkippedConstraints: true,
			st.KeyCurrentPlace:       nil,
		}
		return schema.GoTo(KeyControl, statePayload()).WithState(update), nil
	}
	if err != nil {
		code := schema.ErrCodeStepFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "get details for %s: %s", in.PlaceID, err.Error()).
			WithStep(KeyDetail).
			WithCause(err).
			WithDetails(map[string]any{"placeId": in.PlaceID})
	}
	if details.ID == "" {
		details.ID = in.PlaceID
	}

	next := map[string]any{
		"place":        ref(st.KeyCurrentPlace),
		"constraints":  ref(st.KeyConstraints),
		"leadCount":    ref(st.KeyLeadCount),
		"skippedCount": ref(st.KeySkippedCount),
	}
	update := map[string]any{st.KeyCurrentPlace: details.ToMap()}
	return schema.GoTo(KeyAnalyze, next).WithState(update), nil
}
