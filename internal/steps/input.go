package steps

import (
	"context"
	"encoding/json"

	st "github.com/rendis/leadflow/internal/state"
	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultMaxPages caps how many candidate pages one run fetches.
const DefaultMaxPages = 5

const criteriaInputSchema = `{
  "type": "object",
  "properties": {
    "businessType": {"type": "string"},
    "location": {"type": "string"},
    "targetLeadCount": {"type": "integer", "minimum": 1},
    "constraints": {"type": "object"}
  },
  "required": ["businessType", "location", "targetLeadCount"]
}`

// InputStep seeds run state from search criteria and hands off to control.
type InputStep struct {
	validator CriteriaValidator
	maxPages  int
}

// NewInputStep creates the seed step. validator may be nil; maxPages <= 0
// falls back to DefaultMaxPages.
func NewInputStep(validator CriteriaValidator, maxPages int) *InputStep {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &InputStep{validator: validator, maxPages: maxPages}
}

func (s *InputStep) Key() string { return KeyInput }

func (s *InputStep) Describe() StepInfo {
	return StepInfo{
		Key:         KeyInput,
		Description: "Seed run state from search criteria.",
		InputSchema: json.RawMessage(criteriaInputSchema),
	}
}

func (s *InputStep) Invoke(ctx context.Context, payload any) (*schema.Envelope, error) {
	raw, err := payloadMap(KeyInput, payload)
	if err != nil {
		return nil, err
	}
	criteria, err := CheckCriteria(s.validator, raw)
	if err != nil {
		return nil, err
	}
	seed := SeedState(criteria, s.maxPages)
	return schema.GoTo(KeyControl, statePayload()).WithState(seed), nil
}

// CheckCriteria validates raw seed criteria and decodes them. validator may be
// nil, in which case only the required fields are checked.
func CheckCriteria(validator CriteriaValidator, raw map[string]any) (schema.SearchCriteria, error) {
	var criteria schema.SearchCriteria
	if raw == nil {
		return criteria, schema.NewError(schema.ErrCodeValidation, "criteria are required").WithStep(KeyInput)
	}
	if validator != nil {
		if err := validator.ValidateCriteria(raw); err != nil {
			return criteria, err
		}
	}
	if err := decodePayload(KeyInput, raw, &criteria); err != nil {
		return criteria, err
	}
	if criteria.BusinessType == "" || criteria.Location == "" || criteria.TargetLeadCount < 1 {
		return criteria, schema.NewError(schema.ErrCodeValidation,
			"businessType, location and a positive targetLeadCount are required").WithStep(KeyInput)
	}
	return criteria, nil
}

// SeedState builds the initial run state for criteria.
func SeedState(criteria schema.SearchCriteria, maxPages int) map[string]any {
	return map[string]any{
		st.KeyBusinessType:       criteria.BusinessType,
		st.KeyLocation:           criteria.Location,
		st.KeyNumberOfLeads:      criteria.TargetLeadCount,
		st.KeyConstraints:        criteria.Constraints.ToMap(),
		st.KeyLeadCount:          0,
		st.KeySkippedCount:       0,
		st.KeyMissingCount:       0,
		st.KeyRemainingIDs:       []any{},
		st.KeySeenIDs:            []any{},
		st.KeyNextPageCursor:     nil,
		st.KeyPagesFetched:       0,
		st.KeyMaxPages:           maxPages,
		st.KeySearchExhausted:    false,
		st.KeySkippedConstraints: false,
		st.KeyCurrentPlace:       nil,
	}
}
