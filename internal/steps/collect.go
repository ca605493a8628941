package steps

import (
	"context"

	st "github.com/rendis/leadflow/internal/state"
	"github.com/rendis/leadflow/pkg/schema"
)

type collectInput struct {
	BusinessType string   `mapstructure:"businessType"`
	Location     string   `mapstructure:"location"`
	Keywords     []string `mapstructure:"keywords"`
	PageToken    string   `mapstructure:"pageToken"`
	RemainingIDs []string `mapstructure:"remainingIds"`
	SeenIDs      []string `mapstructure:"seenIds"`
	PagesFetched int      `mapstructure:"pagesFetched"`
	MaxPages     int      `mapstructure:"maxPages"`
}

// CollectStep fetches one page of candidate ids and queues the unseen ones.
type CollectStep struct {
	discovery Discovery
}

// NewCollectStep creates the candidate collection step.
func NewCollectStep(discovery Discovery) *CollectStep {
	return &CollectStep{discovery: discovery}
}

func (s *CollectStep) Key() string { return KeyCollect }

func (s *CollectStep) Describe() StepInfo {
	return StepInfo{Key: KeyCollect, Description: "Fetch a page of candidate ids from the discovery service."}
}

func (s *CollectStep) Invoke(ctx context.Context, payload any) (*schema.Envelope, error) {
	var in collectInput
	if err := decodePayload(KeyCollect, payload, &in); err != nil {
		return nil, err
	}
	if s.discovery == nil {
		return nil, schema.NewError(schema.ErrCodeStepUnavailable, "no discovery service configured").WithStep(KeyCollect)
	}

	ids, token, err := s.discovery.FindCandidates(ctx, Query{
		BusinessType: in.BusinessType,
		Location:     in.Location,
		Keywords:     in.Keywords,
		PageToken:    in.PageToken,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "find candidates: %s", err.Error()).
			WithStep(KeyCollect).
			WithCause(err)
	}

	seen := make(map[string]bool, len(in.SeenIDs)+len(ids))
	for _, id := range in.SeenIDs {
		seen[id] = true
	}
	remaining := append([]string{}, in.RemainingIDs...)
	seenIDs := append([]string{}, in.SeenIDs...)
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		remaining = append(remaining, id)
		seenIDs = append(seenIDs, id)
	}

	pages := in.PagesFetched + 1
	exhausted := token == "" || (in.MaxPages > 0 && pages >= in.MaxPages)
	var cursor any
	if !exhausted {
		cursor = token
	}

	update := map[string]any{
		st.KeyRemainingIDs:    remaining,
		st.KeySeenIDs:         seenIDs,
		st.KeyNextPageCursor:  cursor,
		st.KeyPagesFetched:    pages,
		st.KeySearchExhausted: exhausted,
	}
	return schema.GoTo(KeyControl, statePayload()).WithState(update), nil
}
