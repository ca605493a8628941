package steps

import (
	"context"
	"fmt"

	st "github.com/rendis/leadflow/internal/state"
	"github.com/rendis/leadflow/pkg/schema"
)

// Decision names the branch the control table took.
type Decision string

const (
	DecisionTargetReached Decision = "target_reached"
	DecisionExhausted     Decision = "exhausted"
	DecisionDetail        Decision = "detail"
	DecisionNextPage      Decision = "next_page"
	DecisionFreshCollect  Decision = "fresh_collect"
)

// ControlStep is the decision hub of a run. It is a pure function of the state
// it receives and keeps nothing between calls.
type ControlStep struct{}

// NewControlStep creates the control step.
func NewControlStep() *ControlStep { return &ControlStep{} }

func (s *ControlStep) Key() string { return KeyControl }

func (s *ControlStep) Describe() StepInfo {
	return StepInfo{Key: KeyControl, Description: "Decide whether to finish, fetch the next candidate or collect more."}
}

func (s *ControlStep) Invoke(ctx context.Context, payload any) (*schema.Envelope, error) {
	raw, err := payloadMap(KeyControl, payload)
	if err != nil {
		return nil, err
	}
	env, _ := Decide(st.State(raw))
	return env, nil
}

// Decide evaluates the control table against s, first match wins:
//
//  1. leadCount >= numberOfLeads: done.
//  2. skippedConstraints: clear the flag, then continue as 3 or 4.
//  3. remainingIds non-empty: pop the oldest id and fetch its detail.
//  4. otherwise collect, with the page cursor when one is present.
//
// When the search is exhausted and nothing is queued the run finishes: with no
// error when at least one lead was found, with a "no candidates" error when
// none was.
func Decide(s st.State) (*schema.Envelope, Decision) {
	leadCount := s.Int(st.KeyLeadCount)
	if leadCount >= s.Int(st.KeyNumberOfLeads) {
		return schema.Finish(nil), DecisionTargetReached
	}

	update := map[string]any{}
	if s.Bool(st.KeySkippedConstraints) {
		update[st.KeySkippedConstraints] = false
	}

	if head, rest, ok := st.PopHead(s.Strings(st.KeyRemainingIDs)); ok {
		update[st.KeyRemainingIDs] = rest
		payload := map[string]any{
			"placeId":      head,
			"missingCount": ref(st.KeyMissingCount),
		}
		return schema.GoTo(KeyDetail, payload).WithState(update), DecisionDetail
	}

	if cursor := s.Cursor(); cursor != "" {
		return schema.GoTo(KeyCollect, collectPayload(cursor)).WithState(update), DecisionNextPage
	}

	if s.Bool(st.KeySearchExhausted) {
		env := schema.Finish(update)
		if leadCount == 0 {
			env.Error = noCandidatesMessage(s)
			env.Code = schema.ErrCodeNoCandidates
		}
		return env, DecisionExhausted
	}

	return schema.GoTo(KeyCollect, collectPayload("")).WithState(update), DecisionFreshCollect
}

func collectPayload(cursor string) map[string]any {
	payload := map[string]any{
		"businessType": ref(st.KeyBusinessType),
		"location":     ref(st.KeyLocation),
		"keywords":     ref(st.KeyConstraints + ".keywords"),
		"remainingIds": ref(st.KeyRemainingIDs),
		"seenIds":      ref(st.KeySeenIDs),
		"pagesFetched": ref(st.KeyPagesFetched),
		"maxPages":     ref(st.KeyMaxPages),
	}
	if cursor != "" {
		payload["pageToken"] = cursor
	}
	return payload
}

func noCandidatesMessage(s st.State) string {
	rejected := s.Int(st.KeySkippedCount) + s.Int(st.KeyMissingCount)
	if rejected == 0 {
		return fmt.Sprintf("no candidates found for %q in %q", s.String(st.KeyBusinessType), s.String(st.KeyLocation))
	}
	return fmt.Sprintf("no candidates met the constraints (%d rejected)", rejected)
}
