package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/leadflow/internal/state"
	"github.com/rendis/leadflow/pkg/schema"
)

// Metadata is run bookkeeping kept next to the working state.
type Metadata struct {
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	ExecutionTotal int        `json:"executionTotal"`
}

// Storage is the central storage of one run: working state, the append-only
// list of result records and run metadata. A Storage belongs to exactly one
// run and is only touched by that run's executor loop.
type Storage struct {
	ID       string      `json:"id"`
	State    state.State `json:"state"`
	Results  []any       `json:"results"`
	Metadata Metadata    `json:"metadata"`
}

// NewStorage creates storage with a fresh id and a copy of initial as state.
func NewStorage(initial map[string]any) *Storage {
	return &Storage{
		ID:       uuid.New().String(),
		State:    state.New(initial),
		Results:  []any{},
		Metadata: Metadata{CreatedAt: time.Now().UTC()},
	}
}

// Apply folds a step envelope into storage: state is merged, a non-nil
// result is appended and the execution counter is incremented.
func (s *Storage) Apply(env *schema.Envelope) {
	if env == nil {
		return
	}
	s.State.Merge(env.State)
	if env.Result != nil {
		s.Results = append(s.Results, state.Normalize(env.Result))
	}
	s.Metadata.ExecutionTotal++
}

// markStarted stamps StartedAt the first time it is called.
func (s *Storage) markStarted(now time.Time) {
	if s.Metadata.StartedAt == nil {
		t := now.UTC()
		s.Metadata.StartedAt = &t
	}
}

// SortResultsByScore orders result records by their "score" field, highest
// first. Records without a numeric score sort last; ties keep insertion order.
func (s *Storage) SortResultsByScore() {
	sort.SliceStable(s.Results, func(i, j int) bool {
		a, aok := resultScore(s.Results[i])
		b, bok := resultScore(s.Results[j])
		if aok != bok {
			return aok
		}
		return a > b
	})
}

func resultScore(r any) (float64, bool) {
	m, ok := r.(map[string]any)
	if !ok {
		return 0, false
	}
	return state.AsFloat(m["score"])
}

// Snapshot returns a deep copy of the storage suitable for serialization.
func (s *Storage) Snapshot() map[string]any {
	meta := map[string]any{
		"createdAt":      s.Metadata.CreatedAt.Format(time.RFC3339Nano),
		"executionTotal": s.Metadata.ExecutionTotal,
	}
	if s.Metadata.StartedAt != nil {
		meta["startedAt"] = s.Metadata.StartedAt.Format(time.RFC3339Nano)
	}
	return map[string]any{
		"id":       s.ID,
		"state":    state.CopyMap(s.State),
		"results":  state.Normalize(s.Results),
		"metadata": meta,
	}
}
