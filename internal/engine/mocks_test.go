package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

// stubDiscovery serves candidate pages in order and details from a map.
// Ids listed in block wait for the step context to end.
type stubDiscovery struct {
	mu       sync.Mutex
	pages    [][]string
	tokens   []string
	details  map[string]*schema.PlaceDetails
	block    map[string]bool
	detailed []string
}

func (d *stubDiscovery) FindCandidates(_ context.Context, _ steps.Query) ([]string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pages) == 0 {
		return nil, "", nil
	}
	ids := d.pages[0]
	d.pages = d.pages[1:]
	var token string
	if len(d.tokens) > 0 {
		token = d.tokens[0]
		d.tokens = d.tokens[1:]
	}
	return ids, token, nil
}

func (d *stubDiscovery) GetDetails(ctx context.Context, id string) (*schema.PlaceDetails, error) {
	d.mu.Lock()
	d.detailed = append(d.detailed, id)
	blocked := d.block[id]
	det, ok := d.details[id]
	d.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, schema.ErrPlaceNotFound
	}
	cp := *det
	return &cp, nil
}

func (d *stubDiscovery) fetched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.detailed...)
}

func places(ids ...string) map[string]*schema.PlaceDetails {
	out := make(map[string]*schema.PlaceDetails, len(ids))
	for _, id := range ids {
		out[id] = &schema.PlaceDetails{ID: id, Name: "Place " + id, Rating: 4.5, ReviewCount: 120}
	}
	return out
}

// stubScorer returns a fixed verdict per place id, meeting by default.
type stubScorer struct {
	verdicts map[string]steps.Score
}

func (s stubScorer) Score(_ context.Context, place schema.PlaceDetails, _ schema.Constraints) (steps.Score, error) {
	if v, ok := s.verdicts[place.ID]; ok {
		return v, nil
	}
	return steps.Score{Percentage: 50, Meets: true}, nil
}

type stubParser struct {
	criteria *schema.SearchCriteria
}

func (p stubParser) ParsePrompt(context.Context, string) (*schema.SearchCriteria, error) {
	return p.criteria, nil
}

// memRecorder is an in-memory Recorder with injectable failures.
type memRecorder struct {
	mu        sync.Mutex
	runs      map[string]*store.Run
	events    []*store.Event
	createErr error
	appendErr error
	updateErr error
}

func newMemRecorder() *memRecorder {
	return &memRecorder{runs: make(map[string]*store.Run)}
}

func (r *memRecorder) CreateRun(_ context.Context, run *store.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *memRecorder) UpdateRun(_ context.Context, id string, u store.RunUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	run, ok := r.runs[id]
	if !ok {
		return errors.New("no such run")
	}
	if u.Status != nil {
		run.Status = *u.Status
	}
	if u.Output != nil {
		run.Output = u.Output
	}
	if u.Error != nil {
		run.Error = *u.Error
	}
	if u.ExecutionTotal != nil {
		run.ExecutionTotal = *u.ExecutionTotal
	}
	if u.ResultCount != nil {
		run.ResultCount = *u.ResultCount
	}
	if u.StartedAt != nil {
		run.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		run.CompletedAt = u.CompletedAt
	}
	return nil
}

func (r *memRecorder) AppendEvent(_ context.Context, ev *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	cp := *ev
	cp.Sequence = int64(len(r.events) + 1)
	cp.Timestamp = time.Now()
	r.events = append(r.events, &cp)
	return nil
}

func (r *memRecorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *memRecorder) run(id string) (store.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return store.Run{}, false
	}
	return *run, true
}

// countingObserver counts observer callbacks.
type countingObserver struct {
	mu       sync.Mutex
	started  map[string]int
	failed   map[string]int
	opened   []string
	finished []schema.RunStatus
}

func newCountingObserver() *countingObserver {
	return &countingObserver{started: map[string]int{}, failed: map[string]int{}}
}

func (o *countingObserver) StepStarted(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started[key]++
}

func (o *countingObserver) StepFinished(key string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed[key]++
	}
}

func (o *countingObserver) CircuitOpened(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, key)
}

func (o *countingObserver) RunFinished(status schema.RunStatus, _ time.Duration, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, status)
}
