package steps

import (
	"context"
	"sync"

	"github.com/rendis/leadflow/pkg/schema"
)

// mockDiscovery serves candidate pages in order and details from a map.
type mockDiscovery struct {
	mu       sync.Mutex
	pages    []mockPage
	details  map[string]*schema.PlaceDetails
	findErr  error
	detErr   map[string]error
	queries  []Query
	detailed []string
}

type mockPage struct {
	ids   []string
	token string
}

func (m *mockDiscovery) FindCandidates(_ context.Context, q Query) ([]string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.findErr != nil {
		return nil, "", m.findErr
	}
	if len(m.pages) == 0 {
		return nil, "", nil
	}
	p := m.pages[0]
	m.pages = m.pages[1:]
	return p.ids, p.token, nil
}

func (m *mockDiscovery) GetDetails(_ context.Context, id string) (*schema.PlaceDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detailed = append(m.detailed, id)
	if err, ok := m.detErr[id]; ok {
		return nil, err
	}
	d, ok := m.details[id]
	if !ok {
		return nil, schema.ErrPlaceNotFound
	}
	cp := *d
	return &cp, nil
}

// mockScorer returns a fixed verdict per place id.
type mockScorer struct {
	verdicts map[string]Score
	err      error
	calls    int
}

func (m *mockScorer) Score(_ context.Context, place schema.PlaceDetails, _ schema.Constraints) (Score, error) {
	m.calls++
	if m.err != nil {
		return Score{}, m.err
	}
	if v, ok := m.verdicts[place.ID]; ok {
		return v, nil
	}
	return Score{Percentage: 50, Meets: true}, nil
}

type mockParser struct {
	criteria *schema.SearchCriteria
	err      error
}

func (m *mockParser) ParsePrompt(_ context.Context, _ string) (*schema.SearchCriteria, error) {
	return m.criteria, m.err
}

type mockValidator struct {
	err error
}

func (m *mockValidator) ValidateCriteria(map[string]any) error { return m.err }
