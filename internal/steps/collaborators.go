package steps

import (
	"context"

	"github.com/rendis/leadflow/pkg/schema"
)

// Query is one candidate search request.
type Query struct {
	BusinessType string
	Location     string
	Keywords     []string
	PageToken    string
}

// Discovery finds candidate places and fetches their details. GetDetails
// returns an error wrapping schema.ErrPlaceNotFound for unknown ids.
type Discovery interface {
	FindCandidates(ctx context.Context, q Query) (ids []string, nextPageToken string, err error)
	GetDetails(ctx context.Context, placeID string) (*schema.PlaceDetails, error)
}

// Score is a scorer's verdict for one place.
type Score struct {
	Percentage float64 `json:"percentage"`
	Meets      bool    `json:"meets"`
	Reasoning  string  `json:"reasoning"`
}

// Scorer rates how well a place matches the search constraints.
type Scorer interface {
	Score(ctx context.Context, place schema.PlaceDetails, constraints schema.Constraints) (Score, error)
}

// PromptParser turns free text into search criteria.
type PromptParser interface {
	ParsePrompt(ctx context.Context, text string) (*schema.SearchCriteria, error)
}

// CriteriaValidator checks seed criteria before they enter a run.
type CriteriaValidator interface {
	ValidateCriteria(criteria map[string]any) error
}
