package schema

import (
	"errors"
	"time"
)

// PlaceDetails is the detail record the discovery service returns for one
// candidate.
type PlaceDetails struct {
	ID           string   `json:"placeId" mapstructure:"placeId"`
	Name         string   `json:"name" mapstructure:"name"`
	Address      string   `json:"address,omitempty" mapstructure:"address"`
	Phone        string   `json:"phone,omitempty" mapstructure:"phone"`
	Website      string   `json:"website,omitempty" mapstructure:"website"`
	Rating       float64  `json:"rating" mapstructure:"rating"`
	ReviewCount  int      `json:"reviewCount" mapstructure:"reviewCount"`
	PriceLevel   int      `json:"priceLevel" mapstructure:"priceLevel"`
	Types        []string `json:"types,omitempty" mapstructure:"types"`
	OpenNow      *bool    `json:"openNow,omitempty" mapstructure:"openNow"`
	OpeningHours []string `json:"openingHours,omitempty" mapstructure:"openingHours"`
	Summary      string   `json:"summary,omitempty" mapstructure:"summary"`
	Reviews      []string `json:"reviews,omitempty" mapstructure:"reviews"`
}

// ToMap renders the details as a JSON-like map suitable for run state and
// expression evaluation.
func (p PlaceDetails) ToMap() map[string]any {
	m := map[string]any{
		"placeId":      p.ID,
		"name":         p.Name,
		"address":      p.Address,
		"phone":        p.Phone,
		"website":      p.Website,
		"rating":       p.Rating,
		"reviewCount":  p.ReviewCount,
		"priceLevel":   p.PriceLevel,
		"types":        toAnySlice(p.Types),
		"openingHours": toAnySlice(p.OpeningHours),
		"summary":      p.Summary,
		"reviews":      toAnySlice(p.Reviews),
	}
	if p.OpenNow != nil {
		m["openNow"] = *p.OpenNow
	}
	return m
}

// Lead is the result record appended to central storage for every candidate
// that passed analysis.
type Lead struct {
	PlaceID     string    `json:"placeId"`
	Name        string    `json:"name"`
	Address     string    `json:"address,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Website     string    `json:"website,omitempty"`
	Rating      float64   `json:"rating"`
	ReviewCount int       `json:"reviewCount"`
	PriceLevel  int       `json:"priceLevel"`
	Score       float64   `json:"score"`
	Meets       bool      `json:"meetsConstraints"`
	Reasoning   string    `json:"reasoning,omitempty"`
	AnalyzedAt  time.Time `json:"analyzedAt"`
}

// ToMap renders the lead as a JSON-like map.
func (l Lead) ToMap() map[string]any {
	return map[string]any{
		"placeId":          l.PlaceID,
		"name":             l.Name,
		"address":          l.Address,
		"phone":            l.Phone,
		"website":          l.Website,
		"rating":           l.Rating,
		"reviewCount":      l.ReviewCount,
		"priceLevel":       l.PriceLevel,
		"score":            l.Score,
		"meetsConstraints": l.Meets,
		"reasoning":        l.Reasoning,
		"analyzedAt":       l.AnalyzedAt.UTC().Format(time.RFC3339),
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// ErrPlaceNotFound is returned by discovery clients for unknown place ids.
var ErrPlaceNotFound = errors.New("place not found")
