package schema

// SearchCriteria is the seed input of a lead search. It is copied into run
// state by the input step and never mutated by the engine afterwards.
type SearchCriteria struct {
	BusinessType    string      `json:"businessType" mapstructure:"businessType"`
	Location        string      `json:"location" mapstructure:"location"`
	TargetLeadCount int         `json:"targetLeadCount" mapstructure:"targetLeadCount"`
	Constraints     Constraints `json:"constraints,omitempty" mapstructure:"constraints"`
}

// Constraints are the soft and hard requirements a candidate must meet to
// count as a lead. Nil or empty fields are unset.
type Constraints struct {
	MinRating  *float64 `json:"minRating,omitempty" mapstructure:"minRating"`
	MinReviews *int     `json:"minReviews,omitempty" mapstructure:"minReviews"`
	MaxReviews *int     `json:"maxReviews,omitempty" mapstructure:"maxReviews"`
	PriceRange string   `json:"priceRange,omitempty" mapstructure:"priceRange"`
	Keywords   []string `json:"keywords,omitempty" mapstructure:"keywords"`
	Hours      string   `json:"hours,omitempty" mapstructure:"hours"`
	// Filter is an optional boolean expression evaluated against the place
	// detail record, e.g. `rating >= 4.5 && reviewCount < 300`.
	Filter string `json:"filter,omitempty" mapstructure:"filter"`
}

// ToMap renders the constraints as a JSON-like map, omitting unset fields.
func (c Constraints) ToMap() map[string]any {
	m := make(map[string]any)
	if c.MinRating != nil {
		m["minRating"] = *c.MinRating
	}
	if c.MinReviews != nil {
		m["minReviews"] = *c.MinReviews
	}
	if c.MaxReviews != nil {
		m["maxReviews"] = *c.MaxReviews
	}
	if c.PriceRange != "" {
		m["priceRange"] = c.PriceRange
	}
	if len(c.Keywords) > 0 {
		kw := make([]any, len(c.Keywords))
		for i, k := range c.Keywords {
			kw[i] = k
		}
		m["keywords"] = kw
	}
	if c.Hours != "" {
		m["hours"] = c.Hours
	}
	if c.Filter != "" {
		m["filter"] = c.Filter
	}
	return m
}

// ToMap renders the criteria as the seed payload accepted by the input step.
func (c SearchCriteria) ToMap() map[string]any {
	return map[string]any{
		"businessType":    c.BusinessType,
		"location":        c.Location,
		"targetLeadCount": c.TargetLeadCount,
		"constraints":     c.Constraints.ToMap(),
	}
}

// Float64 returns a pointer to v. Handy for building Constraints literals.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
