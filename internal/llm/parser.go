package llm

import (
	"context"
	"strings"

	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultLeadCount is used when a prompt does not say how many leads it wants.
const DefaultLeadCount = 10

const parserSystemPrompt = `You turn a lead search request into structured search criteria.
Extract the business type, the location and how many leads are wanted (0 when unspecified).
Only fill constraints the request states; leave the rest as zero values.
priceRange is one to four "$" characters. hours is "open_now" when the request needs places open now.
Answer with JSON only.`

type parsedCriteria struct {
	BusinessType    string   `json:"businessType" description:"kind of business, e.g. cafe"`
	Location        string   `json:"location" description:"city, neighbourhood or address"`
	TargetLeadCount int      `json:"targetLeadCount" description:"number of leads wanted, 0 when unspecified"`
	MinRating       float64  `json:"minRating" description:"minimum rating from 0 to 5, 0 when unspecified"`
	MinReviews      int      `json:"minReviews" description:"minimum review count, 0 when unspecified"`
	MaxReviews      int      `json:"maxReviews" description:"maximum review count, 0 when unspecified"`
	PriceRange      string   `json:"priceRange" description:"price ceiling as 1 to 4 dollar signs, empty when unspecified"`
	Keywords        []string `json:"keywords" description:"soft keywords the business should match"`
	Hours           string   `json:"hours" description:"opening hours requirement, e.g. open_now"`
}

func (p parsedCriteria) toSchema() *schema.SearchCriteria {
	c := &schema.SearchCriteria{
		BusinessType:    strings.TrimSpace(p.BusinessType),
		Location:        strings.TrimSpace(p.Location),
		TargetLeadCount: p.TargetLeadCount,
	}
	if c.TargetLeadCount <= 0 {
		c.TargetLeadCount = DefaultLeadCount
	}
	if p.MinRating > 0 {
		c.Constraints.MinRating = schema.Float64(p.MinRating)
	}
	if p.MinReviews > 0 {
		c.Constraints.MinReviews = schema.Int(p.MinReviews)
	}
	if p.MaxReviews > 0 {
		c.Constraints.MaxReviews = schema.Int(p.MaxReviews)
	}
	if strings.Trim(p.PriceRange, "$") == "" && len(p.PriceRange) <= 4 {
		c.Constraints.PriceRange = p.PriceRange
	}
	for _, kw := range p.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			c.Constraints.Keywords = append(c.Constraints.Keywords, kw)
		}
	}
	c.Constraints.Hours = strings.TrimSpace(p.Hours)
	return c
}

// PromptParser turns free-text requests into search criteria with a chat model.
type PromptParser struct {
	client ChatClient
	model  string
}

// NewPromptParser creates a parser using model, or DefaultModel when empty.
func NewPromptParser(client ChatClient, model string) *PromptParser {
	return &PromptParser{client: client, model: model}
}

// ParsePrompt extracts search criteria from text. Missing business type or
// location is a validation error; the caller's validator checks the rest.
func (p *PromptParser) ParsePrompt(ctx context.Context, text string) (*schema.SearchCriteria, error) {
	out, err := completeJSON[parsedCriteria](ctx, p.client, p.model, "search_criteria", parserSystemPrompt, text)
	if err != nil {
		return nil, err
	}
	criteria := out.toSchema()
	if criteria.BusinessType == "" || criteria.Location == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt does not name a business type and a location")
	}
	return criteria, nil
}

var _ steps.PromptParser = (*PromptParser)(nil)
