package steps

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rendis/leadflow/pkg/schema"
)

// HeuristicScorer scores places from rating, review volume and keyword hits
// without calling an external service. A place meets the constraints when its
// score reaches MinScore.
type HeuristicScorer struct {
	MinScore float64
}

func (h HeuristicScorer) Score(_ context.Context, place schema.PlaceDetails, constraints schema.Constraints) (Score, error) {
	rating := math.Max(0, math.Min(place.Rating, 5)) / 5 * 60
	reviews := math.Min(math.Log10(float64(place.ReviewCount)+1)/3, 1) * 25

	keywords := 15.0
	var missing []string
	if len(constraints.Keywords) > 0 {
		haystack := strings.ToLower(strings.Join(append([]string{place.Name, place.Summary}, append(place.Types, place.Reviews...)...), " "))
		hits := 0
		for _, kw := range constraints.Keywords {
			if strings.Contains(haystack, strings.ToLower(kw)) {
				hits++
			} else {
				missing = append(missing, kw)
			}
		}
		keywords = 15 * float64(hits) / float64(len(constraints.Keywords))
	}

	pct := math.Round((rating+reviews+keywords)*10) / 10
	reasoning := fmt.Sprintf("rating %.1f with %d reviews", place.Rating, place.ReviewCount)
	if len(missing) > 0 {
		reasoning += fmt.Sprintf("; missing keywords: %s", strings.Join(missing, ", "))
	}
	return Score{Percentage: pct, Meets: pct >= h.MinScore, Reasoning: reasoning}, nil
}

var _ Scorer = HeuristicScorer{}
