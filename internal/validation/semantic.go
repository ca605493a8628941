package validation

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/rendis/leadflow/internal/state"
	"github.com/rendis/leadflow/pkg/schema"
)

// HoursOpenNow is the only hours constraint the analyze step enforces.
const HoursOpenNow = "open_now"

// highLeadCount is the target above which a search is flagged as expensive.
const highLeadCount = 100

// validateSemantic checks what the criteria schema cannot express: review
// bounds are ordered and the filter expression compiles. It also warns about
// constraints the engine will ignore and unusually large searches.
func validateSemantic(criteria map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if n, ok := state.AsInt(criteria["targetLeadCount"]); ok && n > highLeadCount {
		result.AddWarning("/targetLeadCount", schema.ErrCodeValidation,
			fmt.Sprintf("high target lead count (%d) may exhaust the candidate search", n))
	}

	constraints, _ := criteria["constraints"].(map[string]any)
	if len(constraints) == 0 {
		return result
	}

	minReviews, hasMin := state.AsInt(constraints["minReviews"])
	maxReviews, hasMax := state.AsInt(constraints["maxReviews"])
	if hasMin && hasMax && minReviews > maxReviews {
		result.AddError("/constraints/maxReviews", schema.ErrCodeValidation,
			fmt.Sprintf("maxReviews (%d) is lower than minReviews (%d)", maxReviews, minReviews))
	}

	if filter, _ := constraints["filter"].(string); filter != "" {
		if _, err := expr.Compile(filter, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
			result.AddError("/constraints/filter", schema.ErrCodeValidation,
				fmt.Sprintf("filter does not compile: %s", err.Error()))
		}
	}

	if hours, _ := constraints["hours"].(string); hours != "" && hours != HoursOpenNow {
		result.AddWarning("/constraints/hours", schema.ErrCodeValidation,
			fmt.Sprintf("hours constraint %q is only used for scoring; only %q is enforced", hours, HoursOpenNow))
	}

	return result
}
