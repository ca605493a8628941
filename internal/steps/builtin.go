package steps

import "github.com/rendis/leadflow/internal/expressions"

// Deps are the collaborators the built-in steps need. Nil collaborators
// leave the dependent steps registered but failing with STEP_UNAVAILABLE,
// except Scorer which falls back to HeuristicScorer.
type Deps struct {
	Discovery Discovery
	Scorer    Scorer
	Parser    PromptParser
	Validator CriteriaValidator
	CEL       *expressions.CELEngine
	Expr      *expressions.ExprEngine
	MaxPages  int
}

// RegisterBuiltins registers all built-in lead steps in the given registry.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	all := []Step{
		NewPromptStep(deps.Parser),
		NewInputStep(deps.Validator, deps.MaxPages),
		NewControlStep(),
		NewCollectStep(deps.Discovery),
		NewDetailStep(deps.Discovery),
		NewAnalyzeStep(deps.CEL, deps.Expr, deps.Scorer),
	}
	for _, s := range all {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
