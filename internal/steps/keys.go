package steps

import "github.com/rendis/leadflow/internal/expressions"

// Keys of the built-in lead steps.
const (
	KeyPrompt  = "prompt"
	KeyInput   = "input"
	KeyControl = "control"
	KeyCollect = "collect"
	KeyDetail  = "detail"
	KeyAnalyze = "analyze"
)

// statePayload hands the whole current state to the next step.
func statePayload() map[string]any {
	return map[string]any{"state": expressions.StateRef}
}

// ref builds a symbolic reference to a state path, e.g. ref("leadCount").
func ref(path string) string {
	return expressions.StateRef + "." + path
}
