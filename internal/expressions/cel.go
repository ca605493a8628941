package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/rendis/leadflow/pkg/schema"
)

// Default CEL variables. All are declared as map(string, dyn).
const (
	VarPlace       = "place"
	VarConstraints = "constraints"
	VarState       = "state"
)

// CELEngine evaluates the hard-constraint programs run by the analyze step.
// Variables are declared as map(string, dyn) and compiled programs are cached.
type CELEngine struct {
	env      *cel.Env
	vars     []string
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine exposing the given top-level variables.
// With no arguments it declares place, constraints and state.
func NewCELEngine(vars ...string) (*CELEngine, error) {
	if len(vars) == 0 {
		vars = []string{VarPlace, VarConstraints, VarState}
	}
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(vars)+1)
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, mapType))
	}
	opts = append(opts, ext.Strings())

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, vars: vars, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs a CEL program. Declared variables missing from data are bound
// to empty maps so field access yields a no-such-key error, not a nil panic.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(e.vars))
	for _, key := range e.vars {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// Compile checks that expression compiles without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, e.compile)
	return err
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
