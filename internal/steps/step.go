package steps

import (
	"context"
	"encoding/json"

	"github.com/rendis/leadflow/pkg/schema"
)

// Step is one unit of work in a lead run. A step never mutates run state
// directly: the returned envelope alone determines what the executor merges,
// appends and invokes next.
type Step interface {
	Key() string
	Describe() StepInfo
	Invoke(ctx context.Context, payload any) (*schema.Envelope, error)
}

// StepRegistry manages the lookup of available steps by key.
type StepRegistry interface {
	Register(step Step) error
	Get(key string) (Step, error)
	List() []StepInfo
}

// StepInfo describes a registered step for listing.
type StepInfo struct {
	Key         string          `json:"key"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Remote      bool            `json:"remote,omitempty"`
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc struct {
	key  string
	desc string
	fn   func(ctx context.Context, payload any) (*schema.Envelope, error)
}

// NewStepFunc wraps fn as a step registered under key.
func NewStepFunc(key, description string, fn func(ctx context.Context, payload any) (*schema.Envelope, error)) *StepFunc {
	return &StepFunc{key: key, desc: description, fn: fn}
}

func (s *StepFunc) Key() string { return s.key }

func (s *StepFunc) Describe() StepInfo {
	return StepInfo{Key: s.key, Description: s.desc}
}

func (s *StepFunc) Invoke(ctx context.Context, payload any) (*schema.Envelope, error) {
	return s.fn(ctx, payload)
}
