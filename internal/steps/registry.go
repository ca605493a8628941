package steps

import (
	"sort"
	"sync"

	"github.com/rendis/leadflow/pkg/schema"
)

// Registry is the concrete thread-safe StepRegistry implementation.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]Step),
	}
}

// Register adds a step to the registry. Returns error on duplicate key.
func (r *Registry) Register(step Step) error {
	key, err := checkStep(step)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %q already registered", key)
	}

	r.steps[key] = step
	return nil
}

// Replace registers step, overwriting any step with the same key. Used to
// swap a local step for a remote one.
func (r *Registry) Replace(step Step) error {
	key, err := checkStep(step)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[key] = step
	return nil
}

// Get retrieves a step by key.
func (r *Registry) Get(key string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepUnavailable, "step %q not registered", key)
	}
	return step, nil
}

// List returns info for all registered steps, sorted by key.
func (r *Registry) List() []StepInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StepInfo, 0, len(r.steps))
	for _, s := range r.steps {
		infos = append(infos, s.Describe())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos
}

// Has checks if a step is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[key]
	return ok
}

// Count returns the number of registered steps.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

func checkStep(step Step) (string, error) {
	if step == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "step is nil")
	}
	key := step.Key()
	if key == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "step key is empty")
	}
	return key, nil
}

var _ StepRegistry = (*Registry)(nil)
