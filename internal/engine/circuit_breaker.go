package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive step failures before opening the circuit.
	// Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial invocations allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single step key.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry manages per-step circuit breakers. Failures are
// shared across runs, so a collaborator that keeps failing makes new runs
// fail fast instead of waiting out the step timeout each time.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

func (r *CircuitBreakerRegistry) enabled() bool {
	return r != nil && r.config.FailureThreshold > 0
}

// AllowRequest checks whether the step may be invoked.
// Returns nil if allowed, or a CIRCUIT_OPEN FlowError.
func (r *CircuitBreakerRegistry) AllowRequest(stepKey string) error {
	if !r.enabled() {
		return nil
	}
	cb := r.getOrCreate(stepKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open: %d consecutive failures", cb.consecutiveFailures).
			WithStep(stepKey).
			WithDetails(map[string]any{
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewError(schema.ErrCodeCircuitOpen, "circuit breaker half-open: trial limit reached").
				WithStep(stepKey)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess records a successful invocation of the step.
func (r *CircuitBreakerRegistry) RecordSuccess(stepKey string) {
	if !r.enabled() {
		return
	}
	cb := r.getOrCreate(stepKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed invocation of the step.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(stepKey string) CircuitState {
	if !r.enabled() {
		return CircuitClosed
	}
	cb := r.getOrCreate(stepKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for a step.
func (r *CircuitBreakerRegistry) GetState(stepKey string) CircuitState {
	if !r.enabled() {
		return CircuitClosed
	}
	cb := r.getOrCreate(stepKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a step's circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(stepKey string) map[string]any {
	if !r.enabled() {
		return map[string]any{"step": stepKey, "state": CircuitClosed.String(), "enabled": false}
	}
	state := r.GetState(stepKey)
	cb := r.getOrCreate(stepKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"step":                 stepKey,
		"state":                state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

// Keys returns the step keys that have a breaker, sorted.
func (r *CircuitBreakerRegistry) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *CircuitBreakerRegistry) getOrCreate(stepKey string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[stepKey]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[stepKey] = cb
	}
	return cb
}
