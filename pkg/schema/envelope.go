package schema

// Envelope is the uniform response every step returns. The executor applies it
// to central storage: State is merged, Result is appended, then Done, Error and
// Next decide whether the run continues.
type Envelope struct {
	State  map[string]any `json:"state,omitempty"`
	Result any            `json:"result,omitempty"`
	Next   *Next          `json:"next,omitempty"`
	Done   bool           `json:"done"`
	Error  string         `json:"error,omitempty"`
	// Code classifies Error. Empty means STEP_FAILED.
	Code string `json:"code,omitempty"`
}

// Next names the step to run after the current one and the literal or
// symbolic ($state...) arguments to pass it.
type Next struct {
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload,omitempty"`
}

// GoTo builds an envelope that hands control to the step named key.
func GoTo(key string, payload map[string]any) *Envelope {
	return &Envelope{Next: &Next{Key: key, Payload: payload}}
}

// Finish builds a successful terminal envelope.
func Finish(state map[string]any) *Envelope {
	return &Envelope{State: state, Done: true}
}

// Fail builds a terminal envelope carrying an error message.
func Fail(msg string) *Envelope {
	return &Envelope{Done: true, Error: msg}
}

// WithCode sets the error code of a failing envelope and returns it.
func (e *Envelope) WithCode(code string) *Envelope {
	e.Code = code
	return e
}

// WithState sets the partial state to merge and returns the envelope.
func (e *Envelope) WithState(state map[string]any) *Envelope {
	e.State = state
	return e
}

// WithResult sets the result record to append and returns the envelope.
func (e *Envelope) WithResult(result any) *Envelope {
	e.Result = result
	return e
}

// HasNext reports whether the envelope names a usable next step.
func (e *Envelope) HasNext() bool {
	return e != nil && e.Next != nil && e.Next.Key != ""
}
