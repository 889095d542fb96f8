package saga

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// StepRegistry maps step IDs to step functions.
//
// Step functions are closures and cannot be persisted. When a saga is loaded
// back from a repository its steps carry only their IDs, and the only way to
// recover the behaviour is to look the function up again. Register every step
// used by resumable sagas here (or resubmit the saga with its steps attached)
// so the engine can rebuild the saga on every resume.
type StepRegistry struct {
	fns *xsync.MapOf[string, StepFunc]
}

// NewStepRegistry creates an empty StepRegistry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{
		fns: xsync.NewMapOf[string, StepFunc](),
	}
}

// Register adds a step function under id.
func (r *StepRegistry) Register(id string, fn StepFunc) error {
	if fn == nil {
		return fmt.Errorf("step '%s' has no function", id)
	}
	if _, loaded := r.fns.LoadOrStore(id, fn); loaded {
		return fmt.Errorf("step with id '%s' already registered", id)
	}
	return nil
}

// Get retrieves the function registered under id.
func (r *StepRegistry) Get(id string) (StepFunc, error) {
	fn, ok := r.fns.Load(id)
	if !ok {
		return nil, fmt.Errorf("step '%s' not registered", id)
	}
	return fn, nil
}

// Len returns the number of registered steps.
func (r *StepRegistry) Len() int {
	return r.fns.Size()
}
