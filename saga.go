package saga

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Saga is the durable aggregate behind one multi-step, resumable operation.
type Saga struct {
	ID        string         `json:"id"`
	Inputs    map[string]any `json:"inputs"`
	Checksum  string         `json:"checksum"`
	Steps     []*Step        `json:"steps"`
	Status    Status         `json:"status"`
	Owner     string         `json:"owner"`
	Direction Direction      `json:"direction"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Revision is owned by repositories and used for compare-and-swap writes.
	Revision int64 `json:"revision"`
}

// SagaOption customizes a Saga built by New.
type SagaOption func(*Saga)

// WithOwner records which component owns the saga.
func WithOwner(owner string) SagaOption {
	return func(s *Saga) {
		s.Owner = owner
	}
}

// WithStatus overrides the initial NOT_STARTED status.
func WithStatus(status Status) SagaOption {
	return func(s *Saga) {
		s.Status = status
	}
}

// NewID returns a random saga ID for callers without a natural one.
func NewID() string {
	return uuid.NewString()
}

// New builds a saga with the given inputs and ordered steps. The inputs
// checksum is computed here, once.
func New(id string, inputs map[string]any, steps []*Step, opts ...SagaOption) (*Saga, error) {
	if id == "" {
		return nil, fmt.Errorf("saga id is required")
	}
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if step.ID == "" {
			return nil, fmt.Errorf("saga %s: step id is required", id)
		}
		if _, exists := seen[step.ID]; exists {
			return nil, fmt.Errorf("saga %s: duplicate step: %s", id, step.ID)
		}
		seen[step.ID] = struct{}{}
	}

	inputs = maps.Clone(inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}
	checksum, err := Checksum(inputs)
	if err != nil {
		return nil, fmt.Errorf("saga %s: %w", id, err)
	}

	now := time.Now().UTC()
	s := &Saga{
		ID:        id,
		Inputs:    inputs,
		Checksum:  checksum,
		Steps:     steps,
		Status:    StatusNotStarted,
		Direction: DirectionForward,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LatestState returns the most recently created state across every step's
// history. If no step has run yet, a fresh state seeded from the inputs is
// returned.
func (s *Saga) LatestState() *State {
	var latest *State
	for _, step := range s.Steps {
		for _, state := range step.States {
			if latest == nil || state.after(latest) {
				latest = state
			}
		}
	}
	if latest != nil {
		return latest
	}
	return NewState(s.Inputs)
}

// Step looks a step up by ID.
func (s *Saga) Step(id string) *Step {
	for _, step := range s.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// NextStep returns the first step that has not succeeded, or nil when every
// step has.
func (s *Saga) NextStep() *Step {
	for _, step := range s.Steps {
		if step.Status() != StatusSucceeded {
			return step
		}
	}
	return nil
}

// Restart prepares a saga that was not left RUNNING to be driven again. Only
// the next unexecuted step is restarted; replaying from an arbitrary step in
// the middle of the saga is not supported.
func (s *Saga) Restart() error {
	if next := s.NextStep(); next != nil && len(next.States) > 0 {
		next.Restart(s.LatestState())
	}
	if err := s.transition(StatusRunning); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// attach re-binds step functions after the saga was loaded from storage.
// Functions are looked up on the submitted saga first, then in registry.
func (s *Saga) attach(submitted *Saga, registry *StepRegistry) error {
	for _, step := range s.Steps {
		if step.fn != nil {
			continue
		}
		if src := submitted.Step(step.ID); src != nil && src.fn != nil {
			step.fn = src.fn
			continue
		}
		if registry != nil {
			if fn, err := registry.Get(step.ID); err == nil {
				step.fn = fn
				continue
			}
		}
		return &MissingStepFuncError{SagaID: s.ID, StepID: step.ID}
	}
	return nil
}
