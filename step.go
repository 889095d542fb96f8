package saga

import (
	"context"
	"time"
)

// StepResult is what a step produced: named outputs merged into the saga's
// persisted store, and diagnostic log lines. It is never persisted on its own.
type StepResult struct {
	Outputs map[string]any
	Logs    []string
}

// NewStepResult creates a StepResult holding the given outputs.
func NewStepResult(outputs map[string]any) *StepResult {
	return &StepResult{Outputs: outputs}
}

// AddLog appends a diagnostic line to the result.
func (r *StepResult) AddLog(line string) *StepResult {
	r.Logs = append(r.Logs, line)
	return r
}

// ProgressReporter receives ambient progress updates from step functions.
// Implementations are supplied by the surrounding operation, never looked up
// globally.
type ProgressReporter interface {
	Report(phase, message string)
}

// ProgressFunc adapts an ordinary function to ProgressReporter.
type ProgressFunc func(phase, message string)

// Report implements ProgressReporter.
func (f ProgressFunc) Report(phase, message string) {
	f(phase, message)
}

// StepContext is handed to a step function on every invocation.
type StepContext struct {
	SagaID   string
	StepID   string
	Attempt  int
	State    *State
	Progress ProgressReporter
}

// StepFunc is the unit of work behind a step. It must tolerate being invoked
// again for the same logical attempt after a crash, since recovery re-enters
// the most recent unfinished step.
type StepFunc func(ctx context.Context, sc StepContext) (*StepResult, error)

// Step is one ordered unit of work in a saga. Its function is not persisted
// and is re-attached by ID whenever the saga is loaded.
type Step struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Attempt   int            `json:"attempt"`
	Output    map[string]any `json:"output"`
	States    []*State       `json:"states"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	fn StepFunc
}

// NewStep creates a step that runs fn.
func NewStep(id, label string, fn StepFunc) *Step {
	now := time.Now().UTC()
	return &Step{
		ID:        id,
		Label:     label,
		States:    []*State{},
		CreatedAt: now,
		UpdatedAt: now,
		fn:        fn,
	}
}

// Func returns the function attached to the step, or nil.
func (s *Step) Func() StepFunc {
	return s.fn
}

// Attach sets the function run by the step.
func (s *Step) Attach(fn StepFunc) {
	s.fn = fn
}

// LatestState returns the most recently created state in the step's history.
// If the step has never been attempted, a fresh state derived from fallback
// is returned so the first attempt starts from the saga's current state.
func (s *Step) LatestState(fallback *State) *State {
	var latest *State
	for _, state := range s.States {
		if latest == nil || state.after(latest) {
			latest = state
		}
	}
	if latest != nil {
		return latest
	}
	next, _ := fallback.Merge(nil)
	return next
}

// Restart bumps the attempt counter and appends a new RUNNING state derived
// from the latest one. Used when a step is picked up after an abnormal exit.
func (s *Step) Restart(fallback *State) {
	s.Attempt++
	s.append(s.LatestState(fallback).Copy(func(st *State) {
		st.Status = StatusRunning
	}))
}

// Status reports the status of the newest state, or NOT_STARTED.
func (s *Step) Status() Status {
	if len(s.States) == 0 {
		return StatusNotStarted
	}
	return s.LatestState(nil).Status
}

func (s *Step) append(state *State) {
	s.States = append(s.States, state)
	s.UpdatedAt = time.Now().UTC()
}
