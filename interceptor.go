package saga

import "fmt"

// StepOutcome describes what happened to a step during one engine pass.
type StepOutcome struct {
	Skipped bool
	Result  *StepResult
	Err     error
}

// Interceptor is a policy hook consulted around every step.
//
// Interceptors are consulted in registration order and any positive answer
// short-circuits. Implementations must treat the saga and step as read-only.
type Interceptor interface {
	// ShouldSkipStep reports whether the step should be passed over without
	// invoking its function or touching its history.
	ShouldSkipStep(step *Step) bool

	// ShouldFailSaga reports whether the saga should be failed permanently
	// before the step is (re)applied.
	ShouldFailSaga(saga *Saga, step *Step) bool

	// AfterProcessingStep is notified after every step, whether it was
	// skipped, succeeded or failed.
	AfterProcessingStep(saga *Saga, step *Step, outcome StepOutcome)
}

// Reasoner can be implemented by an Interceptor to explain a veto.
type Reasoner interface {
	FailureReason(saga *Saga, step *Step) string
}

// InterceptorFuncs builds an Interceptor from optional functions. Nil fields
// answer false or do nothing.
type InterceptorFuncs struct {
	SkipStep  func(step *Step) bool
	FailSaga  func(saga *Saga, step *Step) bool
	AfterStep func(saga *Saga, step *Step, outcome StepOutcome)
	Reason    string
}

// ShouldSkipStep implements Interceptor.
func (f InterceptorFuncs) ShouldSkipStep(step *Step) bool {
	return f.SkipStep != nil && f.SkipStep(step)
}

// ShouldFailSaga implements Interceptor.
func (f InterceptorFuncs) ShouldFailSaga(saga *Saga, step *Step) bool {
	return f.FailSaga != nil && f.FailSaga(saga, step)
}

// AfterProcessingStep implements Interceptor.
func (f InterceptorFuncs) AfterProcessingStep(saga *Saga, step *Step, outcome StepOutcome) {
	if f.AfterStep != nil {
		f.AfterStep(saga, step, outcome)
	}
}

// FailureReason implements Reasoner.
func (f InterceptorFuncs) FailureReason(_ *Saga, _ *Step) string {
	return f.Reason
}

// SkipCompletedSteps skips any step that already recorded an output, which
// makes resubmitting a finished or half-finished saga idempotent.
func SkipCompletedSteps() Interceptor {
	return InterceptorFuncs{
		SkipStep: func(step *Step) bool {
			return step.Output != nil
		},
	}
}

// maxAttempts fails a saga once one of its steps has failed too many times.
type maxAttempts struct {
	limit int
}

// MaxAttempts returns an interceptor that permanently fails a saga once a
// step has failed limit times. It is the usual retry budget for Process.
func MaxAttempts(limit int) Interceptor {
	return &maxAttempts{limit: limit}
}

func (m *maxAttempts) ShouldSkipStep(_ *Step) bool { return false }

func (m *maxAttempts) ShouldFailSaga(_ *Saga, step *Step) bool {
	return m.limit > 0 && step.Attempt >= m.limit
}

func (m *maxAttempts) AfterProcessingStep(_ *Saga, _ *Step, _ StepOutcome) {}

func (m *maxAttempts) FailureReason(_ *Saga, step *Step) string {
	return fmt.Sprintf("step %s failed after %d attempts", step.ID, step.Attempt)
}
