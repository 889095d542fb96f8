package saga

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Engine drives sagas to completion against a Repository.
//
// An Engine holds no per-saga state and may be shared between goroutines.
// Concurrent resumers of the same saga are arbitrated by the repository's
// revision checks.
type Engine struct {
	repo         Repository
	interceptors []Interceptor
	registry     *StepRegistry
	logger       zerolog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	publisher    EventPublisher
	progress     ProgressReporter
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterceptors appends policy hooks, consulted in the order given.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(e *Engine) {
		e.interceptors = append(e.interceptors, interceptors...)
	}
}

// WithStepRegistry sets the registry used to re-attach step functions that
// the submitted saga does not carry.
func WithStepRegistry(registry *StepRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithEventPublisher forwards lifecycle events as they happen.
func WithEventPublisher(publisher EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithProgress sets the reporter handed to step functions.
func WithProgress(progress ProgressReporter) Option {
	return func(e *Engine) {
		e.progress = progress
	}
}

// NewEngine creates an engine persisting to repo.
func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		logger:   zerolog.Nop(),
		tracer:   defaultTracer(),
		progress: ProgressFunc(func(string, string) {}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process runs the saga until it completes or fails with an error that is not
// worth retrying. There is no delay between passes; bound retries with the
// MaxAttempts interceptor.
//
// If ctx is cancelled while a retry is pending, the saga is marked TERMINAL so
// that a later call with the same id resumes it, and the returned result is
// retryable.
func Process[T any](ctx context.Context, e *Engine, s *Saga, fn ResultFunc[T]) Result[T] {
	log := e.logger.With().Str("saga_id", s.ID).Logger()
	log.Info().Msg("Starting saga")

	ctx, span := e.startSaga(ctx, s)
	started := time.Now()
	e.metrics.sagaStarted()

	var (
		result Result[T]
		events []Event
	)
	for pass := 0; ; pass++ {
		if pass > 0 {
			if err := ctx.Err(); err != nil {
				result.Err = e.interrupt(ctx, s.ID, result.Saga, result.Err, err)
				break
			}
			log.Info().Int("pass", pass).Err(result.Err).Msg("Retrying saga")
			e.metrics.sagaRetried()
		}
		result = ProcessOnce(ctx, e, s, fn)
		events = append(events, result.Events...)
		if !result.HasError() || !result.Retryable {
			break
		}
	}
	result.Events = events

	outcome := "succeeded"
	if result.HasError() {
		outcome = "failed"
		log.Error().Err(result.Err).Bool("retryable", result.Retryable).Msg("Saga failed")
	} else {
		log.Info().Msg("Saga completed")
	}
	e.metrics.sagaFinished(outcome, time.Since(started))
	endSpan(span, result.Err)
	return result
}

// interrupt parks a saga whose processing was abandoned because ctx ended.
func (e *Engine) interrupt(ctx context.Context, id string, s *Saga, cause, ctxErr error) error {
	err := fmt.Errorf("saga %s interrupted: %w", id, errors.Join(ctxErr, cause))
	if s == nil || s.Status != StatusRunning {
		return err
	}
	if terr := s.transition(StatusTerminal); terr != nil {
		return errors.Join(err, terr)
	}
	if _, perr := e.repo.Upsert(context.WithoutCancel(ctx), s); perr != nil {
		return errors.Join(err, fmt.Errorf("persist interrupted saga %s: %w", id, perr))
	}
	return err
}

// ProcessOnce makes a single pass over the saga: resolve it against the
// repository, apply every step that is not skipped, then assemble the result
// with fn. A retryable error in the result means another pass may succeed.
func ProcessOnce[T any](ctx context.Context, e *Engine, s *Saga, fn ResultFunc[T]) Result[T] {
	p := &pass{engine: e, saga: s}
	err := p.run(ctx, s)

	result := Result[T]{Saga: p.saga}
	if err != nil {
		result.Err = err
		result.Retryable = IsRetryable(err)
		result.Events = p.events
		return result
	}

	value, err := fn(p.latest)
	if err != nil {
		p.emit(ctx, EventSagaFailed, nil)
		result.Err = &ResultAssemblyError{SagaID: p.saga.ID, Err: err}
		result.Events = p.events
		return result
	}

	if err := p.saga.transition(StatusSucceeded); err != nil {
		result.Err = err
		result.Events = p.events
		return result
	}
	if _, err := e.repo.Upsert(context.WithoutCancel(ctx), p.saga); err != nil {
		result.Err = fmt.Errorf("persist completed saga %s: %w", p.saga.ID, err)
		result.Events = p.events
		return result
	}
	p.emit(ctx, EventSagaCompleted, nil)

	result.Value = value
	result.Events = p.events
	return result
}

// pass is the bookkeeping of one ProcessOnce call.
type pass struct {
	engine *Engine
	saga   *Saga
	latest *State
	events []Event
}

func (p *pass) run(ctx context.Context, submitted *Saga) error {
	s, err := p.engine.resolve(ctx, submitted)
	if s != nil {
		p.saga = s
	}
	if err != nil {
		return err
	}

	p.emit(ctx, EventSagaStarted, nil)
	p.latest = s.LatestState()
	for _, step := range s.Steps {
		if err := p.step(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// resolve loads the stored saga for submitted, or stores submitted if this
// is the first time it is seen.
func (e *Engine) resolve(ctx context.Context, submitted *Saga) (*Saga, error) {
	stored, err := e.repo.Get(ctx, submitted.ID)
	if errors.Is(err, ErrNotFound) {
		if err := submitted.attach(submitted, e.registry); err != nil {
			return nil, err
		}
		if err := submitted.transition(StatusRunning); err != nil {
			return nil, err
		}
		if _, err := e.repo.Upsert(ctx, submitted); err != nil {
			return nil, fmt.Errorf("persist new saga %s: %w", submitted.ID, err)
		}
		return submitted, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load saga %s: %w", submitted.ID, err)
	}

	if stored.Checksum != submitted.Checksum {
		return nil, &ChecksumMismatchError{
			SagaID:   submitted.ID,
			Stored:   stored.Checksum,
			Provided: submitted.Checksum,
		}
	}
	if err := stored.attach(submitted, e.registry); err != nil {
		return nil, err
	}

	switch stored.Status {
	case StatusTerminalFatal:
		return stored, &FatalPolicyError{SagaID: stored.ID, Reason: "saga was already failed permanently"}
	case StatusRunning, StatusSucceeded:
		return stored, nil
	}

	e.logger.Info().
		Str("saga_id", stored.ID).
		Stringer("status", stored.Status).
		Msg("Restarting saga")
	if err := stored.Restart(); err != nil {
		return nil, err
	}
	if _, err := e.repo.Upsert(ctx, stored); err != nil {
		return nil, fmt.Errorf("persist restarted saga %s: %w", stored.ID, err)
	}
	return stored, nil
}

func (p *pass) step(ctx context.Context, step *Step) error {
	e, s := p.engine, p.saga
	log := e.logger.With().
		Str("saga_id", s.ID).
		Str("step_id", step.ID).
		Int("attempt", step.Attempt).
		Logger()

	if e.shouldSkip(step) {
		log.Info().Msg("Skipping step")
		p.emit(ctx, EventStepSkipped, step)
		e.notify(s, step, StepOutcome{Skipped: true})
		return nil
	}

	if vetoed, reason := e.shouldFail(s, step); vetoed {
		log.Error().Str("reason", reason).Msg("Failing saga")
		// A SUCCEEDED saga stays SUCCEEDED; the veto is reported without a write.
		if s.transition(StatusTerminalFatal) == nil {
			if _, err := e.repo.Upsert(ctx, s); err != nil {
				return fmt.Errorf("persist failed saga %s: %w", s.ID, err)
			}
		}
		p.emit(ctx, EventSagaFailed, nil)
		return &FatalPolicyError{SagaID: s.ID, StepID: step.ID, Reason: reason}
	}

	if step.fn == nil {
		return &MissingStepFuncError{SagaID: s.ID, StepID: step.ID}
	}

	log.Info().Msg("Starting step")
	e.metrics.stepStarted(step)
	stepCtx, span := e.startStep(ctx, s, step)
	started := time.Now()

	// Every attempt, retries included, opens its own RUNNING snapshot.
	state := step.LatestState(p.latest).Copy(func(st *State) {
		st.Status = StatusRunning
	})
	step.append(state)

	attempt := step.Attempt
	result, err := e.invoke(stepCtx, s, step, state)
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		stepErr := &StepExecutionError{SagaID: s.ID, StepID: step.ID, Attempt: attempt, Err: err}
		step.Attempt++
		state.Status = StatusTerminal
		state.Error = &StateError{
			Cause:           err.Error(),
			UserMessage:     "Failed applying step",
			OperatorMessage: fmt.Sprintf("step %s of saga %s failed on attempt %d", step.ID, s.ID, attempt),
		}

		var perr error
		if !IsRetryable(stepErr) && s.transition(StatusTerminal) == nil {
			_, perr = e.repo.Upsert(writeCtx, s)
		} else {
			_, perr = e.repo.UpsertStep(writeCtx, s, step)
		}

		log.Warn().Err(err).Bool("retryable", IsRetryable(stepErr)).Msg("Step failed")
		e.metrics.stepFinished(step, "failed", time.Since(started))
		endSpan(span, err)
		p.emit(ctx, EventStepFailed, step)
		e.notify(s, step, StepOutcome{Err: stepErr})
		if perr != nil {
			return fmt.Errorf("persist step %s of saga %s: %w", step.ID, s.ID, errors.Join(perr, stepErr))
		}
		return stepErr
	}

	next, _ := state.Merge(result)
	next.Status = StatusSucceeded
	step.append(next)
	step.Output = map[string]any{}
	if result != nil {
		maps.Copy(step.Output, result.Outputs)
	}

	if _, err := e.repo.UpsertStep(writeCtx, s, step); err != nil {
		endSpan(span, err)
		e.metrics.stepFinished(step, "failed", time.Since(started))
		p.emit(ctx, EventStepFailed, step)
		return fmt.Errorf("persist step %s of saga %s: %w", step.ID, s.ID, err)
	}

	log.Info().Msg("Step completed")
	e.metrics.stepFinished(step, "succeeded", time.Since(started))
	endSpan(span, nil)
	p.latest = next
	p.emit(ctx, EventStepCompleted, step)
	e.notify(s, step, StepOutcome{Result: result})
	return nil
}

// invoke calls the step function, converting a panic into an error.
func (e *Engine) invoke(ctx context.Context, s *Saga, step *Step, state *State) (result *StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return step.fn(ctx, StepContext{
		SagaID:   s.ID,
		StepID:   step.ID,
		Attempt:  step.Attempt,
		State:    state,
		Progress: e.progress,
	})
}

func (e *Engine) shouldSkip(step *Step) bool {
	for _, i := range e.interceptors {
		if i.ShouldSkipStep(step) {
			return true
		}
	}
	return false
}

func (e *Engine) shouldFail(s *Saga, step *Step) (bool, string) {
	for _, i := range e.interceptors {
		if !i.ShouldFailSaga(s, step) {
			continue
		}
		if r, ok := i.(Reasoner); ok {
			return true, r.FailureReason(s, step)
		}
		return true, ""
	}
	return false, ""
}

func (e *Engine) notify(s *Saga, step *Step, outcome StepOutcome) {
	for _, i := range e.interceptors {
		i.AfterProcessingStep(s, step, outcome)
	}
}

func (p *pass) emit(ctx context.Context, typ EventType, step *Step) {
	event := newEvent(typ, p.saga, step)
	p.events = append(p.events, event)
	if p.engine.publisher != nil {
		p.engine.publisher.Publish(ctx, event)
	}
}
