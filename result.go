package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResultFunc converts the final persisted state into the caller's result.
type ResultFunc[T any] func(state *State) (T, error)

// Result is the outcome of processing a saga: either Value or Err.
type Result[T any] struct {
	Value     T
	Err       error
	Retryable bool
	Events    []Event

	// Saga is the aggregate as last seen by the engine.
	Saga *Saga
}

// HasError reports whether the result carries an error.
func (r Result[T]) HasError() bool {
	return r.Err != nil
}

// EventType identifies a saga lifecycle event.
type EventType string

const (
	EventSagaStarted   EventType = "saga_started"
	EventStepSkipped   EventType = "step_skipped"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventSagaCompleted EventType = "saga_completed"
	EventSagaFailed    EventType = "saga_failed"
)

// Event is emitted for downstream consumers as a saga makes progress.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	SagaID  string    `json:"saga_id"`
	StepID  string    `json:"step_id,omitempty"`
	Attempt int       `json:"attempt"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
}

func newEvent(typ EventType, saga *Saga, step *Step) Event {
	e := Event{
		ID:     uuid.NewString(),
		Type:   typ,
		SagaID: saga.ID,
		Status: saga.Status,
		At:     time.Now().UTC(),
	}
	if step != nil {
		e.StepID = step.ID
		e.Attempt = step.Attempt
		e.Status = step.Status()
	}
	return e
}

// EventPublisher forwards lifecycle events outside the engine.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// EventPublisherFunc adapts an ordinary function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, event Event)

// Publish implements EventPublisher.
func (f EventPublisherFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}
