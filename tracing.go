package saga

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fortressi/saga"

func defaultTracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(tracerName)
}

func (e *Engine) startSaga(ctx context.Context, s *Saga) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "saga.process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("saga.id", s.ID),
			attribute.String("saga.owner", s.Owner),
		),
	)
}

func (e *Engine) startStep(ctx context.Context, s *Saga, step *Step) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "saga.step."+step.ID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("saga.id", s.ID),
			attribute.String("saga.step.id", step.ID),
			attribute.Int("saga.step.attempt", step.Attempt),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
