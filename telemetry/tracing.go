package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/root-talis/shinka/migration"
)

const tracerName = "github.com/root-talis/shinka"

// Tracer creates spans around migration runs and units.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps tracer; nil uses the global tracer provider.
func NewTracer(tracer trace.Tracer) *Tracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return &Tracer{tracer: tracer}
}

func (t *Tracer) StartRun(ctx context.Context, command, runID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "shinka."+command,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("shinka.command", command),
			attribute.String("shinka.run_id", runID),
		),
	)
}

func (t *Tracer) StartUnit(ctx context.Context, operation string, unit migration.Unit) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "shinka.unit."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("shinka.version", string(unit.Version)),
			attribute.String("shinka.description", unit.Description),
			attribute.Bool("shinka.atomic", unit.Atomic),
		),
	)
}

// End records err on span, if any, and ends it.
func (t *Tracer) End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
