package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for drover spans and metrics.
var (
	AttrGeneration = attribute.Key("drover.generation")
	AttrTaskType   = attribute.Key("drover.task.type")
	AttrAbbrev     = attribute.Key("drover.task.abbrev")
	AttrOutcome    = attribute.Key("drover.run.outcome")
	AttrCommand    = attribute.Key("drover.command")
	AttrSchedule   = attribute.Key("drover.schedule")
)

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
