package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for daemon spans.
var (
	AttrConversationID = attribute.Key("msgcode.conversation.id")
	AttrEventRow       = attribute.Key("msgcode.event.rowid")
	AttrLane           = attribute.Key("msgcode.lane")
	AttrJobID          = attribute.Key("msgcode.job.id")
	AttrRunID          = attribute.Key("msgcode.run.id")
	AttrRPCMethod      = attribute.Key("msgcode.rpc.method")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound bridge call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
