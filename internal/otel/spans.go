package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for fabric spans.
var (
	AttrTenantID    = attribute.Key("turnfabric.tenant.id")
	AttrSessionKey  = attribute.Key("turnfabric.session.key")
	AttrTurnID      = attribute.Key("turnfabric.turn.id")
	AttrTurnGroupID = attribute.Key("turnfabric.turn.group_id")
	AttrChannel     = attribute.Key("turnfabric.channel")
	AttrStageID     = attribute.Key("turnfabric.stage.id")
	AttrAction      = attribute.Key("turnfabric.supersede.action")
	AttrOperation   = attribute.Key("turnfabric.side_effect.operation")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (reasoning engine).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
