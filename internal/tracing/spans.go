package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const controlTracerName = "middleman-control"

func controlTracer() trace.Tracer {
	return Tracer(controlTracerName)
}

// TraceRPCRequest starts a span for an inbound WebSocket RPC.
// Caller must call span.End() when the result is sent.
func TraceRPCRequest(ctx context.Context, action, requestID, subscriberID string) (context.Context, trace.Span) {
	ctx, span := controlTracer().Start(ctx, "rpc."+action,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("rpc.action", action),
		attribute.String("rpc.request_id", requestID),
		attribute.String("subscriber_id", subscriberID),
	)
	return ctx, span
}

// TraceRPCResult records the outcome of an RPC on the span.
func TraceRPCResult(span trace.Span, resultType string, err error) {
	span.SetAttributes(attribute.String("rpc.result_type", resultType))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceRuntimeEvent creates a single span for a frame received from an
// agent runtime process.
func TraceRuntimeEvent(ctx context.Context, eventType, agentID string) {
	_, span := controlTracer().Start(ctx, "runtime.event."+eventType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("agent_id", agentID),
	)
}

// TraceInputDelivery creates a single span for a user input handed to an
// agent's stdin (or queued behind an active turn).
func TraceInputDelivery(ctx context.Context, mode, agentID, channel string) {
	_, span := controlTracer().Start(ctx, "input.deliver."+mode,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("delivery_mode", mode),
		attribute.String("agent_id", agentID),
		attribute.String("channel", channel),
	)
}

// TraceBridgeSend starts a span for an outbound message posted to an
// external channel (Slack, Telegram). Caller must call span.End().
func TraceBridgeSend(ctx context.Context, channel, agentID string) (context.Context, trace.Span) {
	ctx, span := controlTracer().Start(ctx, "bridge.send."+channel,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("bridge.channel", channel),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceBridgeResult records the outcome of a bridge send on the span.
func TraceBridgeResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
