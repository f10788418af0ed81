package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "a2a"

// StartRPCSpan starts a span for a JSON-RPC method dispatch.
func StartRPCSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "rpc",
		trace.WithAttributes(
			attribute.String("rpc.method", method),
		),
	)
}

// StartTaskSpan starts a span for a task execution.
func StartTaskSpan(ctx context.Context, taskID, agentName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.name", agentName),
		),
	)
}

// StartToolCallSpan starts a span for an MCP tool call.
func StartToolCallSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.tool", tool),
		),
	)
}
