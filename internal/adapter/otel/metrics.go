package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "a2a"

// Metrics holds all A2A server metric instruments.
type Metrics struct {
	TasksCreated    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksCancelled  metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	RPCRequests     metric.Int64Counter
	RPCLatency      metric.Float64Histogram
	BrokerPublishes metric.Int64Counter
	ToolCalls       metric.Int64Counter
	WorkerPolls     metric.Int64Counter
	StreamClients   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("a2a.tasks.created",
		metric.WithDescription("Number of tasks created"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("a2a.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("a2a.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("a2a.tasks.cancelled",
		metric.WithDescription("Number of tasks cancelled"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("a2a.task.duration_seconds",
		metric.WithDescription("Task duration from creation to terminal state in seconds"))
	if err != nil {
		return nil, err
	}

	m.RPCRequests, err = meter.Int64Counter("a2a.rpc.requests",
		metric.WithDescription("Number of JSON-RPC requests by method"))
	if err != nil {
		return nil, err
	}

	m.RPCLatency, err = meter.Float64Histogram("a2a.rpc.latency_seconds",
		metric.WithDescription("JSON-RPC request latency in seconds"))
	if err != nil {
		return nil, err
	}

	m.BrokerPublishes, err = meter.Int64Counter("a2a.broker.publishes",
		metric.WithDescription("Number of events published on the broker"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("a2a.toolcalls",
		metric.WithDescription("Number of MCP tool calls"))
	if err != nil {
		return nil, err
	}

	m.WorkerPolls, err = meter.Int64Counter("a2a.worker.polls",
		metric.WithDescription("Number of worker poll requests"))
	if err != nil {
		return nil, err
	}

	m.StreamClients, err = meter.Int64UpDownCounter("a2a.stream.clients",
		metric.WithDescription("Number of connected SSE subscribers"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
