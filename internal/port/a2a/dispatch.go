package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	a2aotel "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/otel"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/agent"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/stream"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/service"
)

// Dispatcher validates JSON-RPC envelopes and invokes the matching
// operation. It owns no state beyond references to the services it fronts.
type Dispatcher struct {
	tasks    *service.TaskService
	registry *service.Registry
	streams  stream.Streams
	sendWait time.Duration
	metrics  *a2aotel.Metrics
}

// NewDispatcher wires the dispatcher. sendWait bounds how long message/send
// waits on a worker-executor task before answering with the running
// snapshot. metrics may be nil.
func NewDispatcher(tasks *service.TaskService, registry *service.Registry, streams stream.Streams, sendWait time.Duration, metrics *a2aotel.Metrics) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		registry: registry,
		streams:  streams,
		sendWait: sendWait,
		metrics:  metrics,
	}
}

// Dispatch runs one request and builds the response envelope. The returned
// response always carries the request id, success or error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	ctx, span := a2aotel.StartRPCSpan(ctx, req.Method)
	defer span.End()

	start := time.Now()
	result, err := d.call(ctx, req)
	d.recordRPC(ctx, req.Method, time.Since(start), err)

	resp := &Response{JSONRPC: Version, ID: req.ID}
	if err != nil {
		resp.Error = toError(err)
		slog.Info("rpc error", "method", req.Method, "code", resp.Error.Code, "error", resp.Error.Message)
		return resp
	}
	resp.Result = result
	return resp
}

func (d *Dispatcher) call(ctx context.Context, req *Request) (any, error) {
	if req.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("jsonrpc must be %q", Version)}
	}
	switch req.Method {
	case "message/send":
		return d.send(ctx, req.Params)
	case "message/stream":
		return d.stream(ctx, req.Params)
	case "tasks/get":
		return d.get(ctx, req.Params)
	case "tasks/cancel":
		return d.cancel(ctx, req.Params)
	case "tasks/resubscribe":
		return d.resubscribe(ctx, req.Params)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

// send creates a task, routes the message, and waits for the outcome. Local
// handlers run to completion on this goroutine; worker tasks are waited on
// up to sendWait and answered with whatever snapshot that produced.
func (d *Dispatcher) send(ctx context.Context, raw json.RawMessage) (any, error) {
	msg, id, err := d.route(raw)
	if err != nil {
		return nil, err
	}

	t, err := d.tasks.Create(ctx, id.Name, msg)
	if err != nil {
		return nil, err
	}

	if id.Executor == agent.ExecutorLocal {
		d.registry.Run(ctx, t)
	}

	final, err := d.tasks.WaitTerminal(ctx, t.ID, d.sendWait)
	if err != nil {
		return nil, err
	}
	return &SendResult{Message: final.Result, Task: final}, nil
}

// stream creates a task and acknowledges immediately; output flows on the
// task's SSE channel. Local handlers run detached from the request.
func (d *Dispatcher) stream(ctx context.Context, raw json.RawMessage) (any, error) {
	msg, id, err := d.route(raw)
	if err != nil {
		return nil, err
	}

	t, err := d.tasks.Create(ctx, id.Name, msg)
	if err != nil {
		return nil, err
	}

	if id.Executor == agent.ExecutorLocal {
		go d.registry.Run(context.Background(), t)
	}
	return &StreamResult{Task: t, StreamURL: StreamURL(t.ID)}, nil
}

// route decodes message params and resolves the target agent.
func (d *Dispatcher) route(raw json.RawMessage) (*message.Message, agent.Identity, error) {
	var p sendParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, agent.Identity{}, err
	}
	if p.Message == nil {
		return nil, agent.Identity{}, &Error{Code: CodeInvalidParams, Message: "params.message is required"}
	}
	if err := p.Message.Validate(); err != nil {
		return nil, agent.Identity{}, err
	}
	id, err := d.registry.Resolve(p.Message)
	if err != nil {
		return nil, agent.Identity{}, err
	}
	return p.Message, id, nil
}

func (d *Dispatcher) get(ctx context.Context, raw json.RawMessage) (any, error) {
	id, err := decodeTaskID(raw)
	if err != nil {
		return nil, err
	}
	t, err := d.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TaskResult{Task: t}, nil
}

func (d *Dispatcher) cancel(ctx context.Context, raw json.RawMessage) (any, error) {
	id, err := decodeTaskID(raw)
	if err != nil {
		return nil, err
	}
	t, err := d.tasks.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TaskResult{Task: t}, nil
}

func (d *Dispatcher) resubscribe(ctx context.Context, raw json.RawMessage) (any, error) {
	id, err := decodeTaskID(raw)
	if err != nil {
		return nil, err
	}
	t, err := d.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var last uint64
	if n, err := d.streams.LastSeq(id); err == nil {
		last = n
	}
	return &ResubscribeResult{Task: t, StreamURL: StreamURL(id), LastSeq: last}, nil
}

// StreamURL is the SSE path for a task, relative to the server base URL.
func StreamURL(taskID string) string {
	return "/a2a/tasks/" + taskID + "/events"
}

func decodeTaskID(raw json.RawMessage) (string, error) {
	var p taskParams
	if err := unmarshalParams(raw, &p); err != nil {
		return "", err
	}
	if p.TaskID == "" {
		return "", &Error{Code: CodeInvalidParams, Message: "params.task_id is required"}
	}
	return p.TaskID, nil
}

func unmarshalParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "malformed params: " + err.Error()}
	}
	return nil
}

// toError maps service failures onto the wire code taxonomy. Bad references
// and bad input are the caller's problem (-32602); conflicts and everything
// else surface as internal (-32603).
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrUnknownAgent):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}

func (d *Dispatcher) recordRPC(ctx context.Context, method string, elapsed time.Duration, err error) {
	if d.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("rpc.method", method),
		attribute.Bool("rpc.error", err != nil),
	)
	d.metrics.RPCRequests.Add(ctx, 1, attrs)
	d.metrics.RPCLatency.Record(ctx, elapsed.Seconds(), attrs)
}
