// Package mcp bridges agent handlers to remote tools over the Model
// Context Protocol. The bridge is an outbound client: it never hosts
// tools, it only discovers and calls them.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	a2aotel "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/otel"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/config"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/cache"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/resilience"
)

// Kind classifies a failed tool invocation.
type Kind string

const (
	// KindTimeout: the call exceeded mcp.call_timeout.
	KindTimeout Kind = "timeout"
	// KindTool: the tool itself reported a business error.
	KindTool Kind = "tool"
	// KindTransport: the MCP connection or protocol failed.
	KindTransport Kind = "transport"
	// KindUnavailable: the circuit is open, the backend is not being called.
	KindUnavailable Kind = "unavailable"
)

// ToolError is the single shape every failed invocation normalizes to.
type ToolError struct {
	Kind    Kind   `json:"kind"`
	Tool    string `json:"tool"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

// Result is a normalized successful invocation: concatenated text content
// plus the structured payload when the tool returned one.
type Result struct {
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Tool describes one remotely advertised tool.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// rpcClient is the slice of the mcp-go client the bridge uses.
type rpcClient interface {
	Initialize(ctx context.Context, req mcpproto.InitializeRequest) (*mcpproto.InitializeResult, error)
	ListTools(ctx context.Context, req mcpproto.ListToolsRequest) (*mcpproto.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error)
	Close() error
}

const toolListKey = "mcp:tools"

// Bridge is the outbound MCP client. Calls are bounded by the configured
// timeout and guarded by a circuit breaker; transport and timeout failures
// count against the circuit, tool-side business errors do not. tools/list
// results are cached with a TTL when a cache is provided.
type Bridge struct {
	cfg     config.MCP
	client  rpcClient
	breaker *resilience.Breaker
	cache   cache.Cache
	metrics *a2aotel.Metrics
}

// New builds a bridge for the configured transport. metrics may be nil.
func New(cfg config.MCP, breaker *resilience.Breaker, ca cache.Cache, metrics *a2aotel.Metrics) (*Bridge, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Bridge{cfg: cfg, client: c, breaker: breaker, cache: ca, metrics: metrics}, nil
}

// NewWithClient builds a bridge around an existing client connection.
func NewWithClient(cfg config.MCP, c rpcClient, breaker *resilience.Breaker, ca cache.Cache, metrics *a2aotel.Metrics) *Bridge {
	return &Bridge{cfg: cfg, client: c, breaker: breaker, cache: ca, metrics: metrics}
}

func newClient(cfg config.MCP) (mcpclient.MCPClient, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported mcp transport: %s", cfg.Transport)
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Start performs the MCP initialize handshake.
func (b *Bridge) Start(ctx context.Context) error {
	req := mcpproto.InitializeRequest{}
	req.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpproto.Implementation{
		Name:    "a2a-server",
		Version: "1.0.0",
	}
	res, err := b.client.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("mcp initialize: %w", err)
	}
	slog.Info("mcp bridge connected",
		"server", res.ServerInfo.Name,
		"version", res.ServerInfo.Version,
		"transport", b.cfg.Transport)
	return nil
}

// CallTool invokes the named tool. Every failure is a *ToolError; callers
// can rely on the shape without inspecting transports.
func (b *Bridge) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	ctx, span := a2aotel.StartToolCallSpan(ctx, name)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	var (
		res     *Result
		toolErr *ToolError
	)
	call := func() error {
		req := mcpproto.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		out, err := b.client.CallTool(ctx, req)
		if err != nil {
			return err
		}
		if out.IsError {
			// The server answered; the tool rejected the input. Not a
			// circuit failure.
			toolErr = &ToolError{Kind: KindTool, Tool: name, Message: textContent(out)}
			return nil
		}
		res = normalize(out)
		return nil
	}

	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(call)
	} else {
		err = call()
	}

	var callErr *ToolError
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		callErr = &ToolError{Kind: KindUnavailable, Tool: name, Message: "tool backend unavailable: circuit open"}
	case errors.Is(err, context.DeadlineExceeded):
		callErr = &ToolError{Kind: KindTimeout, Tool: name, Message: fmt.Sprintf("no response within %s", b.cfg.CallTimeout)}
	case err != nil:
		callErr = &ToolError{Kind: KindTransport, Tool: name, Message: err.Error()}
	case toolErr != nil:
		callErr = toolErr
	}
	b.recordCall(ctx, name, callErr)
	if callErr != nil {
		return nil, callErr
	}
	return res, nil
}

func (b *Bridge) recordCall(ctx context.Context, name string, callErr *ToolError) {
	if b.metrics == nil {
		return
	}
	outcome := "ok"
	if callErr != nil {
		outcome = string(callErr.Kind)
	}
	b.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("outcome", outcome),
	))
}

// ListTools returns the remote tool catalog, served from cache inside the
// configured TTL.
func (b *Bridge) ListTools(ctx context.Context) ([]Tool, error) {
	if b.cache != nil {
		if raw, ok, _ := b.cache.Get(ctx, toolListKey); ok {
			var tools []Tool
			if err := json.Unmarshal(raw, &tools); err == nil {
				return tools, nil
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()
	res, err := b.client.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp tools/list: %w", err)
	}

	tools := make([]Tool, 0, len(res.Tools))
	for i := range res.Tools {
		tools = append(tools, Tool{
			Name:        res.Tools[i].Name,
			Description: res.Tools[i].Description,
		})
	}

	if b.cache != nil && b.cfg.ToolListTTL > 0 {
		if raw, err := json.Marshal(tools); err == nil {
			_ = b.cache.Set(ctx, toolListKey, raw, b.cfg.ToolListTTL)
		}
	}
	return tools, nil
}

// Close releases the client connection.
func (b *Bridge) Close() error {
	return b.client.Close()
}

// normalize flattens a successful CallToolResult into text plus optional
// structured data.
func normalize(out *mcpproto.CallToolResult) *Result {
	res := &Result{Text: textContent(out)}
	if m, ok := out.StructuredContent.(map[string]any); ok {
		res.Data = m
	}
	return res
}

func textContent(out *mcpproto.CallToolResult) string {
	var chunks []string
	for _, c := range out.Content {
		if tc, ok := c.(mcpproto.TextContent); ok {
			chunks = append(chunks, tc.Text)
		}
	}
	return strings.Join(chunks, "\n")
}
