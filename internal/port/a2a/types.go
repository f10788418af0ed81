// Package a2a serves the agent-to-agent protocol surface: the JSON-RPC
// dispatcher on POST /a2a, the discovery card, and the per-task SSE routes.
package a2a

import (
	"encoding/json"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/agent"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
)

// Version is the only accepted jsonrpc envelope version.
const Version = "2.0"

// Wire error codes. The dispatcher never emits codes outside this set.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Request is the inbound JSON-RPC envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is the outbound JSON-RPC envelope. Exactly one of Result and
// Error is set. ID is never omitted: when the request id could not be
// recovered, as on a parse error, it marshals as an explicit null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

type sendParams struct {
	Message *message.Message `json:"message"`
}

type taskParams struct {
	TaskID string `json:"task_id"`
}

// SendResult answers message/send. Message is absent when a worker task was
// still running at the send-wait bound.
type SendResult struct {
	Message *message.Message `json:"message,omitempty"`
	Task    *task.Task       `json:"task"`
}

// StreamResult acknowledges message/stream before execution starts.
type StreamResult struct {
	Task      *task.Task `json:"task"`
	StreamURL string     `json:"stream_url"`
}

// TaskResult answers tasks/get and tasks/cancel.
type TaskResult struct {
	Task *task.Task `json:"task"`
}

// ResubscribeResult tells a reconnecting client where to re-attach and the
// last sequence already assigned, so it can request replay with ?after=.
type ResubscribeResult struct {
	Task      *task.Task `json:"task"`
	StreamURL string     `json:"stream_url"`
	LastSeq   uint64     `json:"last_seq"`
}

// AgentCard is the discovery document on /.well-known/agent.json.
type AgentCard struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	URL          string           `json:"url"`
	Version      string           `json:"version"`
	Agents       []agent.Identity `json:"agents,omitempty"`
	Skills       []agent.Skill    `json:"skills,omitempty"`
	Capabilities Capabilities     `json:"capabilities"`
	Endpoints    Endpoints        `json:"endpoints"`
}

// Capabilities advertises protocol features.
type Capabilities struct {
	Streaming bool `json:"streaming"`
}

// Endpoints lists the concrete URLs a client needs.
type Endpoints struct {
	RPC    string `json:"rpc"`
	Stream string `json:"stream"` // base; append /{task_id}/events
	MCP    string `json:"mcp,omitempty"`
}
