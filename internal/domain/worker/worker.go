// Package worker defines worker lease records and the wire payloads of the
// worker protocol.
package worker

import (
	"encoding/json"
	"time"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
)

// Lease is a time-bounded claim a worker holds. LastSeen is renewed by
// heartbeats; an expired lease makes the claimed task reassignable.
type Lease struct {
	WorkerID  string    `json:"worker_id"`
	SessionID string    `json:"session_id,omitempty"`
	Token     string    `json:"-"`
	TaskID    string    `json:"task_id,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Filter narrows which pending tasks a poll may claim.
type Filter struct {
	Agent     string `json:"agent,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

// RegisterRequest enrolls a worker and yields a polling token.
type RegisterRequest struct {
	WorkerID  string `json:"worker_id"`
	SessionID string `json:"session_id,omitempty"`
	Secret    string `json:"secret"`
}

// RegisterResponse carries the polling token and protocol timings.
type RegisterResponse struct {
	Token           string `json:"token"`
	LeaseTTLSeconds int    `json:"lease_ttl_seconds"`
	PollTimeoutSecs int    `json:"poll_timeout_seconds"`
}

// PollRequest asks for at most one pending task.
type PollRequest struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
	Filter   Filter `json:"filter,omitempty"`
}

// PollResponse returns the claimed task, if any. Interrupt reports a
// pending cancellation of the task the worker already holds.
type PollResponse struct {
	Task      *task.Task `json:"task,omitempty"`
	Interrupt bool       `json:"interrupt,omitempty"`
}

// HeartbeatRequest renews the lease on a claimed task.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
	TaskID   string `json:"task_id"`
}

// HeartbeatResponse reports whether cancellation was requested for the
// worker's current task.
type HeartbeatResponse struct {
	Interrupt bool `json:"interrupt"`
}

// EventSubmission is one discrete output event from a worker.
type EventSubmission struct {
	WorkerID string          `json:"worker_id"`
	Token    string          `json:"token"`
	Type     event.Type      `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// CompleteRequest is the terminal success submission.
type CompleteRequest struct {
	WorkerID string           `json:"worker_id"`
	Token    string           `json:"token"`
	Message  *message.Message `json:"message,omitempty"`
}

// ErrorRequest is the terminal failure submission.
type ErrorRequest struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}
