// Package task defines the Task domain entity and its lifecycle states.
package task

import (
	"time"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next.
// running -> pending is the lease-expiry revert path.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next == StatusPending || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	}
	return false
}

// ErrorDetail is the structured failure attached to a failed task.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Task is the unit of work created per inbound request or worker trigger.
type Task struct {
	ID              string           `json:"id"`
	ContextID       string           `json:"context_id,omitempty"`
	AgentName       string           `json:"agent"`
	Status          Status           `json:"status"`
	Input           *message.Message `json:"input,omitempty"`
	Result          *message.Message `json:"result,omitempty"`
	Error           *ErrorDetail     `json:"error,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	Reassigns       int              `json:"-"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a shallow copy safe to hand out as a snapshot. Messages and
// error details are treated as immutable and shared.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
