package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventTaskStatus   = "task.status"
	EventTaskOutput   = "task.output"
	EventWorkerStatus = "worker.status"
)

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID    string `json:"task_id"`
	ContextID string `json:"context_id,omitempty"`
	Agent     string `json:"agent"`
	Status    string `json:"status"`
}

// TaskOutputEvent is broadcast when a task produces a stream event.
type TaskOutputEvent struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"type"` // "output", "tool_use" or "file_change"
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkerStatusEvent is broadcast when a worker registers, claims a task or
// loses its lease.
type WorkerStatusEvent struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
	TaskID   string `json:"task_id,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
