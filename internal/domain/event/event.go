// Package event defines the transient Event carried by the broker and the
// task output stream.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	TypeStatus     Type = "status"
	TypeOutput     Type = "output"
	TypeToolUse    Type = "tool_use"
	TypeFileChange Type = "file_change"
	TypeComplete   Type = "complete"
	TypeError      Type = "error"
)

// Wildcard matches every event type when used in a subscription pattern.
const Wildcard Type = "*"

// StreamType reports whether t is a non-terminal worker stream submission.
func StreamType(t Type) bool {
	switch t {
	case TypeOutput, TypeToolUse, TypeFileChange:
		return true
	}
	return false
}

// Event is a single broker or stream occurrence. Not persisted unless the
// durable mirror is configured.
type Event struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id,omitempty"`
	Source    string          `json:"source"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an event with a fresh id and timestamp, marshaling payload.
func New(source string, typ Type, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	return Event{
		ID:        uuid.New().String(),
		Source:    source,
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}
