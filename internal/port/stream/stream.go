// Package stream defines the per-task event stream port.
package stream

import (
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
)

// Streams multiplexes per-task event channels with sequence stamping and
// bounded replay. Services publish through this port; transport-level
// subscription stays with the concrete adapter.
type Streams interface {
	// Open creates the stream for a task. Idempotent.
	Open(taskID string)

	// Publish stamps the event with the next sequence number on the task's
	// stream and fans it out. Returns the stamped event.
	Publish(taskID string, ev event.Event) (event.Event, error)

	// CloseStream publishes a final event and ends the stream. The replay
	// buffer survives until Remove so late subscribers can catch the tail.
	CloseStream(taskID string, final event.Event) (event.Event, error)

	// LastSeq reports the highest sequence number assigned on the stream.
	LastSeq(taskID string) (uint64, error)

	// Remove drops the stream and its replay buffer.
	Remove(taskID string)
}
