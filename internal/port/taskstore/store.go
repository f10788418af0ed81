// Package taskstore defines the port interface for the durable task archive.
package taskstore

import (
	"context"
	"time"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
)

// Store persists task snapshots and their event history for replay after the
// in-memory record is gone. All writes are best-effort from the core's point
// of view; the in-memory manager stays the unit of truth.
type Store interface {
	// SaveTask upserts the latest snapshot of a task.
	SaveTask(ctx context.Context, t *task.Task) error

	// GetTask loads a task snapshot by id. Missing id yields domain.ErrNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// ListTasks returns recent snapshots, optionally filtered by status.
	// Ordered by last update, newest first.
	ListTasks(ctx context.Context, status task.Status, limit int) ([]*task.Task, error)

	// AppendEvent records one stream event for a task.
	AppendEvent(ctx context.Context, ev event.Event) error

	// ListEvents returns a task's events with sequence greater than afterSeq,
	// ordered by sequence.
	ListEvents(ctx context.Context, taskID string, afterSeq uint64) ([]event.Event, error)

	// PruneBefore removes archived tasks (and their events) last updated
	// before cutoff. Returns the number of tasks removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
