package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
)

// Store implements taskstore.Store on PostgreSQL. Writes come from the task
// service's write-behind archiver; the in-memory table stays the unit of
// truth, so every write here is safe to retry or drop.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// SaveTask upserts the latest snapshot. The version guard keeps a delayed
// older snapshot from clobbering a newer row.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	input, err := marshalNullable(t.Input != nil, t.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	result, err := marshalNullable(t.Result != nil, t.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	errDetail, err := marshalNullable(t.Error != nil, t.Error)
	if err != nil {
		return fmt.Errorf("marshal error detail: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, context_id, agent, status, input, result, error, cancel_requested, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   status           = EXCLUDED.status,
		   input            = EXCLUDED.input,
		   result           = EXCLUDED.result,
		   error            = EXCLUDED.error,
		   cancel_requested = EXCLUDED.cancel_requested,
		   version          = EXCLUDED.version,
		   updated_at       = EXCLUDED.updated_at
		 WHERE tasks.version <= EXCLUDED.version`,
		t.ID, t.ContextID, t.AgentName, string(t.Status), input, result, errDetail,
		t.CancelRequested, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one archived snapshot.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, context_id, agent, status, input, result, error, cancel_requested, version, created_at, updated_at
		 FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns archived snapshots newest first, optionally filtered by
// status. limit <= 0 means no limit.
func (s *Store) ListTasks(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	q := `SELECT id, context_id, agent, status, input, result, error, cancel_requested, version, created_at, updated_at
	      FROM tasks WHERE ($1 = '' OR status = $1) ORDER BY updated_at DESC`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AppendEvent records one stream event. Replayed writes are absorbed by the
// uniqueness constraints, keeping the archive idempotent.
func (s *Store) AppendEvent(ctx context.Context, ev event.Event) error {
	var payload any
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_events (id, task_id, source, type, payload, seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		ev.ID, ev.TaskID, ev.Source, string(ev.Type), payload, int64(ev.Seq), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

// ListEvents returns a task's events with sequence greater than afterSeq.
func (s *Store) ListEvents(ctx context.Context, taskID string, afterSeq uint64) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, source, type, payload, seq, created_at
		 FROM task_events WHERE task_id = $1 AND seq > $2 ORDER BY seq`,
		taskID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			ev      event.Event
			typ     string
			payload []byte
			seq     int64
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Source, &typ, &payload, &seq, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("list events for %s: %w", taskID, err)
		}
		ev.Type = event.Type(typ)
		ev.Payload = payload
		ev.Seq = uint64(seq)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneBefore removes archived tasks last updated before cutoff; their
// events go with them via the cascade.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTask(row scannable) (*task.Task, error) {
	var (
		t         task.Task
		status    string
		input     []byte
		result    []byte
		errDetail []byte
	)
	if err := row.Scan(&t.ID, &t.ContextID, &t.AgentName, &status, &input, &result,
		&errDetail, &t.CancelRequested, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)

	if len(input) > 0 {
		t.Input = &message.Message{}
		if err := json.Unmarshal(input, t.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(result) > 0 {
		t.Result = &message.Message{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(errDetail) > 0 {
		t.Error = &task.ErrorDetail{}
		if err := json.Unmarshal(errDetail, t.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error detail: %w", err)
		}
	}
	return &t, nil
}

// marshalNullable marshals v when present, mapping absence to SQL NULL.
func marshalNullable(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
