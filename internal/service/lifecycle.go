package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	a2aotel "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/otel"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/ws"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/config"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/broadcast"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/broker"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/stream"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/taskstore"
)

// TaskService owns the in-memory task table and enforces the lifecycle state
// machine. Mutations are linearized per task through entry locks; the table
// lock guards only the map itself, so operations on different tasks never
// contend. Stream and bus publishes for a task happen under its entry lock,
// which keeps per-task event order identical to transition order.
type TaskService struct {
	cfg          config.Tasks
	maxReassigns int

	mu      sync.RWMutex
	entries map[string]*taskEntry

	streams stream.Streams
	bus     broker.Broker
	hub     broadcast.Broadcaster
	archive taskstore.Store // nil when no archive is configured
	metrics *a2aotel.Metrics

	onPending func(agentName string)

	archiveCh chan archiveWrite
}

// taskEntry pairs a task with its lock and terminal-wait channel.
type taskEntry struct {
	mu   sync.Mutex
	t    *task.Task
	done chan struct{} // closed exactly once, on the first terminal transition
}

// statusPayload is the JSON body of lifecycle stream events.
type statusPayload struct {
	Status  task.Status       `json:"status"`
	Message *message.Message  `json:"message,omitempty"`
	Error   *task.ErrorDetail `json:"error,omitempty"`
}

type archiveWrite struct {
	snap *task.Task
	ev   event.Event
}

// NewTaskService creates a TaskService. archive may be nil when no durable
// store is configured; hub may be nil for a no-op broadcaster.
func NewTaskService(
	cfg config.Tasks,
	maxReassigns int,
	streams stream.Streams,
	bus broker.Broker,
	hub broadcast.Broadcaster,
	archive taskstore.Store,
	metrics *a2aotel.Metrics,
) *TaskService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &TaskService{
		cfg:          cfg,
		maxReassigns: maxReassigns,
		entries:      make(map[string]*taskEntry),
		streams:      streams,
		bus:          bus,
		hub:          hub,
		archive:      archive,
		metrics:      metrics,
		archiveCh:    make(chan archiveWrite, 256),
	}
}

// SetOnPending registers a callback invoked whenever a task enters pending
// (creation or lease-expiry revert). Used by the WorkerService to wake
// long-polling workers. Must be set before traffic starts.
func (s *TaskService) SetOnPending(fn func(agentName string)) {
	s.onPending = fn
}

// Create registers a new pending task for the named agent and opens its
// event stream. The input message is bound to the task's id and context.
func (s *TaskService) Create(ctx context.Context, agentName string, input *message.Message) (*task.Task, error) {
	if agentName == "" {
		return nil, fmt.Errorf("%w: agent name is required", domain.ErrValidation)
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if input.MessageID == "" {
		input.MessageID = uuid.New().String()
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:        uuid.New().String(),
		ContextID: input.ContextID,
		AgentName: agentName,
		Status:    task.StatusPending,
		Input:     input,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t.ContextID == "" {
		t.ContextID = uuid.New().String()
	}
	input.TaskID = t.ID
	input.ContextID = t.ContextID

	e := &taskEntry{t: t, done: make(chan struct{})}
	s.mu.Lock()
	s.entries[t.ID] = e
	s.mu.Unlock()

	s.streams.Open(t.ID)

	e.mu.Lock()
	s.emit(ctx, t, event.TypeStatus, statusPayload{Status: task.StatusPending}, false)
	snap := t.Clone()
	e.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksCreated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent.name", agentName),
		))
	}
	slog.Info("task created", "task_id", t.ID, "agent", agentName, "context_id", t.ContextID)

	s.notifyPending(agentName)
	s.broadcastStatus(ctx, snap)
	return snap, nil
}

// Get returns a snapshot of the task, falling back to the archive for tasks
// already swept from memory.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		e.mu.Lock()
		snap := e.t.Clone()
		e.mu.Unlock()
		return snap, nil
	}
	if s.archive != nil {
		t, err := s.archive.GetTask(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("archive lookup: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
}

// List returns in-memory task snapshots, newest first, optionally filtered
// by status. limit <= 0 means no limit.
func (s *TaskService) List(_ context.Context, status task.Status, limit int) []*task.Task {
	s.mu.RLock()
	entries := make([]*taskEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*task.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if status == "" || e.t.Status == status {
			out = append(out, e.t.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the number of tasks currently held in memory.
func (s *TaskService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Start moves a pending task to running for in-process execution.
func (s *TaskService) Start(ctx context.Context, id string) (*task.Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	t := e.t
	if !t.Status.CanTransitionTo(task.StatusRunning) {
		status := t.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot start task %s in status %s", domain.ErrConflict, id, status)
	}
	s.advance(t, task.StatusRunning)
	s.emit(ctx, t, event.TypeStatus, statusPayload{Status: task.StatusRunning}, false)
	snap := t.Clone()
	e.mu.Unlock()

	s.broadcastStatus(ctx, snap)
	return snap, nil
}

// Claim atomically marks the oldest pending task accepted by match as
// running and returns its snapshot. ok is false when nothing matches. match
// runs against a snapshot and must not block.
func (s *TaskService) Claim(ctx context.Context, match func(*task.Task) bool) (*task.Task, bool) {
	s.mu.RLock()
	entries := make([]*taskEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	type candidate struct {
		e       *taskEntry
		created time.Time
	}
	var cands []candidate
	for _, e := range entries {
		e.mu.Lock()
		if e.t.Status == task.StatusPending && match(e.t.Clone()) {
			cands = append(cands, candidate{e: e, created: e.t.CreatedAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].created.Before(cands[j].created) })

	for _, c := range cands {
		c.e.mu.Lock()
		t := c.e.t
		// Re-check: another worker may have claimed it since the scan.
		if t.Status != task.StatusPending || !match(t.Clone()) {
			c.e.mu.Unlock()
			continue
		}
		s.advance(t, task.StatusRunning)
		s.emit(ctx, t, event.TypeStatus, statusPayload{Status: task.StatusRunning}, false)
		snap := t.Clone()
		c.e.mu.Unlock()

		s.broadcastStatus(ctx, snap)
		return snap, true
	}
	return nil, false
}

// Complete records the result and moves the task to completed. A task that
// already reached a terminal state is left untouched (first terminal writer
// wins) and ErrConflict is returned.
func (s *TaskService) Complete(ctx context.Context, id string, result *message.Message) (*task.Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	t := e.t
	if t.Status.Terminal() {
		status := t.Status
		e.mu.Unlock()
		slog.Info("ignoring complete on terminal task", "task_id", id, "status", status)
		return nil, fmt.Errorf("%w: task %s already %s", domain.ErrConflict, id, status)
	}
	if result != nil {
		result.TaskID = t.ID
		result.ContextID = t.ContextID
	}
	t.Result = result
	s.advance(t, task.StatusCompleted)
	s.emit(ctx, t, event.TypeComplete, statusPayload{Status: task.StatusCompleted, Message: result}, true)
	close(e.done)
	snap := t.Clone()
	e.mu.Unlock()

	s.finishMetrics(ctx, snap)
	s.broadcastStatus(ctx, snap)
	slog.Info("task completed", "task_id", id, "agent", snap.AgentName)
	return snap, nil
}

// Fail records a structured error and moves the task to failed. Terminal
// tasks are left untouched and ErrConflict is returned.
func (s *TaskService) Fail(ctx context.Context, id, code, msg string) (*task.Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	t := e.t
	if t.Status.Terminal() {
		status := t.Status
		e.mu.Unlock()
		slog.Info("ignoring fail on terminal task", "task_id", id, "status", status)
		return nil, fmt.Errorf("%w: task %s already %s", domain.ErrConflict, id, status)
	}
	t.Error = &task.ErrorDetail{Code: code, Message: msg}
	s.advance(t, task.StatusFailed)
	s.emit(ctx, t, event.TypeError, statusPayload{Status: task.StatusFailed, Error: t.Error}, true)
	close(e.done)
	snap := t.Clone()
	e.mu.Unlock()

	s.finishMetrics(ctx, snap)
	s.broadcastStatus(ctx, snap)
	slog.Warn("task failed", "task_id", id, "code", code, "error", msg)
	return snap, nil
}

// Cancel requests cooperative cancellation. A pending or running task
// transitions to cancelled immediately; the flag stays readable for workers
// checking the interrupt endpoint. Cancelling an already cancelled task is a
// no-op returning the same snapshot. A task that completed or failed first
// is left untouched and ErrConflict is returned.
func (s *TaskService) Cancel(ctx context.Context, id string) (*task.Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	t := e.t
	if t.Status == task.StatusCancelled {
		snap := t.Clone()
		e.mu.Unlock()
		return snap, nil
	}
	if t.Status.Terminal() {
		status := t.Status
		e.mu.Unlock()
		slog.Info("rejecting cancel on terminal task", "task_id", id, "status", status)
		return nil, fmt.Errorf("%w: task %s already %s", domain.ErrConflict, id, status)
	}
	t.CancelRequested = true
	s.advance(t, task.StatusCancelled)
	s.emit(ctx, t, event.TypeStatus, statusPayload{Status: task.StatusCancelled}, true)
	close(e.done)
	snap := t.Clone()
	e.mu.Unlock()

	s.finishMetrics(ctx, snap)
	s.broadcastStatus(ctx, snap)
	slog.Info("task cancelled", "task_id", id)
	return snap, nil
}

// Revert returns a running task to pending after its lease expired. Once the
// reassignment budget is exhausted the task fails instead.
func (s *TaskService) Revert(ctx context.Context, id string) (*task.Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	t := e.t
	if t.Status != task.StatusRunning {
		status := t.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s is %s, not running", domain.ErrConflict, id, status)
	}
	if t.Reassigns >= s.maxReassigns {
		t.Error = &task.ErrorDetail{
			Code:    "lease_expired",
			Message: fmt.Sprintf("worker lease expired after %d reassignments", t.Reassigns),
		}
		s.advance(t, task.StatusFailed)
		s.emit(ctx, t, event.TypeError, statusPayload{Status: task.StatusFailed, Error: t.Error}, true)
		close(e.done)
		snap := t.Clone()
		e.mu.Unlock()

		s.finishMetrics(ctx, snap)
		s.broadcastStatus(ctx, snap)
		slog.Warn("task failed after lease expiry", "task_id", id, "reassigns", snap.Reassigns)
		return snap, nil
	}
	t.Reassigns++
	s.advance(t, task.StatusPending)
	s.emit(ctx, t, event.TypeStatus, statusPayload{Status: task.StatusPending}, false)
	snap := t.Clone()
	e.mu.Unlock()

	s.notifyPending(snap.AgentName)
	s.broadcastStatus(ctx, snap)
	slog.Info("task reverted to pending", "task_id", id, "reassigns", snap.Reassigns)
	return snap, nil
}

// Stream records one discrete worker event on a non-terminal task. The
// event lands on the task's SSE stream, the bus, and the archive queue,
// stamped with the next per-task sequence, then fans out to the monitor
// hub. A terminal task rejects the submission with ErrConflict.
func (s *TaskService) Stream(ctx context.Context, id string, typ event.Type, payload json.RawMessage) (event.Event, error) {
	if !event.StreamType(typ) {
		return event.Event{}, fmt.Errorf("%w: %q is not a stream event type", domain.ErrValidation, typ)
	}
	e, err := s.entry(id)
	if err != nil {
		return event.Event{}, err
	}
	e.mu.Lock()
	t := e.t
	if t.Status.Terminal() {
		status := t.Status
		e.mu.Unlock()
		return event.Event{}, fmt.Errorf("%w: task %s already %s", domain.ErrConflict, id, status)
	}
	stamped := s.emit(ctx, t, typ, payload, false)
	e.mu.Unlock()

	s.hub.BroadcastEvent(ctx, ws.EventTaskOutput, ws.TaskOutputEvent{
		TaskID:  stamped.TaskID,
		Type:    string(typ),
		Seq:     stamped.Seq,
		Payload: stamped.Payload,
	})
	return stamped, nil
}

// WaitTerminal blocks until the task reaches a terminal state, the wait
// elapses or ctx is done, then returns the current snapshot.
func (s *TaskService) WaitTerminal(ctx context.Context, id string, wait time.Duration) (*task.Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	e.mu.Lock()
	snap := e.t.Clone()
	e.mu.Unlock()
	return snap, nil
}

// StartGC launches the retention sweeper. The returned stop function halts it.
func (s *TaskService) StartGC(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// StartArchiver launches the write-behind loop persisting snapshots and
// events to the archive. No-op when no archive is configured. The returned
// stop function flushes queued writes before halting.
func (s *TaskService) StartArchiver(ctx context.Context) func() {
	if s.archive == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case w := <-s.archiveCh:
				s.persist(w)
			case <-ctx.Done():
				for {
					select {
					case w := <-s.archiveCh:
						s.persist(w)
					default:
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *TaskService) entry(id string) (*taskEntry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return e, nil
}

// advance stamps a transition the caller has already validated. updated_at
// never moves backwards. Caller holds the entry lock.
func (s *TaskService) advance(t *task.Task, next task.Status) {
	now := time.Now().UTC()
	if now.Before(t.UpdatedAt) {
		now = t.UpdatedAt
	}
	t.Status = next
	t.Version++
	t.UpdatedAt = now
}

// emit publishes an event on the task's stream and mirrors it on the bus
// and the archive queue, returning the stamped event. Called with the entry
// lock held so per-task event order matches transition order.
func (s *TaskService) emit(ctx context.Context, t *task.Task, typ event.Type, payload any, final bool) event.Event {
	ev, err := event.New(t.AgentName, typ, payload)
	if err != nil {
		slog.Error("build lifecycle event", "task_id", t.ID, "error", err)
		return event.Event{}
	}
	ev.TaskID = t.ID

	var stamped event.Event
	if final {
		stamped, err = s.streams.CloseStream(t.ID, ev)
	} else {
		stamped, err = s.streams.Publish(t.ID, ev)
	}
	if err != nil {
		// The stream may already be gone; keep the unstamped event for the
		// bus and archive.
		slog.Warn("stream publish failed", "task_id", t.ID, "type", typ, "error", err)
		stamped = ev
	}

	if err := s.bus.Publish(ctx, stamped); err != nil {
		slog.Warn("bus publish failed", "task_id", t.ID, "type", typ, "error", err)
	}
	if s.metrics != nil {
		s.metrics.BrokerPublishes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event.type", string(typ)),
		))
	}
	s.enqueueArchive(t.Clone(), stamped)
	return stamped
}

// enqueueArchive hands a snapshot and its event to the write-behind loop.
// Drops on a full queue; the in-memory table stays the unit of truth.
func (s *TaskService) enqueueArchive(snap *task.Task, ev event.Event) {
	if s.archive == nil {
		return
	}
	select {
	case s.archiveCh <- archiveWrite{snap: snap, ev: ev}:
	default:
		slog.Warn("archive queue full, dropping write", "task_id", snap.ID)
	}
}

func (s *TaskService) persist(w archiveWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archive.SaveTask(ctx, w.snap); err != nil {
		slog.Warn("archive save task", "task_id", w.snap.ID, "error", err)
		return
	}
	if err := s.archive.AppendEvent(ctx, w.ev); err != nil {
		slog.Warn("archive append event", "task_id", w.snap.ID, "error", err)
	}
}

// sweep drops terminal tasks past retention from memory and prunes the
// archive when it carries its own retention.
func (s *TaskService) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)

	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	entries := make([]*taskEntry, 0, len(s.entries))
	for id, e := range s.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var expired []string
	for i, e := range entries {
		e.mu.Lock()
		// Terminal status is write-once, so the check stays valid after the
		// lock is released.
		if e.t.Status.Terminal() && e.t.UpdatedAt.Before(cutoff) {
			expired = append(expired, ids[i])
		}
		e.mu.Unlock()
	}
	if len(expired) > 0 {
		s.mu.Lock()
		for _, id := range expired {
			delete(s.entries, id)
		}
		s.mu.Unlock()
		for _, id := range expired {
			s.streams.Remove(id)
		}
		slog.Info("task gc", "removed", len(expired))
	}

	if s.archive != nil && s.cfg.ArchiveRetention > 0 {
		n, err := s.archive.PruneBefore(ctx, time.Now().UTC().Add(-s.cfg.ArchiveRetention))
		if err != nil {
			slog.Warn("archive prune", "error", err)
		} else if n > 0 {
			slog.Info("archive prune", "removed", n)
		}
	}
}

// finishMetrics records terminal counters and task duration.
func (s *TaskService) finishMetrics(ctx context.Context, t *task.Task) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent.name", t.AgentName))
	switch t.Status {
	case task.StatusCompleted:
		s.metrics.TasksCompleted.Add(ctx, 1, attrs)
	case task.StatusFailed:
		s.metrics.TasksFailed.Add(ctx, 1, attrs)
	case task.StatusCancelled:
		s.metrics.TasksCancelled.Add(ctx, 1, attrs)
	}
	s.metrics.TaskDuration.Record(ctx, t.UpdatedAt.Sub(t.CreatedAt).Seconds(), attrs)
}

func (s *TaskService) broadcastStatus(ctx context.Context, t *task.Task) {
	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:    t.ID,
		ContextID: t.ContextID,
		Agent:     t.AgentName,
		Status:    string(t.Status),
	})
}

func (s *TaskService) notifyPending(agentName string) {
	if s.onPending != nil {
		s.onPending(agentName)
	}
}
