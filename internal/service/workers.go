package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"

	a2aotel "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/otel"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/ws"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/config"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/agent"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/worker"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/broadcast"
)

// WorkerService implements the pull side of task execution: workers
// register for a token, long-poll for pending worker-executor tasks, renew
// their lease with heartbeats, stream discrete events, and submit a
// terminal result. Leases live in one RWMutex table; an expired lease is
// the sole fault-recovery signal and reverts its task to pending.
type WorkerService struct {
	cfg     config.Worker
	tasks   *TaskService
	reg     *Registry
	hub     broadcast.Broadcaster
	metrics *a2aotel.Metrics

	mu     sync.RWMutex
	leases map[string]*worker.Lease

	wakeMu sync.Mutex
	wake   chan struct{}
}

// NewWorkerService creates a WorkerService. Wire Wake into the task
// service's pending notifications so long-polls return early.
func NewWorkerService(cfg config.Worker, tasks *TaskService, reg *Registry, hub broadcast.Broadcaster, metrics *a2aotel.Metrics) *WorkerService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &WorkerService{
		cfg:     cfg,
		tasks:   tasks,
		reg:     reg,
		hub:     hub,
		metrics: metrics,
		leases:  make(map[string]*worker.Lease),
		wake:    make(chan struct{}),
	}
}

// Wake releases every blocked poll so it can re-scan for claimable tasks.
// Registered as the task service's on-pending callback.
func (s *WorkerService) Wake(string) {
	s.wakeMu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.wakeMu.Unlock()
}

func (s *WorkerService) wakeSnapshot() <-chan struct{} {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	return s.wake
}

// Register enrolls a worker and returns its polling token. When a secret
// hash is configured the presented secret must match; an empty hash leaves
// registration open. Re-registering replaces the previous lease, reverting
// any task it still held.
func (s *WorkerService) Register(ctx context.Context, req worker.RegisterRequest) (*worker.RegisterResponse, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", domain.ErrValidation)
	}
	if s.cfg.SecretHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.SecretHash), []byte(req.Secret)); err != nil {
			return nil, fmt.Errorf("%w: invalid worker secret", domain.ErrValidation)
		}
	}

	lease := &worker.Lease{
		WorkerID:  req.WorkerID,
		SessionID: req.SessionID,
		Token:     uuid.New().String(),
		LastSeen:  time.Now().UTC(),
	}

	s.mu.Lock()
	prev := s.leases[req.WorkerID]
	s.leases[req.WorkerID] = lease
	s.mu.Unlock()

	if prev != nil && prev.TaskID != "" {
		// The worker restarted mid-task; put the task back in the pool.
		if _, err := s.tasks.Revert(ctx, prev.TaskID); err != nil && !errors.Is(err, domain.ErrConflict) {
			slog.Warn("revert task on re-register", "worker_id", req.WorkerID, "task_id", prev.TaskID, "error", err)
		}
	}

	slog.Info("worker registered", "worker_id", req.WorkerID, "session_id", req.SessionID)
	s.hub.BroadcastEvent(ctx, ws.EventWorkerStatus, ws.WorkerStatusEvent{WorkerID: req.WorkerID, Status: "idle"})
	return &worker.RegisterResponse{
		Token:           lease.Token,
		LeaseTTLSeconds: int(s.cfg.LeaseTTL.Seconds()),
		PollTimeoutSecs: int(s.cfg.PollTimeout.Seconds()),
	}, nil
}

// touch authenticates a worker call and renews its lease, returning a
// snapshot of the lease.
func (s *WorkerService) touch(workerID, token string) (worker.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[workerID]
	if !ok {
		return worker.Lease{}, fmt.Errorf("%w: worker %s", domain.ErrNotFound, workerID)
	}
	if l.Token != token {
		return worker.Lease{}, fmt.Errorf("%w: invalid worker token", domain.ErrValidation)
	}
	l.LastSeen = time.Now().UTC()
	return *l, nil
}

// TouchByToken authenticates a worker by bearer token alone and renews its
// lease. Used by endpoints that carry no worker_id in the request.
func (s *WorkerService) TouchByToken(token string) (worker.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leases {
		if l.Token == token {
			l.LastSeen = time.Now().UTC()
			return *l, nil
		}
	}
	return worker.Lease{}, fmt.Errorf("%w: unknown worker token", domain.ErrValidation)
}

// Poll long-polls for one claimable task, bounded by worker.poll_timeout.
// A response with no task is an empty poll; the worker polls again. A
// worker still holding a task gets no second claim; its poll returns
// immediately, reporting the held task's interrupt flag. Concurrent polls
// from one worker bind at most one task between them.
func (s *WorkerService) Poll(ctx context.Context, req worker.PollRequest) (*worker.PollResponse, error) {
	lease, err := s.touch(req.WorkerID, req.Token)
	if err != nil {
		return nil, err
	}

	if lease.TaskID != "" {
		resp := &worker.PollResponse{}
		if t, err := s.tasks.Get(ctx, lease.TaskID); err == nil {
			resp.Interrupt = t.CancelRequested
		}
		return resp, nil
	}

	match := s.matchFor(req.Filter)
	deadline := time.NewTimer(s.cfg.PollTimeout)
	defer deadline.Stop()

	for {
		if t, ok := s.tasks.Claim(ctx, match); ok {
			if err := s.bind(req.WorkerID, req.Token, t.ID); err != nil {
				// Lease vanished between touch and claim, or a racing poll
				// bound another task first; put this one back.
				if _, rerr := s.tasks.Revert(ctx, t.ID); rerr != nil {
					slog.Warn("revert unbindable claim", "task_id", t.ID, "error", rerr)
				}
				if errors.Is(err, domain.ErrConflict) {
					// The worker got its task through the other poll.
					s.recordPoll(ctx, false)
					return &worker.PollResponse{}, nil
				}
				return nil, err
			}
			s.recordPoll(ctx, true)
			slog.Info("worker claimed task", "worker_id", req.WorkerID, "task_id", t.ID, "agent", t.AgentName)
			s.hub.BroadcastEvent(ctx, ws.EventWorkerStatus, ws.WorkerStatusEvent{
				WorkerID: req.WorkerID, Status: "busy", TaskID: t.ID,
			})
			return &worker.PollResponse{Task: t}, nil
		}

		wake := s.wakeSnapshot()
		select {
		case <-wake:
		case <-deadline.C:
			s.recordPoll(ctx, false)
			return &worker.PollResponse{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// matchFor claims only worker-executor tasks, narrowed by the filter.
func (s *WorkerService) matchFor(f worker.Filter) func(*task.Task) bool {
	return func(t *task.Task) bool {
		id, ok := s.reg.Get(t.AgentName)
		if !ok || id.Executor != agent.ExecutorWorker {
			return false
		}
		if f.Agent != "" && t.AgentName != f.Agent {
			return false
		}
		if f.ContextID != "" && t.ContextID != f.ContextID {
			return false
		}
		return true
	}
}

// bind records the claim on the worker's lease. It refuses when the lease
// vanished or changed tokens, and when a concurrent poll from the same
// worker already bound a different task; the caller must return the
// refused claim to the pool.
func (s *WorkerService) bind(workerID, token, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[workerID]
	if !ok || l.Token != token {
		return fmt.Errorf("%w: worker %s", domain.ErrNotFound, workerID)
	}
	if l.TaskID != "" && l.TaskID != taskID {
		return fmt.Errorf("%w: worker %s already holds task %s", domain.ErrConflict, workerID, l.TaskID)
	}
	l.TaskID = taskID
	l.LastSeen = time.Now().UTC()
	return nil
}

func (s *WorkerService) release(workerID string) {
	s.mu.Lock()
	if l, ok := s.leases[workerID]; ok {
		l.TaskID = ""
	}
	s.mu.Unlock()
}

func (s *WorkerService) recordPoll(ctx context.Context, claimed bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.WorkerPolls.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("claimed", claimed),
	))
}

// Heartbeat renews the lease and reports whether cancellation was requested
// for the worker's current task.
func (s *WorkerService) Heartbeat(ctx context.Context, req worker.HeartbeatRequest) (*worker.HeartbeatResponse, error) {
	lease, err := s.touch(req.WorkerID, req.Token)
	if err != nil {
		return nil, err
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = lease.TaskID
	}

	resp := &worker.HeartbeatResponse{}
	if taskID != "" {
		if t, err := s.tasks.Get(ctx, taskID); err == nil {
			resp.Interrupt = t.CancelRequested
		}
	}
	return resp, nil
}

// Interrupt reports the cancellation flag for a task.
func (s *WorkerService) Interrupt(ctx context.Context, taskID string) (bool, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.CancelRequested, nil
}

// SubmitEvent records one discrete output event against the worker's leased
// task. Submitting to a task the worker does not hold, or to a terminal
// task, is a conflict.
func (s *WorkerService) SubmitEvent(ctx context.Context, taskID string, sub worker.EventSubmission) (event.Event, error) {
	lease, err := s.touch(sub.WorkerID, sub.Token)
	if err != nil {
		return event.Event{}, err
	}
	if lease.TaskID != taskID {
		return event.Event{}, fmt.Errorf("%w: task %s is not leased to worker %s", domain.ErrConflict, taskID, sub.WorkerID)
	}
	return s.tasks.Stream(ctx, taskID, sub.Type, sub.Payload)
}

// Complete records the worker's result and releases its lease. When the
// task already reached a terminal state (a cancellation won the race) the
// lease is released anyway; the worker is done with the task either way.
func (s *WorkerService) Complete(ctx context.Context, taskID string, req worker.CompleteRequest) (*task.Task, error) {
	lease, err := s.touch(req.WorkerID, req.Token)
	if err != nil {
		return nil, err
	}
	if lease.TaskID != taskID {
		return nil, fmt.Errorf("%w: task %s is not leased to worker %s", domain.ErrConflict, taskID, req.WorkerID)
	}
	t, err := s.tasks.Complete(ctx, taskID, req.Message)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.finish(ctx, req.WorkerID)
		}
		return nil, err
	}
	s.finish(ctx, req.WorkerID)
	return t, nil
}

// Error records the worker's failure and releases its lease, with the same
// terminal-race handling as Complete.
func (s *WorkerService) Error(ctx context.Context, taskID string, req worker.ErrorRequest) (*task.Task, error) {
	lease, err := s.touch(req.WorkerID, req.Token)
	if err != nil {
		return nil, err
	}
	if lease.TaskID != taskID {
		return nil, fmt.Errorf("%w: task %s is not leased to worker %s", domain.ErrConflict, taskID, req.WorkerID)
	}
	code := req.Code
	if code == "" {
		code = "worker_error"
	}
	t, err := s.tasks.Fail(ctx, taskID, code, req.Message)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.finish(ctx, req.WorkerID)
		}
		return nil, err
	}
	s.finish(ctx, req.WorkerID)
	return t, nil
}

func (s *WorkerService) finish(ctx context.Context, workerID string) {
	s.release(workerID)
	s.hub.BroadcastEvent(ctx, ws.EventWorkerStatus, ws.WorkerStatusEvent{WorkerID: workerID, Status: "idle"})
}

// ListWorkers returns lease snapshots for the operator surface, most
// recently seen first.
func (s *WorkerService) ListWorkers() []worker.Lease {
	s.mu.RLock()
	out := make([]worker.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, *l)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// StartSweeper launches the lease-expiry loop. The returned stop function
// halts it.
func (s *WorkerService) StartSweeper(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepLeases(ctx)
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

// sweepLeases drops leases unseen for longer than worker.lease_ttl and
// reverts their in-flight tasks. Workers whose lease was dropped must
// register again.
func (s *WorkerService) sweepLeases(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.LeaseTTL)

	s.mu.Lock()
	var expired []worker.Lease
	for id, l := range s.leases {
		if l.LastSeen.Before(cutoff) {
			expired = append(expired, *l)
			delete(s.leases, id)
		}
	}
	s.mu.Unlock()

	for _, l := range expired {
		slog.Warn("worker lease expired", "worker_id", l.WorkerID, "task_id", l.TaskID)
		s.hub.BroadcastEvent(ctx, ws.EventWorkerStatus, ws.WorkerStatusEvent{
			WorkerID: l.WorkerID, Status: "expired", TaskID: l.TaskID,
		})
		if l.TaskID == "" {
			continue
		}
		if _, err := s.tasks.Revert(ctx, l.TaskID); err != nil && !errors.Is(err, domain.ErrConflict) {
			slog.Warn("revert task after lease expiry", "task_id", l.TaskID, "error", err)
		}
	}
}
