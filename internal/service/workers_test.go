package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/config"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/agent"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/worker"
)

func testWorkerConfig() config.Worker {
	return config.Worker{
		PollTimeout:   50 * time.Millisecond,
		LeaseTTL:      time.Minute,
		SweepInterval: time.Minute,
		MaxReassigns:  3,
	}
}

// newTestWorkerService wires a worker pool over a task service and a
// registry carrying the worker-executor agents "coder" and "reviewer".
func newTestWorkerService(cfg config.Worker) (*WorkerService, *TaskService) {
	tasks, _, _ := newTestTaskService(cfg.MaxReassigns)
	reg := NewRegistry(tasks, &mockBus{}, 4)
	reg.Register(agent.Identity{Name: "coder", Executor: agent.ExecutorWorker}, nil, nil)
	reg.Register(agent.Identity{Name: "reviewer", Executor: agent.ExecutorWorker}, nil, nil)
	reg.Register(localAgent("echo"), nil, replyWith("ok"))

	ws := NewWorkerService(cfg, tasks, reg, nil, nil)
	tasks.SetOnPending(ws.Wake)
	return ws, tasks
}

func register(t *testing.T, ws *WorkerService, id string) *worker.RegisterResponse {
	t.Helper()
	resp, err := ws.Register(context.Background(), worker.RegisterRequest{WorkerID: id, SessionID: "s-" + id})
	if err != nil {
		t.Fatalf("Register %s: %v", id, err)
	}
	return resp
}

func TestWorkerRegisterAndPoll(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()

	reg := register(t, ws, "w1")
	if reg.Token == "" {
		t.Fatal("expected a registration token")
	}
	if reg.LeaseTTLSeconds != 60 {
		t.Fatalf("got lease ttl %d, want 60", reg.LeaseTTLSeconds)
	}

	tk, _ := tasks.Create(ctx, "coder", userMsg("build it"))

	resp, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.Task == nil || resp.Task.ID != tk.ID {
		t.Fatalf("poll returned %+v, want task %s", resp.Task, tk.ID)
	}
	if resp.Task.Status != task.StatusRunning {
		t.Fatalf("claimed task status %s, want running", resp.Task.Status)
	}

	leases := ws.ListWorkers()
	if len(leases) != 1 || leases[0].TaskID != tk.ID {
		t.Fatalf("lease not bound to task: %+v", leases)
	}
}

func TestWorkerRegisterRequiresSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := testWorkerConfig()
	cfg.SecretHash = string(hash)
	ws, _ := newTestWorkerService(cfg)
	ctx := context.Background()

	_, err = ws.Register(ctx, worker.RegisterRequest{WorkerID: "w1", Secret: "wrong"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad secret, got %v", err)
	}

	if _, err := ws.Register(ctx, worker.RegisterRequest{WorkerID: "w1", Secret: "hunter2"}); err != nil {
		t.Fatalf("Register with correct secret: %v", err)
	}
}

func TestWorkerRegisterRequiresID(t *testing.T) {
	ws, _ := newTestWorkerService(testWorkerConfig())

	_, err := ws.Register(context.Background(), worker.RegisterRequest{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestWorkerPollAuth(t *testing.T) {
	ws, _ := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()

	if _, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "ghost", Token: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unregistered worker, got %v", err)
	}

	register(t, ws, "w1")
	if _, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: "bogus"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad token, got %v", err)
	}
}

func TestWorkerPollEmptyTimesOut(t *testing.T) {
	ws, _ := newTestWorkerService(testWorkerConfig())
	reg := register(t, ws, "w1")

	start := time.Now()
	resp, err := ws.Poll(context.Background(), worker.PollRequest{WorkerID: "w1", Token: reg.Token})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.Task != nil {
		t.Fatalf("expected empty poll, got task %s", resp.Task.ID)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("poll returned after %v, want ~50ms long-poll", elapsed)
	}
}

func TestWorkerPollWakesOnNewTask(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.PollTimeout = 5 * time.Second
	ws, tasks := newTestWorkerService(cfg)
	reg := register(t, ws, "w1")
	ctx := context.Background()

	type result struct {
		resp *worker.PollResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})
		done <- result{resp, err}
	}()

	time.Sleep(30 * time.Millisecond)
	tk, _ := tasks.Create(ctx, "coder", userMsg("wake up"))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Poll: %v", r.err)
		}
		if r.resp.Task == nil || r.resp.Task.ID != tk.ID {
			t.Fatalf("poll returned %+v, want task %s", r.resp.Task, tk.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake on task creation")
	}
}

func TestWorkerPollHonorsFilter(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()
	reg := register(t, ws, "w1")

	tasks.Create(ctx, "coder", userMsg("code"))
	review, _ := tasks.Create(ctx, "reviewer", userMsg("review"))

	resp, err := ws.Poll(ctx, worker.PollRequest{
		WorkerID: "w1", Token: reg.Token,
		Filter: worker.Filter{Agent: "reviewer"},
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.Task == nil || resp.Task.ID != review.ID {
		t.Fatalf("filtered poll returned %+v, want %s", resp.Task, review.ID)
	}
}

func TestWorkerPollSkipsLocalAgentTasks(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()
	reg := register(t, ws, "w1")

	// Tasks for in-process agents are not claimable by workers.
	tasks.Create(ctx, "echo", userMsg("local work"))

	resp, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if resp.Task != nil {
		t.Fatalf("worker claimed a local agent task: %s", resp.Task.ID)
	}
}

func TestWorkerPollWhileHoldingTask(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()
	reg := register(t, ws, "w1")

	held, _ := tasks.Create(ctx, "coder", userMsg("one"))
	tasks.Create(ctx, "coder", userMsg("two"))

	first, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})
	if err != nil || first.Task == nil || first.Task.ID != held.ID {
		t.Fatalf("first poll: %+v, %v", first, err)
	}

	// The second task stays pending until the worker finishes the first.
	second, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if second.Task != nil {
		t.Fatalf("worker claimed a second task while holding %s", held.ID)
	}
}

func TestConcurrentPollsBindAtMostOneTask(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.PollTimeout = 2 * time.Second
	ws, tasks := newTestWorkerService(cfg)
	ctx := context.Background()
	reg := register(t, ws, "w1")

	type result struct {
		resp *worker.PollResponse
		err  error
	}
	done := make(chan result, 2)
	for range 2 {
		go func() {
			resp, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})
			done <- result{resp, err}
		}()
	}

	// Let both polls park before work arrives, then give them a task each
	// to race over.
	time.Sleep(30 * time.Millisecond)
	first, _ := tasks.Create(ctx, "coder", userMsg("one"))
	second, _ := tasks.Create(ctx, "coder", userMsg("two"))

	var claimed []*task.Task
	for range 2 {
		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("Poll: %v", r.err)
			}
			if r.resp.Task != nil {
				claimed = append(claimed, r.resp.Task)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("poll did not return")
		}
	}

	if len(claimed) != 1 {
		t.Fatalf("worker bound %d tasks, want 1", len(claimed))
	}
	leases := ws.ListWorkers()
	if len(leases) != 1 || leases[0].TaskID != claimed[0].ID {
		t.Fatalf("lease tracks %q, want %s", leases[0].TaskID, claimed[0].ID)
	}

	// The losing claim went back to the pool, not into limbo as an
	// untracked running task.
	other := first
	if claimed[0].ID == first.ID {
		other = second
	}
	got, err := tasks.Get(ctx, other.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("unbound task is %s, want pending", got.Status)
	}
}

func TestWorkerHeartbeatReportsInterrupt(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()
	reg := register(t, ws, "w1")

	tk, _ := tasks.Create(ctx, "coder", userMsg("long job"))
	if resp, _ := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token}); resp.Task == nil {
		t.Fatal("claim failed")
	}

	hb, err := ws.Heartbeat(ctx, worker.HeartbeatRequest{WorkerID: "w1", Token: reg.Token})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hb.Interrupt {
		t.Fatal("interrupt flagged before cancellation")
	}

	if _, err := tasks.Cancel(ctx, tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	hb, err = ws.Heartbeat(ctx, worker.HeartbeatRequest{WorkerID: "w1", Token: reg.Token})
	if err != nil {
		t.Fatalf("Heartbeat after cancel: %v", err)
	}
	if !hb.Interrupt {
		t.Fatal("interrupt not flagged after cancellation")
	}

	got, err := ws.Interrupt(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if !got {
		t.Fatal("interrupt endpoint did not report cancellation")
	}
}

func TestWorkerSubmitLifecycle(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()
	reg := register(t, ws, "w1")

	tk, _ := tasks.Create(ctx, "coder", userMsg("job"))
	if resp, _ := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token}); resp.Task == nil {
		t.Fatal("claim failed")
	}

	ev, err := ws.SubmitEvent(ctx, tk.ID, worker.EventSubmission{
		WorkerID: "w1", Token: reg.Token,
		Type: event.TypeOutput, Payload: []byte(`{"chunk":"compiling"}`),
	})
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if ev.Seq != 3 {
		t.Fatalf("got seq %d, want 3", ev.Seq)
	}

	done, err := ws.Complete(ctx, tk.ID, worker.CompleteRequest{
		WorkerID: "w1", Token: reg.Token,
		Message: tk.Input.Reply(message.TextPart("built")),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != task.StatusCompleted {
		t.Fatalf("got status %s, want completed", done.Status)
	}
	if done.Result == nil || done.Result.JoinedText() != "built" {
		t.Fatalf("result not recorded: %+v", done.Result)
	}

	leases := ws.ListWorkers()
	if len(leases) != 1 || leases[0].TaskID != "" {
		t.Fatalf("lease not released after complete: %+v", leases)
	}
}

func TestWorkerSubmitToUnleasedTaskConflicts(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()
	reg := register(t, ws, "w1")

	tk, _ := tasks.Create(ctx, "coder", userMsg("job"))

	// No claim: the worker holds no lease on the task.
	_, err := ws.SubmitEvent(ctx, tk.ID, worker.EventSubmission{
		WorkerID: "w1", Token: reg.Token,
		Type: event.TypeOutput, Payload: []byte(`{}`),
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := ws.Complete(ctx, tk.ID, worker.CompleteRequest{WorkerID: "w1", Token: reg.Token}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on complete, got %v", err)
	}
}

func TestWorkerErrorFailsTask(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()
	reg := register(t, ws, "w1")

	tk, _ := tasks.Create(ctx, "coder", userMsg("doomed"))
	ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})

	got, err := ws.Error(ctx, tk.ID, worker.ErrorRequest{
		WorkerID: "w1", Token: reg.Token,
		Code: "oom", Message: "out of memory",
	})
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if got.Status != task.StatusFailed || got.Error == nil || got.Error.Code != "oom" {
		t.Fatalf("unexpected failure record: %+v", got)
	}
}

func TestWorkerCompleteAfterCancelReleasesLease(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()
	reg := register(t, ws, "w1")

	tk, _ := tasks.Create(ctx, "coder", userMsg("job"))
	ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})
	tasks.Cancel(ctx, tk.ID)

	_, err := ws.Complete(ctx, tk.ID, worker.CompleteRequest{WorkerID: "w1", Token: reg.Token})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Cancelled status sticks and the worker is free to claim again.
	got, _ := tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
	leases := ws.ListWorkers()
	if len(leases) != 1 || leases[0].TaskID != "" {
		t.Fatalf("lease still bound after losing the race: %+v", leases)
	}
}

func TestLeaseExpiryRevertsTask(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.LeaseTTL = 20 * time.Millisecond
	ws, tasks := newTestWorkerService(cfg)
	ctx := context.Background()

	r1 := register(t, ws, "w1")
	tk, _ := tasks.Create(ctx, "coder", userMsg("job"))
	if resp, _ := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: r1.Token}); resp.Task == nil {
		t.Fatal("claim failed")
	}

	time.Sleep(30 * time.Millisecond)
	ws.sweepLeases(ctx)

	got, _ := tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("got status %s, want pending after lease expiry", got.Status)
	}
	if got.Reassigns != 1 {
		t.Fatalf("got reassigns %d, want 1", got.Reassigns)
	}

	// The stale worker must register again.
	if _, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: r1.Token}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for swept lease, got %v", err)
	}

	// A fresh worker picks the task up.
	r2 := register(t, ws, "w2")
	resp, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w2", Token: r2.Token})
	if err != nil {
		t.Fatalf("Poll w2: %v", err)
	}
	if resp.Task == nil || resp.Task.ID != tk.ID {
		t.Fatalf("w2 poll returned %+v, want reverted task %s", resp.Task, tk.ID)
	}

	done, err := ws.Complete(ctx, tk.ID, worker.CompleteRequest{WorkerID: "w2", Token: r2.Token})
	if err != nil {
		t.Fatalf("Complete by w2: %v", err)
	}
	if done.Status != task.StatusCompleted {
		t.Fatalf("got status %s, want completed", done.Status)
	}
}

func TestReRegisterRevertsHeldTask(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()

	r1 := register(t, ws, "w1")
	tk, _ := tasks.Create(ctx, "coder", userMsg("job"))
	if resp, _ := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: r1.Token}); resp.Task == nil {
		t.Fatal("claim failed")
	}

	// Worker restarts and registers again.
	r2 := register(t, ws, "w1")
	if r2.Token == r1.Token {
		t.Fatal("re-registration kept the old token")
	}

	got, _ := tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("got status %s, want pending after re-register", got.Status)
	}

	// The old token is dead; the new one polls.
	if _, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: r1.Token}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for stale token, got %v", err)
	}
	resp, err := ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: r2.Token})
	if err != nil || resp.Task == nil || resp.Task.ID != tk.ID {
		t.Fatalf("re-registered worker poll: %+v, %v", resp, err)
	}
}

func TestSweepIgnoresFreshLeases(t *testing.T) {
	ws, tasks := newTestWorkerService(testWorkerConfig())
	ctx := context.Background()

	reg := register(t, ws, "w1")
	tk, _ := tasks.Create(ctx, "coder", userMsg("job"))
	ws.Poll(ctx, worker.PollRequest{WorkerID: "w1", Token: reg.Token})

	ws.sweepLeases(ctx)

	got, _ := tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusRunning {
		t.Fatalf("fresh lease swept: task is %s", got.Status)
	}
	if len(ws.ListWorkers()) != 1 {
		t.Fatal("fresh lease removed")
	}
}
