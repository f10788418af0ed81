package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	a2aotel "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/otel"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/agent"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/broker"
)

// Handler executes one routed message in-process and returns the reply.
// t is nil when the message arrived through direct agent-to-agent delivery
// rather than through a task.
type Handler func(ctx context.Context, t *task.Task, msg *message.Message) (*message.Message, error)

// MatchFunc reports whether a registration wants to handle msg. Evaluated
// in registration order; the first match wins.
type MatchFunc func(msg *message.Message) bool

type registration struct {
	identity agent.Identity
	match    MatchFunc
	handler  Handler
}

// table is an immutable routing snapshot. Register swaps in a fresh copy,
// so Resolve never observes a half-built table.
type table struct {
	byName   map[string]*registration
	order    []*registration
	fallback *registration
}

func (t *table) clone() *table {
	next := &table{
		byName:   make(map[string]*registration, len(t.byName)+1),
		order:    make([]*registration, len(t.order)),
		fallback: t.fallback,
	}
	for name, reg := range t.byName {
		next.byName[name] = reg
	}
	copy(next.order, t.order)
	return next
}

// Registry is the agent table and message router. Registrations are
// copy-on-write; routing reads an immutable snapshot and holds no lock
// while a handler runs. Handler executions across all agents share a
// weighted semaphore.
type Registry struct {
	mu    sync.RWMutex
	tab   *table
	tasks *TaskService
	bus   broker.Broker
	sem   *semaphore.Weighted

	detachMu sync.Mutex
	detach   []func()
}

// NewRegistry creates an empty registry. maxConcurrent bounds simultaneous
// handler executions.
func NewRegistry(tasks *TaskService, bus broker.Broker, maxConcurrent int64) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Registry{
		tab:   &table{byName: make(map[string]*registration)},
		tasks: tasks,
		bus:   bus,
		sem:   semaphore.NewWeighted(maxConcurrent),
	}
}

func (r *Registry) snapshot() *table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tab
}

// Register adds an agent. Local agents carry a handler and, optionally, a
// match predicate placing them on the content-routing list. Worker-executor
// agents are reachable only by explicit target and pass nil for both.
func (r *Registry) Register(id agent.Identity, match MatchFunc, h Handler) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if id.Executor == agent.ExecutorLocal && h == nil {
		return fmt.Errorf("%w: local agent %s needs a handler", domain.ErrValidation, id.Name)
	}
	if id.Executor == agent.ExecutorWorker && h != nil {
		return fmt.Errorf("%w: worker agent %s cannot carry a handler", domain.ErrValidation, id.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tab.byName[id.Name]; exists {
		return fmt.Errorf("%w: agent %s already registered", domain.ErrConflict, id.Name)
	}
	reg := &registration{identity: id, match: match, handler: h}
	next := r.tab.clone()
	next.byName[id.Name] = reg
	if match != nil {
		next.order = append(next.order, reg)
	}
	r.tab = next
	return nil
}

// SetFallback names the agent that receives messages no predicate claimed.
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.tab.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAgent, name)
	}
	next := r.tab.clone()
	next.fallback = reg
	r.tab = next
	return nil
}

// Resolve picks the agent for msg: an explicit target_agent wins, then the
// ordered predicate list, then the fallback. An unknown explicit target is
// a routing error.
func (r *Registry) Resolve(msg *message.Message) (agent.Identity, error) {
	tab := r.snapshot()
	if target := msg.TargetAgent(); target != "" {
		reg, ok := tab.byName[target]
		if !ok {
			return agent.Identity{}, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, target)
		}
		return reg.identity, nil
	}
	for _, reg := range tab.order {
		if reg.match(msg) {
			return reg.identity, nil
		}
	}
	if tab.fallback != nil {
		return tab.fallback.identity, nil
	}
	return agent.Identity{}, fmt.Errorf("%w: no route for message", domain.ErrUnknownAgent)
}

// Get returns a registered identity by name.
func (r *Registry) Get(name string) (agent.Identity, bool) {
	reg, ok := r.snapshot().byName[name]
	if !ok {
		return agent.Identity{}, false
	}
	return reg.identity, true
}

// List returns all identities in registration order, content-routed agents
// first.
func (r *Registry) List() []agent.Identity {
	tab := r.snapshot()
	out := make([]agent.Identity, 0, len(tab.byName))
	seen := make(map[string]bool, len(tab.byName))
	for _, reg := range tab.order {
		out = append(out, reg.identity)
		seen[reg.identity.Name] = true
	}
	for _, reg := range tab.byName {
		if !seen[reg.identity.Name] {
			out = append(out, reg.identity)
		}
	}
	return out
}

// Run executes t's input through its agent handler and records the outcome
// on the task. It blocks for a semaphore slot, so message/send callers get
// backpressure instead of unbounded goroutines. Worker-executor tasks never
// reach Run; they stay pending for the poll protocol.
func (r *Registry) Run(ctx context.Context, t *task.Task) {
	reg, ok := r.snapshot().byName[t.AgentName]
	if !ok || reg.handler == nil {
		_, _ = r.tasks.Fail(context.Background(), t.ID, "no_handler",
			fmt.Sprintf("agent %s has no in-process handler", t.AgentName))
		return
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		_, _ = r.tasks.Fail(context.Background(), t.ID, "canceled",
			"gave up waiting for a handler slot: "+err.Error())
		return
	}
	defer r.sem.Release(1)

	running, err := r.tasks.Start(ctx, t.ID)
	if err != nil {
		// Task reached a terminal state (cancel) before a slot opened.
		slog.Debug("skipping handler run", "task_id", t.ID, "agent", t.AgentName, "error", err)
		return
	}

	ctx, span := a2aotel.StartTaskSpan(ctx, t.ID, t.AgentName)
	defer span.End()

	reply, err := r.invoke(ctx, reg, running, running.Input)
	if err != nil {
		_, _ = r.tasks.Fail(context.Background(), t.ID, "handler_error", err.Error())
		return
	}
	if _, err := r.tasks.Complete(context.Background(), t.ID, reply); err != nil {
		slog.Info("discarding handler result", "task_id", t.ID, "error", err)
	}
}

// invoke calls the handler with panic containment. A panicking handler
// fails its own task and never takes down the process. t is nil for direct
// delivery.
func (r *Registry) invoke(ctx context.Context, reg *registration, t *task.Task, msg *message.Message) (reply *message.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			var taskID string
			if t != nil {
				taskID = t.ID
			}
			slog.Error("agent handler panic", "agent", reg.identity.Name, "task_id", taskID, "panic", p)
			reply = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return reg.handler(ctx, t, msg)
}

// AttachInboxes binds every local agent's inbox on the bus so peers can
// address it with Send. A directly delivered message runs the handler
// without task bookkeeping; a non-nil reply is published as an output
// topic event from the receiving agent.
func (r *Registry) AttachInboxes(ctx context.Context) error {
	tab := r.snapshot()
	for _, reg := range tab.byName {
		if reg.handler == nil {
			continue
		}
		detach, err := r.bus.Attach(reg.identity.Name, r.inbox(reg))
		if err != nil {
			r.DetachInboxes()
			return fmt.Errorf("attach inbox for %s: %w", reg.identity.Name, err)
		}
		r.detachMu.Lock()
		r.detach = append(r.detach, detach)
		r.detachMu.Unlock()
	}
	return nil
}

func (r *Registry) inbox(reg *registration) broker.MessageHandler {
	return func(ctx context.Context, msg *message.Message) {
		reply, err := r.invoke(ctx, reg, nil, msg)
		if err != nil {
			slog.Warn("direct message handler failed", "agent", reg.identity.Name, "error", err)
			return
		}
		if reply == nil {
			return
		}
		ev, evErr := event.New(reg.identity.Name, event.TypeOutput, reply)
		if evErr != nil {
			slog.Warn("encoding direct reply failed", "agent", reg.identity.Name, "error", evErr)
			return
		}
		if pubErr := r.bus.Publish(ctx, ev); pubErr != nil {
			slog.Warn("publishing direct reply failed", "agent", reg.identity.Name, "error", pubErr)
		}
	}
}

// DetachInboxes releases every inbox bound by AttachInboxes.
func (r *Registry) DetachInboxes() {
	r.detachMu.Lock()
	defer r.detachMu.Unlock()
	for _, detach := range r.detach {
		detach()
	}
	r.detach = nil
}
