// Package sse implements the task event stream: a per-task multiplexer with
// a bounded replay ring and an HTTP handler emitting text/event-stream.
package sse

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	a2aotel "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/otel"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
)

// Options configure the multiplexer.
type Options struct {
	// ReplayDepth is the number of events retained per task for reconnecting
	// subscribers. 0 disables replay: reconnects see only new events.
	ReplayDepth int
	// QueueSize is the per-subscriber live buffer. A subscriber that falls
	// further behind is closed (it can resubscribe with ?after=seq); events
	// are never reordered or skipped for a connected subscriber.
	QueueSize int
	// HeartbeatInterval spaces the SSE comment heartbeats.
	HeartbeatInterval time.Duration
	// Metrics receives the connected-subscriber gauge. May be nil.
	Metrics *a2aotel.Metrics
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReplayDepth < 0 {
		o.ReplayDepth = 0
	}
}

// Subscriber is an explicit handle on one task stream attachment.
type Subscriber struct {
	ch   chan event.Event
	once sync.Once
	st   *stream
}

// C yields events in submission order. Closed when the stream ends or the
// subscriber is dropped.
func (s *Subscriber) C() <-chan event.Event { return s.ch }

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { s.st.remove(s, true) })
}

type stream struct {
	taskID string

	mu     sync.Mutex
	seq    uint64
	buf    []event.Event
	subs   map[*Subscriber]struct{}
	closed bool
}

// Mux fans per-task events out to attached subscribers, preserving
// submission order per task.
type Mux struct {
	opts Options

	mu      sync.RWMutex
	streams map[string]*stream
}

// New builds a multiplexer.
func New(opts Options) *Mux {
	opts.defaults()
	return &Mux{
		opts:    opts,
		streams: make(map[string]*stream),
	}
}

// Open creates the stream for a task. Idempotent.
func (m *Mux) Open(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[taskID]; !ok {
		m.streams[taskID] = &stream{
			taskID: taskID,
			subs:   make(map[*Subscriber]struct{}),
		}
	}
}

// Publish appends ev to the task's stream, assigns its sequence number, and
// fans it out. Returns the stamped event. Publishing to a closed or unknown
// stream is rejected.
func (m *Mux) Publish(taskID string, ev event.Event) (event.Event, error) {
	st := m.lookup(taskID)
	if st == nil {
		return event.Event{}, fmt.Errorf("%w: stream for task %s", domain.ErrNotFound, taskID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return event.Event{}, fmt.Errorf("%w: stream for task %s is closed", domain.ErrConflict, taskID)
	}
	st.seq++
	ev.TaskID = taskID
	ev.Seq = st.seq
	st.retain(ev, m.opts.ReplayDepth)
	st.fanOut(ev)
	return ev, nil
}

// CloseStream publishes the terminal event, then ends the stream: subscriber
// channels are closed and further publishes are rejected. The replay ring is
// kept until Remove so late resubscribers still see the tail.
func (m *Mux) CloseStream(taskID string, final event.Event) (event.Event, error) {
	st := m.lookup(taskID)
	if st == nil {
		return event.Event{}, fmt.Errorf("%w: stream for task %s", domain.ErrNotFound, taskID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return event.Event{}, fmt.Errorf("%w: stream for task %s is closed", domain.ErrConflict, taskID)
	}
	st.seq++
	final.TaskID = taskID
	final.Seq = st.seq
	st.retain(final, m.opts.ReplayDepth)
	st.fanOut(final)
	st.closed = true
	for sub := range st.subs {
		close(sub.ch)
	}
	st.subs = make(map[*Subscriber]struct{})
	return final, nil
}

// Subscribe attaches to a task's stream. Buffered events with sequence
// greater than afterSeq are replayed first, then live events follow in
// order. Subscribing to an already closed stream yields the replayable tail
// and an immediately closed channel.
func (m *Mux) Subscribe(taskID string, afterSeq uint64) (*Subscriber, error) {
	st := m.lookup(taskID)
	if st == nil {
		return nil, fmt.Errorf("%w: stream for task %s", domain.ErrNotFound, taskID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var replay []event.Event
	for _, ev := range st.buf {
		if ev.Seq > afterSeq {
			replay = append(replay, ev)
		}
	}
	sub := &Subscriber{
		ch: make(chan event.Event, m.opts.QueueSize+len(replay)),
		st: st,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	if st.closed {
		close(sub.ch)
		return sub, nil
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// LastSeq returns the highest sequence number assigned on a task's stream.
func (m *Mux) LastSeq(taskID string) (uint64, error) {
	st := m.lookup(taskID)
	if st == nil {
		return 0, fmt.Errorf("%w: stream for task %s", domain.ErrNotFound, taskID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq, nil
}

// Remove drops a task's stream entirely, closing any remaining subscribers.
// Called by retention GC.
func (m *Mux) Remove(taskID string) {
	m.mu.Lock()
	st := m.streams[taskID]
	delete(m.streams, taskID)
	m.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		for sub := range st.subs {
			close(sub.ch)
		}
		st.subs = make(map[*Subscriber]struct{})
	}
}

// Streams returns the number of live streams.
func (m *Mux) Streams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

func (m *Mux) lookup(taskID string) *stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[taskID]
}

// retain appends ev to the replay ring, evicting the oldest entry past depth.
func (st *stream) retain(ev event.Event, depth int) {
	if depth == 0 {
		return
	}
	if len(st.buf) == depth {
		copy(st.buf, st.buf[1:])
		st.buf[len(st.buf)-1] = ev
		return
	}
	st.buf = append(st.buf, ev)
}

// fanOut pushes ev to every subscriber without blocking. A subscriber whose
// queue is full is dropped rather than reordered; it can resubscribe from
// its last sequence number.
func (st *stream) fanOut(ev event.Event) {
	for sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("sse subscriber lagging, dropping connection",
				"task_id", st.taskID, "seq", ev.Seq)
			delete(st.subs, sub)
			close(sub.ch)
		}
	}
}

// remove detaches one subscriber. closeCh is false when the channel was
// already closed by stream teardown.
func (st *stream) remove(sub *Subscriber, closeCh bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[sub]; !ok {
		return
	}
	delete(st.subs, sub)
	if closeCh {
		close(sub.ch)
	}
}
