// Package membroker implements the broker port with in-process bounded
// queues. Each subscription and each agent inbox owns a buffered channel and
// a delivery goroutine; publishers never run subscriber code.
package membroker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/broker"
)

// Policy selects the back-pressure behavior for full subscriber queues.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued event to make room.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyBlock makes the publisher wait, bounded by BlockTimeout.
	PolicyBlock Policy = "block"
)

// Options configure a Broker.
type Options struct {
	// QueueSize is the per-subscription buffer capacity.
	QueueSize int
	// Policy applies to topic subscriptions. Direct inboxes always block,
	// bounded by BlockTimeout, because direct delivery must not drop.
	Policy Policy
	// BlockTimeout bounds blocking pushes and direct sends.
	BlockTimeout time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Policy == "" {
		o.Policy = PolicyDropOldest
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type subKey struct {
	source string
	typ    event.Type
}

type subscription struct {
	id         string
	subscriber string
	key        subKey
	ch         chan event.Event
	handler    broker.Handler
	done       chan struct{}
	once       sync.Once
	b          *Broker
}

// ID implements broker.Subscription.
func (s *subscription) ID() string { return s.id }

// Unsubscribe implements broker.Subscription.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.removeSub(s)
		close(s.done)
	})
}

type inbox struct {
	agent   string
	ch      chan *message.Message
	handler broker.MessageHandler
	done    chan struct{}
	once    sync.Once
}

// Broker is the in-memory bus. The subscription table is the only state
// guarded by mu; delivery happens outside the lock.
type Broker struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	subs    map[subKey]map[string]*subscription
	inboxes map[string]*inbox
	closed  bool

	wg sync.WaitGroup
}

// New builds a broker with the given options.
func New(opts Options) *Broker {
	opts.defaults()
	return &Broker{
		opts:    opts,
		log:     opts.Logger,
		subs:    make(map[subKey]map[string]*subscription),
		inboxes: make(map[string]*inbox),
	}
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(subscriber, source string, typ event.Type, h broker.Handler) (broker.Subscription, error) {
	if subscriber == "" || source == "" || typ == "" {
		return nil, fmt.Errorf("%w: subscriber, source and type are required", domain.ErrValidation)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: handler is required", domain.ErrValidation)
	}
	s := &subscription{
		id:         subscriber + "-" + uuid.New().String()[:8],
		subscriber: subscriber,
		key:        subKey{source: source, typ: typ},
		ch:         make(chan event.Event, b.opts.QueueSize),
		handler:    h,
		done:       make(chan struct{}),
		b:          b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: broker closed", domain.ErrUnavailable)
	}
	byID, ok := b.subs[s.key]
	if !ok {
		byID = make(map[string]*subscription)
		b.subs[s.key] = byID
	}
	byID[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.runSub(s)
	return s, nil
}

// Attach implements broker.Broker.
func (b *Broker) Attach(agent string, h broker.MessageHandler) (func(), error) {
	if agent == "" || h == nil {
		return nil, fmt.Errorf("%w: agent and handler are required", domain.ErrValidation)
	}
	in := &inbox{
		agent:   agent,
		ch:      make(chan *message.Message, b.opts.QueueSize),
		handler: h,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: broker closed", domain.ErrUnavailable)
	}
	if _, exists := b.inboxes[agent]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: inbox for %q already attached", domain.ErrConflict, agent)
	}
	b.inboxes[agent] = in
	b.wg.Add(1)
	b.mu.Unlock()

	go b.runInbox(in)

	detach := func() {
		in.once.Do(func() {
			b.mu.Lock()
			if b.inboxes[agent] == in {
				delete(b.inboxes, agent)
			}
			b.mu.Unlock()
			close(in.done)
		})
	}
	return detach, nil
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, ev event.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("%w: broker closed", domain.ErrUnavailable)
	}
	var targets []*subscription
	for _, s := range b.subs[subKey{source: ev.Source, typ: ev.Type}] {
		targets = append(targets, s)
	}
	for _, s := range b.subs[subKey{source: ev.Source, typ: event.Wildcard}] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.push(ctx, s, ev)
	}
	return nil
}

// Send implements broker.Broker.
func (b *Broker) Send(ctx context.Context, target string, msg *message.Message) error {
	b.mu.RLock()
	closed := b.closed
	in, ok := b.inboxes[target]
	b.mu.RUnlock()

	if closed {
		return fmt.Errorf("%w: broker closed", domain.ErrUnavailable)
	}
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownAgent, target)
	}

	t := time.NewTimer(b.opts.BlockTimeout)
	defer t.Stop()
	select {
	case in.ch <- msg:
		return nil
	case <-in.done:
		return fmt.Errorf("%w: %q", domain.ErrUnknownAgent, target)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("%w: inbox full for %q", domain.ErrUnavailable, target)
	}
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, byID := range b.subs {
		for _, s := range byID {
			subs = append(subs, s)
		}
	}
	var inboxes []*inbox
	for _, in := range b.inboxes {
		inboxes = append(inboxes, in)
	}
	b.subs = make(map[subKey]map[string]*subscription)
	b.inboxes = make(map[string]*inbox)
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}
	for _, in := range inboxes {
		in.once.Do(func() { close(in.done) })
	}
	b.wg.Wait()
	return nil
}

// Stats returns the live subscription and inbox counts.
func (b *Broker) Stats() (subscriptions, inboxes int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, byID := range b.subs {
		subscriptions += len(byID)
	}
	return subscriptions, len(b.inboxes)
}

func (b *Broker) removeSub(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID, ok := b.subs[s.key]; ok {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(b.subs, s.key)
		}
	}
}

// push enqueues ev for one subscription per the configured policy. Never
// called with mu held.
func (b *Broker) push(ctx context.Context, s *subscription, ev event.Event) {
	if b.opts.Policy == PolicyBlock {
		t := time.NewTimer(b.opts.BlockTimeout)
		defer t.Stop()
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			b.log.Warn("publish abandoned, context done",
				"subscription", s.id, "event_type", string(ev.Type))
		case <-t.C:
			b.log.Warn("subscriber queue full, event dropped",
				"subscription", s.id, "subscriber", s.subscriber, "event_type", string(ev.Type))
		}
		return
	}

	for {
		select {
		case s.ch <- ev:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case dropped := <-s.ch:
			b.log.Warn("subscriber queue full, dropping oldest",
				"subscription", s.id, "subscriber", s.subscriber, "dropped_type", string(dropped.Type))
		default:
		}
	}
}

func (b *Broker) runSub(s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-s.ch:
			b.deliver(s, ev)
		case <-s.done:
			return
		}
	}
}

func (b *Broker) runInbox(in *inbox) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-in.ch:
			b.deliverMessage(in, msg)
		case <-in.done:
			return
		}
	}
}

// deliver invokes the handler on the subscription's loop, recovering panics
// so one bad handler cannot stop delivery to anyone else.
func (b *Broker) deliver(s *subscription, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber handler panicked",
				"subscription", s.id, "subscriber", s.subscriber,
				"event_type", string(ev.Type), "panic", fmt.Sprint(r))
		}
	}()
	s.handler(context.Background(), ev)
}

func (b *Broker) deliverMessage(in *inbox, msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("inbox handler panicked",
				"agent", in.agent, "message_id", msg.MessageID, "panic", fmt.Sprint(r))
		}
	}()
	in.handler(context.Background(), msg)
}
