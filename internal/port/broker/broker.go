// Package broker defines the message bus port: direct agent-to-agent
// delivery plus topic publish/subscribe.
package broker

import (
	"context"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
)

// Handler consumes one topic event. It runs on the subscription's own
// delivery loop, never on the publisher's goroutine.
type Handler func(ctx context.Context, ev event.Event)

// MessageHandler consumes one directly addressed message.
type MessageHandler func(ctx context.Context, msg *message.Message)

// Subscription is an explicit handle for one topic subscription. Holders
// must release it with Unsubscribe; the broker keeps no hidden references.
type Subscription interface {
	// ID identifies the subscription for logging.
	ID() string

	// Unsubscribe removes the subscription and stops its delivery loop.
	// Safe to call more than once.
	Unsubscribe()
}

// Broker is the port interface for the internal bus.
type Broker interface {
	// Send delivers msg exactly once to the named agent's inbox, FIFO per
	// sender. An unattached target yields domain.ErrUnknownAgent.
	Send(ctx context.Context, target string, msg *message.Message) error

	// Publish fans ev out to every subscription matching (ev.Source,
	// ev.Type). At-most-once per subscriber; per-publisher order preserved.
	Publish(ctx context.Context, ev event.Event) error

	// Subscribe registers h for events published by source with the given
	// type (event.Wildcard for all of the source's events).
	Subscribe(subscriber, source string, typ event.Type, h Handler) (Subscription, error)

	// Attach binds an agent's inbound message handler, making it a valid
	// Send target. The returned detach releases the inbox.
	Attach(agent string, h MessageHandler) (detach func(), err error)

	// Close stops all delivery loops and releases every subscription.
	Close() error
}
