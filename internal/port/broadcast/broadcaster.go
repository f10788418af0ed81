// Package broadcast defines the port for pushing real-time events to
// connected monitor clients.
package broadcast

import "context"

// Broadcaster fans a typed event out to every connected monitor client.
// Delivery is best-effort; slow clients may be skipped or dropped.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop is a Broadcaster that discards every event. Used when no monitor hub
// is configured.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
