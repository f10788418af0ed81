package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/broker"
)

// asyncPublisher is the slice of jetstream.JetStream the mirror needs.
type asyncPublisher interface {
	PublishMsgAsync(m *nats.Msg, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
}

// Mirror decorates a broker so every topic publish is also written to the
// JetStream event stream. The mirror is at-least-once: JetStream may
// redeliver to its consumers, which dedup on the event id (the same id
// feeds the server-side duplicate window). Direct sends stay in memory;
// the in-memory bus remains the unit of truth.
type Mirror struct {
	broker.Broker
	js  asyncPublisher
	log *slog.Logger
}

// NewMirror wraps inner with the durable mirror.
func NewMirror(inner broker.Broker, c *Conn) *Mirror {
	return newMirror(inner, c.js)
}

func newMirror(inner broker.Broker, js asyncPublisher) *Mirror {
	return &Mirror{Broker: inner, js: js, log: slog.Default()}
}

// Publish fans out in memory first, then appends to the stream. A mirror
// write failure is logged, not returned: subscribers already got the event.
func (m *Mirror) Publish(ctx context.Context, ev event.Event) error {
	if err := m.Broker.Publish(ctx, ev); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("event mirror marshal failed", "event_id", ev.ID, "error", err)
		return nil
	}
	msg := &nats.Msg{
		Subject: subjectFor(ev),
		Data:    data,
		Header:  nats.Header{"Nats-Msg-Id": []string{ev.ID}},
	}
	if _, err := m.js.PublishMsgAsync(msg); err != nil {
		m.log.Warn("event mirror enqueue failed", "subject", msg.Subject, "error", err)
	}
	return nil
}

// subjectFor maps an event onto the stream's subject space.
func subjectFor(ev event.Event) string {
	return subjectPrefix + subjectToken(ev.Source) + "." + subjectToken(string(ev.Type))
}

var subjectSanitizer = strings.NewReplacer(" ", "_", ".", "_", "*", "_", ">", "_")

// subjectToken makes an agent name or event type safe as one subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return subjectSanitizer.Replace(s)
}
