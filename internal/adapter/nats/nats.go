// Package nats provides the optional JetStream backends: the durable mirror
// of topic publishes and the KV bucket used for submission idempotency.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName    = "A2A_EVENTS"
	subjectPrefix = "a2a.events."

	// dedupWindow is the server-side duplicate window keyed on Nats-Msg-Id.
	dedupWindow = 2 * time.Minute
)

// Conn owns the NATS connection and its JetStream context.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes the NATS connection and ensures the event stream
// exists. Async mirror publish failures are logged, never surfaced to the
// publisher.
func Connect(ctx context.Context, url string) (*Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("a2a-server"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc, jetstream.WithPublishAsyncErrHandler(
		func(_ jetstream.JetStream, m *nats.Msg, err error) {
			slog.Error("event mirror publish failed", "subject", m.Subject, "error", err)
		}))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "durable mirror of topic publishes",
		Subjects:    []string{subjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		Duplicates:  dedupWindow,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	return &Conn{nc: nc, js: js}, nil
}

// JetStream exposes the underlying JetStream context.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// KeyValue opens (or creates) a KV bucket, used as the idempotency store
// for worker submissions. TTL bounds how long replayed responses live.
func (c *Conn) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Close drains the connection, letting buffered async publishes flush.
func (c *Conn) Close() error {
	select {
	case <-c.js.PublishAsyncComplete():
	case <-time.After(5 * time.Second):
		slog.Warn("closing nats with unflushed mirror publishes")
	}
	return c.nc.Drain()
}
