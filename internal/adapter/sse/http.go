package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
)

// Handler returns the text/event-stream endpoint for one task. The route
// must expose an {id} URL parameter; ?after=<seq> replays buffered events
// newer than that sequence number.
func (m *Mux) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "id")
		after := r.URL.Query().Get("after")
		if after == "" {
			// EventSource reconnects resume via the standard header.
			after = r.Header.Get("Last-Event-ID")
		}
		var afterSeq uint64
		if after != "" {
			n, err := strconv.ParseUint(after, 10, 64)
			if err != nil {
				writeDetail(w, http.StatusBadRequest, "after must be a non-negative integer")
				return
			}
			afterSeq = n
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		sub, err := m.Subscribe(taskID, afterSeq)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeDetail(w, http.StatusNotFound, fmt.Sprintf("task %s not found", taskID))
				return
			}
			writeDetail(w, http.StatusServiceUnavailable, "stream unavailable")
			return
		}
		defer sub.Close()

		m.trackClient(r.Context(), 1)
		defer m.trackClient(r.Context(), -1)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(m.opts.HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case ev, open := <-sub.C():
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
				flusher.Flush()
			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func (m *Mux) trackClient(ctx context.Context, delta int64) {
	if m.opts.Metrics == nil {
		return
	}
	m.opts.Metrics.StreamClients.Add(ctx, delta)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
