package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/event"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
)

// defaultListLimit caps task listings when the client does not ask for a
// specific page size.
const defaultListLimit = 100

// ListTasks returns in-memory task snapshots, newest first.
// Supports ?status= and ?limit= filters.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	switch status {
	case "", task.StatusPending, task.StatusRunning, task.StatusCompleted,
		task.StatusFailed, task.StatusCancelled:
	default:
		writeDetail(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, h.Tasks.List(r.Context(), status, limit))
}

// GetTask returns one task snapshot, falling back to the archive for tasks
// already swept from memory.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type historyResponse struct {
	TaskID string        `json:"task_id"`
	Events []event.Event `json:"events"`
}

// GetTaskHistory returns a task's full archived event history in sequence
// order. Requires the task archive to be configured.
func (h *Handlers) GetTaskHistory(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		writeDetail(w, http.StatusServiceUnavailable, "task archive not configured")
		return
	}
	taskID := urlParam(r, "id")
	if _, err := h.Tasks.Get(r.Context(), taskID); err != nil {
		writeDomainError(w, err)
		return
	}
	events, err := h.Archive.ListEvents(r.Context(), taskID, 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, historyResponse{TaskID: taskID, Events: events})
}

// ListAgents returns the identities of all registered agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.List())
}

// ListWorkers returns active worker leases, most recently seen first.
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Workers.ListWorkers())
}

type healthStatus struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Tasks         int    `json:"tasks"`
	Workers       int    `json:"workers"`
	Streams       int    `json:"streams"`
	WSClients     int    `json:"ws_clients"`
}

// Health reports liveness plus coarse component counts.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{
		Status:        "ok",
		Version:       h.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Tasks:         h.Tasks.Count(),
		Workers:       len(h.Workers.ListWorkers()),
	}
	if h.Streams != nil {
		status.Streams = h.Streams.Streams()
	}
	if h.Hub != nil {
		status.WSClients = h.Hub.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, status)
}
