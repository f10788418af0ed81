package http

import (
	"net/http"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/worker"
)

// RegisterWorker enrolls a worker and returns its polling token.
func (h *Handlers) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[worker.RegisterRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	resp, err := h.Workers.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PollTask long-polls for at most one claimable task. The response is empty
// when the poll timeout elapses without a match; the worker polls again.
func (h *Handlers) PollTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[worker.PollRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if req.Token == "" {
		req.Token = bearerToken(r)
	}
	resp, err := h.Workers.Poll(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Heartbeat renews a worker's lease and reports whether cancellation has
// been requested for its current task.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[worker.HeartbeatRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if req.Token == "" {
		req.Token = bearerToken(r)
	}
	resp, err := h.Workers.Heartbeat(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitEvent accepts one streamed output event for a leased task.
func (h *Handlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	sub, ok := readJSON[worker.EventSubmission](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if sub.Token == "" {
		sub.Token = bearerToken(r)
	}
	ev, err := h.Workers.SubmitEvent(r.Context(), taskID, sub)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// CompleteTask records the terminal success submission for a leased task.
func (h *Handlers) CompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	req, ok := readJSON[worker.CompleteRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if req.Token == "" {
		req.Token = bearerToken(r)
	}
	t, err := h.Workers.Complete(r.Context(), taskID, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// FailTask records the terminal failure submission for a leased task.
func (h *Handlers) FailTask(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	req, ok := readJSON[worker.ErrorRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if req.Token == "" {
		req.Token = bearerToken(r)
	}
	t, err := h.Workers.Error(r.Context(), taskID, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type interruptResponse struct {
	Interrupt bool `json:"interrupt"`
}

// CheckInterrupt reports whether cancellation has been requested for a task.
// Workers authenticate with their bearer token; the check also renews the
// lease, so a worker may use it in place of an explicit heartbeat.
func (h *Handlers) CheckInterrupt(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Workers.TouchByToken(bearerToken(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	flag, err := h.Workers.Interrupt(r.Context(), urlParam(r, "task_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, interruptResponse{Interrupt: flag})
}
