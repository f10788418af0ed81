package a2a

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/sse"
)

const maxBodyBytes = 1 << 20

// Handler mounts the protocol routes: the JSON-RPC endpoint, the discovery
// card, and the per-task event streams.
type Handler struct {
	dispatcher *Dispatcher
	card       CardBuilder
	events     *sse.Mux
}

// CardBuilder produces the discovery card on demand, so late agent
// registrations show up without re-mounting routes.
type CardBuilder func() AgentCard

// NewHandler wires the protocol surface.
func NewHandler(d *Dispatcher, card CardBuilder, events *sse.Mux) *Handler {
	return &Handler{dispatcher: d, card: card, events: events}
}

// MountRoutes registers the protocol endpoints at the router root.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a", h.handleRPC)
	r.Get("/a2a/tasks/{id}/events", h.events.Handler())
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.card()); err != nil {
		slog.Error("encode agent card", "error", err)
	}
}

// handleRPC decodes one envelope and dispatches it. A body that does not
// parse as JSON-RPC gets -32700 with HTTP 400; everything after that point
// answers 200 with the outcome in the envelope.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, http.StatusBadRequest, &Response{
			JSONRPC: Version,
			Error:   &Error{Code: CodeParseError, Message: "parse error: " + err.Error()},
		})
		return
	}

	resp := h.dispatcher.Dispatch(r.Context(), &req)
	writeRPC(w, http.StatusOK, resp)
}

func writeRPC(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encode rpc response", "error", err)
	}
}
