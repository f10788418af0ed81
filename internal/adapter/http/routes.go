package http

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/sse"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/ws"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/taskstore"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/service"
)

// Handlers bundles the services behind the REST surface. Archive, Streams
// and Hub are optional; the corresponding endpoints degrade when unset.
type Handlers struct {
	Tasks    *service.TaskService
	Workers  *service.WorkerService
	Registry *service.Registry
	Archive  taskstore.Store
	Streams  *sse.Mux
	Hub      *ws.Hub
	Version  string

	started time.Time
}

// NewHandlers wires the REST handler set.
func NewHandlers(tasks *service.TaskService, workers *service.WorkerService, registry *service.Registry) *Handlers {
	return &Handlers{
		Tasks:    tasks,
		Workers:  workers,
		Registry: registry,
		started:  time.Now(),
	}
}

// MountRoutes registers the worker protocol, the operator read API and the
// health endpoint on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/worker/v1", func(r chi.Router) {
		r.Post("/register", h.RegisterWorker)
		r.Post("/poll", h.PollTask)
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/tasks/{id}/events", h.SubmitEvent)
		r.Post("/tasks/{id}/complete", h.CompleteTask)
		r.Post("/tasks/{id}/error", h.FailTask)
		r.Get("/interrupt/{task_id}", h.CheckInterrupt)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/history", h.GetTaskHistory)
		r.Get("/agents", h.ListAgents)
		r.Get("/workers", h.ListWorkers)
	})

	r.Get("/health", h.Health)
}
