package controllers

import (
	"net/http"

	"github.com/rzbill/steward/internal/outbox"
	"github.com/rzbill/steward/internal/runtime"
)

// OutboxController reports on undelivered notifications.
type OutboxController struct {
	rt *runtime.Runtime
}

// NewOutboxController creates a new outbox controller.
func NewOutboxController(rt *runtime.Runtime) *OutboxController {
	return &OutboxController{rt: rt}
}

// RegisterRoutes registers outbox routes with the given mux.
func (c *OutboxController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/outbox/stats", c.handleStats)
	mux.HandleFunc("GET /v1/outbox/queue", c.handleQueue)
}

func (c *OutboxController) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := c.rt.State().Outbox.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, st)
}

func (c *OutboxController) handleQueue(w http.ResponseWriter, r *http.Request) {
	dest := r.URL.Query().Get("destination")
	if dest == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}
	entries, err := c.rt.State().Outbox.Queued(r.Context(), dest)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	writeJSON(w, map[string]any{"destination": dest, "entries": entries})
}
