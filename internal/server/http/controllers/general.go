package controllers

import (
	"net/http"

	"github.com/rzbill/steward/internal/journal"
	"github.com/rzbill/steward/internal/runtime"
)

// GeneralController serves health, the saga journal and the inbox.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/healthz", c.handleHealth)
	mux.HandleFunc("GET /v1/journal", c.handleJournal)
	mux.HandleFunc("GET /v1/inbox", c.handleInbox)
}

func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "actor": c.rt.Config().Actor, "storage": c.rt.StorageStats()})
}

// handleJournal pages through saga events. start is inclusive; next_start is
// zero once the journal is exhausted.
func (c *GeneralController) handleJournal(w http.ResponseWriter, r *http.Request) {
	c.page(w, r, c.rt.Journal)
}

func (c *GeneralController) handleInbox(w http.ResponseWriter, r *http.Request) {
	c.page(w, r, c.rt.Inbox)
}

func (c *GeneralController) page(w http.ResponseWriter, r *http.Request, read func(uint64, int) ([]journal.Event, uint64, error)) {
	q := r.URL.Query()
	var start uint64
	if s := q.Get("start"); s != "" {
		n, err := parseUint(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
		start = n
	}
	events, next, err := read(start, parseLimit(q.Get("limit"), 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, map[string]any{"events": events, "next_start": next})
}
