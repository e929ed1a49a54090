package controllers

import (
	"io"
	"net/http"

	"github.com/rzbill/steward/internal/fleet"
	"github.com/rzbill/steward/internal/runtime"
)

// maxBinarySize bounds uploaded worker binaries.
const maxBinarySize = 64 << 20

// FleetController exposes the upgrade scheduler to operators.
type FleetController struct {
	rt *runtime.Runtime
}

// NewFleetController creates a new fleet controller.
func NewFleetController(rt *runtime.Runtime) *FleetController {
	return &FleetController{rt: rt}
}

// RegisterRoutes registers fleet routes with the given mux.
func (c *FleetController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/fleet/status", c.handleStatus)
	mux.HandleFunc("POST /v1/fleet/tick", c.handleTick)
	mux.HandleFunc("POST /v1/fleet/target", c.handleTarget)
	mux.HandleFunc("POST /v1/fleet/enqueue", c.handleEnqueue)
	mux.HandleFunc("GET /v1/fleet/workers", c.handleListWorkers)
	mux.HandleFunc("POST /v1/fleet/workers", c.handleJoin)
	mux.HandleFunc("GET /v1/fleet/workers/{id}", c.handleGetWorker)
	mux.HandleFunc("DELETE /v1/fleet/workers/{id}", c.handleLeave)
	mux.HandleFunc("POST /v1/fleet/workers/{id}/resolve", c.handleResolve)
	mux.HandleFunc("PUT /v1/fleet/binaries/{version}", c.handlePutBinary)
	mux.HandleFunc("GET /v1/fleet/binaries/{version}", c.handleBinaryInfo)
}

func (c *FleetController) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.rt.FleetStatus(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, st)
}

func (c *FleetController) handleTick(w http.ResponseWriter, r *http.Request) {
	res, err := c.rt.TickFleet(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"dispatched":   res.Dispatched,
		"skipped":      res.Skipped,
		"backpressure": res.Backpressure,
		"again":        res.Again,
	})
}

type targetReq struct {
	Version fleet.Version `json:"version"`
}

func (c *FleetController) handleTarget(w http.ResponseWriter, r *http.Request) {
	var req targetReq
	if !decodeBody(w, r, &req) {
		return
	}
	stale, err := c.rt.SetFleetTarget(r.Context(), req.Version)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"target": req.Version, "queued": stale})
}

type enqueueReq struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

func (c *FleetController) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := c.rt.EnqueueUpgrade(r.Context(), req.ID, req.Force); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *FleetController) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	recs, err := c.rt.Workers()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []fleet.WorkerRecord{}
	}
	writeJSON(w, map[string]any{"workers": recs})
}

type joinReq struct {
	ID      string        `json:"id"`
	Version fleet.Version `json:"version"`
}

func (c *FleetController) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	rec, err := c.rt.JoinWorker(r.Context(), req.ID, req.Version)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeCreated(w, rec)
}

func (c *FleetController) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	rec, err := c.rt.Worker(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (c *FleetController) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.LeaveWorker(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeNoContent(w)
}

type resolveReq struct {
	Outcome fleet.Resolution `json:"outcome"`
	Reason  string           `json:"reason"`
}

func (c *FleetController) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Outcome != fleet.ResolveFailed && req.Outcome != fleet.ResolveSkipped {
		writeError(w, http.StatusBadRequest, "outcome must be failed or skipped")
		return
	}
	if err := c.rt.ResolveUpgrade(r.Context(), r.PathValue("id"), req.Outcome, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeNoContent(w)
}

func (c *FleetController) handlePutBinary(w http.ResponseWriter, r *http.Request) {
	v, err := fleet.ParseVersion(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBinarySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty binary")
		return
	}
	digest, err := c.rt.PutBinary(r.Context(), v, data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeCreated(w, map[string]any{"version": v, "digest": digest.String(), "size": len(data)})
}

func (c *FleetController) handleBinaryInfo(w http.ResponseWriter, r *http.Request) {
	v, err := fleet.ParseVersion(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := c.rt.BinaryInfo(v)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, info)
}
