package controllers

import (
	"net/http"
	"time"

	"github.com/rzbill/steward/internal/reservation"
	"github.com/rzbill/steward/internal/runtime"
	"github.com/rzbill/steward/internal/saga"
)

// ClaimsController runs prize and swap sagas and inspects reservations.
type ClaimsController struct {
	rt *runtime.Runtime
}

// NewClaimsController creates a new claims controller.
func NewClaimsController(rt *runtime.Runtime) *ClaimsController {
	return &ClaimsController{rt: rt}
}

// RegisterRoutes registers claim and reservation routes with the given mux.
func (c *ClaimsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/prizes", c.handleAddPrize)
	mux.HandleFunc("GET /v1/prizes/{id}", c.handleGetPrize)
	mux.HandleFunc("POST /v1/prizes/{id}/claim", c.handleClaimPrize)
	mux.HandleFunc("POST /v1/swaps", c.handleOfferSwap)
	mux.HandleFunc("GET /v1/swaps/{id}", c.handleGetSwap)
	mux.HandleFunc("POST /v1/swaps/{id}/accept", c.handleAcceptSwap)
	mux.HandleFunc("POST /v1/swaps/{id}/cancel", c.handleCancelSwap)
	mux.HandleFunc("GET /v1/reservations/{kind}", c.handleGetReservation)
	mux.HandleFunc("GET /v1/reservations/{kind}/stale", c.handleStale)
	mux.HandleFunc("POST /v1/reservations/{kind}/{token}/rollback", c.handleRollback)
}

type addPrizeReq struct {
	ID      string    `json:"id"`
	Amounts []uint64  `json:"amounts"`
	EndsAt  time.Time `json:"ends_at"`
}

func (c *ClaimsController) handleAddPrize(w http.ResponseWriter, r *http.Request) {
	var req addPrizeReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || len(req.Amounts) == 0 {
		writeError(w, http.StatusBadRequest, "id and amounts are required")
		return
	}
	if err := c.rt.AddPrize(r.Context(), req.ID, req.Amounts, req.EndsAt); err != nil {
		writeDomainError(w, err)
		return
	}
	writeCreated(w, nil)
}

func (c *ClaimsController) handleGetPrize(w http.ResponseWriter, r *http.Request) {
	p, ok, err := c.rt.Prize(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "prize not found")
		return
	}
	writeJSON(w, p)
}

type claimReq struct {
	User string `json:"user"`
}

type outcomeResp struct {
	Reservation reservation.Reservation `json:"reservation"`
	Receipt     saga.Receipt            `json:"receipt"`
}

func (c *ClaimsController) handleClaimPrize(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := c.rt.ClaimPrize(r.Context(), r.PathValue("id"), req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, outcomeResp{Reservation: out.Reservation, Receipt: out.Receipt})
}

type offerSwapReq struct {
	ID        string    `json:"id"`
	Offerer   string    `json:"offerer"`
	Amount    uint64    `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *ClaimsController) handleOfferSwap(w http.ResponseWriter, r *http.Request) {
	var req offerSwapReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.Offerer == "" {
		writeError(w, http.StatusBadRequest, "id and offerer are required")
		return
	}
	if err := c.rt.OfferSwap(r.Context(), req.ID, req.Offerer, req.Amount, req.ExpiresAt); err != nil {
		writeDomainError(w, err)
		return
	}
	writeCreated(w, nil)
}

func (c *ClaimsController) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	s, ok, err := c.rt.Swap(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "swap not found")
		return
	}
	writeJSON(w, s)
}

func (c *ClaimsController) handleAcceptSwap(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := c.rt.AcceptSwap(r.Context(), r.PathValue("id"), req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, outcomeResp{Reservation: out.Reservation, Receipt: out.Receipt})
}

func (c *ClaimsController) handleCancelSwap(w http.ResponseWriter, r *http.Request) {
	ok, err := c.rt.CancelSwap(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "swap is not open")
		return
	}
	writeNoContent(w)
}

func (c *ClaimsController) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := c.rt.Reservation(r.PathValue("kind"), q.Get("subject"), q.Get("claimant"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, res)
}

func (c *ClaimsController) handleStale(w http.ResponseWriter, r *http.Request) {
	age := parseDuration(r.URL.Query().Get("age"), 10*time.Minute)
	list, err := c.rt.StaleReservations(r.PathValue("kind"), age)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []reservation.Reservation{}
	}
	writeJSON(w, map[string]any{"age": age.String(), "reservations": list})
}

type rollbackReq struct {
	Reason string `json:"reason"`
}

func (c *ClaimsController) handleRollback(w http.ResponseWriter, r *http.Request) {
	req := rollbackReq{Reason: "operator"}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	res, err := c.rt.RollbackReservation(r.Context(), r.PathValue("kind"), r.PathValue("token"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, res)
}
