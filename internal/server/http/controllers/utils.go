package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rzbill/steward/internal/fleet"
	"github.com/rzbill/steward/internal/reservation"
	"github.com/rzbill/steward/internal/runtime"
	"github.com/rzbill/steward/internal/saga"
)

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeCreated writes a 201 Created response with an optional body.
func writeCreated(w http.ResponseWriter, data any) {
	if data == nil {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a JSON request body, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns def for empty strings or invalid values.
func parseLimit(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

// parseDuration parses "10m"-style durations, falling back to def.
func parseDuration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return def
}

// writeDomainError maps steward errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		rejected *saga.RejectedError
		failed   *saga.TransferFailedError
		remote   *saga.RemoteCallError
		finalize *saga.FinalizeFailedError
	)
	switch {
	case errors.As(err, &rejected):
		status := http.StatusConflict
		if errors.Is(err, saga.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSONStatus(w, status, map[string]any{"error": err.Error(), "reason": rejected.Reason.Error(), "retryable": true})
	case errors.As(err, &failed):
		writeJSONStatus(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "code": failed.Cause.Code, "retryable": saga.Retryable(err)})
	case errors.As(err, &remote):
		writeJSONStatus(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "retryable": saga.Retryable(err)})
	case errors.As(err, &finalize):
		writeJSONStatus(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "receipt": finalize.Receipt.ID, "retryable": false})
	case errors.Is(err, runtime.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, saga.ErrAlreadyFinalized), errors.Is(err, fleet.ErrNotInProgress),
		errors.Is(err, fleet.ErrInstallRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, saga.ErrUnknownToken), errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, fleet.ErrWorkerNotFound), errors.Is(err, fleet.ErrBinaryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func parseUint(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }
