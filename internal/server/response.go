package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/me/trialopt/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

func respondOK(w http.ResponseWriter, r *http.Request, data any) {
	respondJSON(w, r, http.StatusOK, data, nil, nil)
}

func respondList(w http.ResponseWriter, r *http.Request, data any, pg *model.Pagination) {
	respondJSON(w, r, http.StatusOK, data, pg, nil)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, apiErr *model.APIError) {
	respondJSON(w, r, status, nil, nil, apiErr)
}

// respondJSON writes the standard envelope. The request and run IDs come
// from the context set up by requestMiddleware.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		Status:     "ok",
		RequestID:  RequestIDFromContext(r.Context()),
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if snap := snapshotFromContext(r.Context()); snap != nil {
		resp.RunID = snap.ID
	}
	if apiErr != nil {
		resp.Status = "error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
