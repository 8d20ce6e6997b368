// Package handlers implements the admin API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marmos91/pwlog/pkg/writelog"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	wl *writelog.WriteLog
}

// NewHealthHandler creates a health handler over the write log.
// wl may be nil, in which case only liveness is meaningful.
func NewHealthHandler(wl *writelog.WriteLog) *HealthHandler {
	return &HealthHandler{wl: wl}
}

// healthResponse is the health endpoint payload.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Liveness reports that the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

// Readiness reports whether the write log is initialized and serving.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.wl == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:    "unhealthy",
			Timestamp: time.Now().UTC(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
	})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
