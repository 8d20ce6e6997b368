package handlers

import (
	"net/http"
	"time"

	"github.com/marmos91/pwlog/internal/logger"
	"github.com/marmos91/pwlog/pkg/writelog"
)

// WriteLogHandler serves write log stats and management operations.
type WriteLogHandler struct {
	wl *writelog.WriteLog
}

// NewWriteLogHandler creates a handler over the write log.
func NewWriteLogHandler(wl *writelog.WriteLog) *WriteLogHandler {
	return &WriteLogHandler{wl: wl}
}

// Stats returns a point-in-time snapshot of log state.
func (h *WriteLogHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wl.Stats())
}

// Flush writes every dirty entry down to the image, returning once the
// log is clean.
func (h *WriteLogHandler) Flush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if err := h.wl.Flush(r.Context()); err != nil {
		logger.Error("API flush failed", logger.KeyError, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// Invalidate flushes the log and drops every cached entry.
func (h *WriteLogHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.wl.Invalidate(r.Context()); err != nil {
		logger.Error("API invalidate failed", logger.KeyError, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
