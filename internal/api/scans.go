package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/RenatoCabral2022/tsbridge/internal/capture"
)

// scanRequest names the channels to scan. An empty body scans the lineup.
type scanRequest struct {
	Channels []capture.Channel `json:"channels"`
}

// ListScans handles GET /v1/scans.
func (h *Handlers) ListScans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bridge.Scans())
}

// CreateScan handles POST /v1/scans.
func (h *Handlers) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	s, err := h.bridge.StartScan(req.Channels)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Status())
}

// GetScan handles GET /v1/scans/{scanId}.
func (h *Handlers) GetScan(w http.ResponseWriter, r *http.Request) {
	s, err := h.bridge.Scan(chi.URLParam(r, "scanId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

// DeleteScan handles DELETE /v1/scans/{scanId}.
func (h *Handlers) DeleteScan(w http.ResponseWriter, r *http.Request) {
	if err := h.bridge.StopScan(chi.URLParam(r, "scanId")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
