package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/RenatoCabral2022/tsbridge/internal/bridge"
)

// ListRecordings handles GET /v1/recordings.
func (h *Handlers) ListRecordings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bridge.Recordings())
}

// CreateRecording handles POST /v1/recordings.
func (h *Handlers) CreateRecording(w http.ResponseWriter, r *http.Request) {
	var req bridge.RecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	rec, err := h.bridge.StartRecording(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec.Status())
}

// GetRecording handles GET /v1/recordings/{recordingId}.
func (h *Handlers) GetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := h.bridge.Recording(chi.URLParam(r, "recordingId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Status())
}

// DeleteRecording handles DELETE /v1/recordings/{recordingId}.
func (h *Handlers) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.bridge.StopRecording(chi.URLParam(r, "recordingId")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SwitchRecording handles POST /v1/recordings/{recordingId}/switch. It
// returns once the recording writes to the new target.
func (h *Handlers) SwitchRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recordingId")
	var req bridge.SwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := h.bridge.Switch(id, req); err != nil {
		h.writeError(w, err)
		return
	}
	rec, err := h.bridge.Recording(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Status())
}
