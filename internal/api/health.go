package api

import "net/http"

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"devices":    len(h.bridge.Devices()),
		"recordings": len(h.bridge.Recordings()),
	})
}
