// Package api serves the HTTP management surface: recordings, channel
// scans, a live status feed and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/bridge"
	"github.com/RenatoCabral2022/tsbridge/internal/consumer"
	"github.com/RenatoCabral2022/tsbridge/internal/scan"
)

// DefaultStatusInterval is how often the status feed pushes a snapshot.
const DefaultStatusInterval = time.Second

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	bridge         *bridge.Bridge
	logger         *zap.Logger
	statusInterval time.Duration
}

func NewHandlers(b *bridge.Bridge, logger *zap.Logger) *Handlers {
	return &Handlers{bridge: b, logger: logger, statusInterval: DefaultStatusInterval}
}

// NewRouter wires every route. apiKey protects /v1 when set.
func NewRouter(h *Handlers, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(Logging(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(Auth(apiKey))
		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", h.ListRecordings)
			r.Post("/", h.CreateRecording)
			r.Route("/{recordingId}", func(r chi.Router) {
				r.Get("/", h.GetRecording)
				r.Delete("/", h.DeleteRecording)
				r.Post("/switch", h.SwitchRecording)
			})
		})
		r.Route("/scans", func(r chi.Router) {
			r.Get("/", h.ListScans)
			r.Post("/", h.CreateScan)
			r.Route("/{scanId}", func(r chi.Router) {
				r.Get("/", h.GetScan)
				r.Delete("/", h.DeleteScan)
			})
		})
		r.Get("/status/ws", h.StatusFeed)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bridge.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bridge.ErrInvalid),
		errors.Is(err, bridge.ErrUnknownDevice),
		errors.Is(err, consumer.ErrUnsupported):
		status = http.StatusBadRequest
	case errors.Is(err, bridge.ErrNoFreeDevice),
		errors.Is(err, scan.ErrAlreadyRunning),
		errors.Is(err, consumer.ErrNotRunning),
		errors.Is(err, consumer.ErrStopped):
		status = http.StatusConflict
	case errors.Is(err, bridge.ErrCapacity):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
