// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/config"
	"traffic_engine/internal/conformance"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/feed"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/registry"
	"traffic_engine/internal/track"
	"traffic_engine/internal/volume"
)

// maxBody bounds request bodies. Geofence collections are the largest.
const maxBody = 8 << 20

// Engine is the part of the engine the API serves.
type Engine interface {
	SubmitTrack(ctx context.Context, rec track.RawRecord) (track.TrackPoint, error)
	Trace(rec track.RawRecord) []registry.TraceResult
	DeclareVolume(ctx context.Context, v *volume.Volume) (string, error)
	ImportGeofences(ctx context.Context, data []byte, owner string) ([]string, error)
	ActivateVolume(ctx context.Context, id string) (*volume.Volume, error)
	EndVolume(ctx context.Context, id string) (*volume.Volume, error)
	WithdrawVolume(ctx context.Context, id string) (*volume.Volume, error)
	GetVolume(id string) (*volume.Volume, error)
	ListVolumes(state volume.State) []*volume.Volume
	Snapshot(at time.Time) feed.FeedView
	Conformance(flightID string) []conformance.Record
	Track(flightID string, from, to time.Time) []track.TrackPoint
	Alerts(since time.Time) []alert.Alert
	Now() time.Time
	Running() bool
}

// Server provides the REST and websocket endpoints.
type Server struct {
	engine         Engine
	metrics        http.Handler
	port           int
	authEnabled    bool
	apiKeys        map[string]bool
	streamInterval time.Duration
	log            *zap.SugaredLogger
}

// NewServer creates a server. metricsHandler may be nil.
func NewServer(e Engine, cfg config.APIConfig, streamInterval time.Duration, metricsHandler http.Handler, log *zap.SugaredLogger) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	if streamInterval <= 0 {
		streamInterval = time.Second
	}
	return &Server{
		engine:         e,
		metrics:        metricsHandler,
		port:           cfg.Port,
		authEnabled:    cfg.AuthEnabled,
		apiKeys:        keys,
		streamInterval: streamInterval,
		log:            logger.Named(log, "api"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.log.Infow("API listening", "addr", srv.Addr, "auth", s.authEnabled)

	select {
	case err := <-errc:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.authEnabled {
			r.Use(s.authMiddleware)
		}

		r.Get("/feed/stream", s.handleFeedStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/tracks", s.handleSubmitTrack)
			r.Post("/tracks/trace", s.handleTrace)

			r.Get("/flights/{flight_id}/track", s.handleFlightTrack)
			r.Get("/flights/{flight_id}/conformance", s.handleFlightConformance)

			r.Get("/volumes", s.handleListVolumes)
			r.Post("/volumes", s.handleDeclareVolume)
			r.Get("/volumes/{id}", s.handleGetVolume)
			r.Post("/volumes/{id}/activate", s.handleTransition(s.engine.ActivateVolume))
			r.Post("/volumes/{id}/end", s.handleTransition(s.engine.EndVolume))
			r.Post("/volumes/{id}/withdraw", s.handleTransition(s.engine.WithdrawVolume))

			r.Post("/geofences", s.handleImportGeofences)

			r.Get("/feed", s.handleFeed)
			r.Get("/alerts", s.handleAlerts)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		// Browsers cannot set headers on websocket upgrades.
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps the engine's error classes to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsAny(err, errors.ErrValidation, errors.ErrMalformedRecord, errors.ErrGeometry):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.IsAny(err, errors.ErrVersionConflict, errors.ErrInvalidTransition, errors.ErrRemoteConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrStaleRecord):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.IsAny(err, context.DeadlineExceeded, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request failed", "error", err)
	}
	resp := map[string]any{"error": err.Error()}
	if ids := errors.ConflictingVolumes(err); len(ids) > 0 {
		resp["conflicting_volume_ids"] = ids
	}
	writeJSON(w, status, resp)
}

// parseTime reads an RFC 3339 query parameter, returning def when absent.
func parseTime(r *http.Request, key string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.Validationf("%s: %v", key, err)
	}
	return t, nil
}
