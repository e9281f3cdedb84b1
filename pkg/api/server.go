// Package api exposes the parami service over REST for local clients.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/odvcencio/parami/pkg/content"
	perr "github.com/odvcencio/parami/pkg/errors"
	"github.com/odvcencio/parami/pkg/logging"
	"github.com/odvcencio/parami/pkg/notify"
	"github.com/odvcencio/parami/pkg/prefs"
	"github.com/odvcencio/parami/pkg/push"
)

// Server is the parami API server.
type Server struct {
	cache       *content.Cache
	prefs       *prefs.Store
	coordinator *notify.Coordinator
	pushWorker  *push.Worker
	logger      *logging.Logger
	httpServer  *http.Server
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: :8510)
	Address string

	// Cache is the content cache backing item reads.
	Cache *content.Cache

	// Prefs is the preference store backing rotation and settings.
	Prefs *prefs.Store

	// Coordinator owns the reminder lifecycle (optional).
	Coordinator *notify.Coordinator

	// PushWorker handles Web Push registration (optional)
	PushWorker *push.Worker

	Logger *logging.Logger
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8510"
	}

	s := &Server{
		cache:       cfg.Cache,
		prefs:       cfg.Prefs,
		coordinator: cfg.Coordinator,
		pushWorker:  cfg.PushWorker,
		logger:      cfg.Logger,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Routes builds the router. Exposed so tests can drive the handlers
// without a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/today", s.handleToday)
		r.Post("/today/viewed", s.handleMarkViewed)
		r.Post("/shuffle", s.handleShuffle)

		r.Get("/items", s.handleListItems)
		r.Get("/items/{id}", s.handleGetItem)
		r.Get("/items/{id}/practices", s.handlePractices)
		r.Put("/items/{id}/custom-practice", s.handleSetCustomPractice)
		r.Post("/items/{id}/practices/check", s.handleCheckPractice)

		r.Get("/version", s.handleVersion)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/cache/clear", s.handleClearCache)

		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences/notification-time", s.handleSetNotificationTime)
		r.Put("/preferences/notifications-enabled", s.handleSetNotificationsEnabled)

		r.Route("/push", func(r chi.Router) {
			r.Get("/key", s.handlePushKey)
			r.Post("/subscribe", s.handlePushSubscribe)
			r.Delete("/subscribe", s.handlePushUnsubscribe)
		})
	})

	return r
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug(logging.CategoryAPI, "request", "", map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps structured error codes onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch perr.CodeOf(err) {
	case perr.ErrCodeValidation, perr.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case perr.ErrCodeRemoteFetch, perr.ErrCodeRemoteMetadata:
		status = http.StatusBadGateway
	case perr.ErrCodePermissionDenied:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, perr.Wrap(err, perr.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}
