// Package server implements the HTTP surface: ActivityPub endpoints
// (actors, objects, inboxes, webfinger, nodeinfo), the local client
// API and the metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
	"github.com/florapub/florapub/internal/fed"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
)

// maxConcurrentActivities bounds concurrent inbox processing.
// Activities beyond this limit receive a 503 and get redelivered.
const maxConcurrentActivities = 50

// maxInboxBodyBytes caps inbound activity bodies.
const maxInboxBodyBytes = 1 << 20

// Server is the florapub HTTP server.
type Server struct {
	cfg       *config.Config
	store     *db.Store
	engine    *fed.Engine
	router    *chi.Mux
	startedAt time.Time
	inboxSem  chan struct{}
}

// New creates a new Server.
func New(cfg *config.Config, store *db.Store, engine *fed.Engine) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		startedAt: time.Now(),
		inboxSem:  make(chan struct{}, maxConcurrentActivities),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "hostname", s.cfg.Hostname)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]any{"status": "ok", "uptime": time.Since(s.startedAt).String()}, http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Federation discovery.
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	r.Get("/nodeinfo/{version}", s.handleNodeInfo)

	// ActivityPub objects and inboxes.
	r.Get("/actor", s.handleInstanceActor)
	r.Post("/inbox", s.handleInbox)
	r.Get("/api/users/{id}", s.handleActor)
	r.Get("/api/users/{id}/followers", s.handleFollowers)
	r.Get("/api/users/{id}/following", s.handleFollowing)
	r.Get("/api/users/{id}/outbox", s.handleOutbox)
	r.Post("/api/users/{id}/inbox", s.handleInbox)
	r.Get("/users/{id}", s.handleActor)
	r.Post("/users/{id}/inbox", s.handleInbox)
	r.Get("/api/posts/{id}", s.handleNote)

	// Local client API.
	r.Post("/api/register", s.handleRegister)
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/api/posts", s.handleCreatePost)
		r.Delete("/api/posts/{id}", s.handleDeletePost)
		r.Post("/api/repost", s.handleRepost)
		r.Post("/api/follow", s.handleFollow)
		r.Post("/api/unfollow", s.handleUnfollow)
	})

	return r
}

// ─── Utility functions ────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
