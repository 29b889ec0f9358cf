// Package api provides the HTTP API server for mailscope.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mailscope/mailscope/internal/config"
	"github.com/mailscope/mailscope/internal/grant"
	"github.com/mailscope/mailscope/internal/metastore"
	"github.com/mailscope/mailscope/internal/scheduler"
	"github.com/mailscope/mailscope/internal/scope"
	"github.com/mailscope/mailscope/internal/search"
	"github.com/mailscope/mailscope/internal/termdict"
)

// Deps bundles the engines the API serves.
type Deps struct {
	Engine   *search.Engine
	Store    *metastore.Store
	Dict     *termdict.Dict
	Grants   *grant.Engine
	Contexts *scope.Registry
	Sched    *scheduler.Scheduler // optional
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	deps        Deps
	logger      *slog.Logger
	parser      *search.Parser
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		parser: search.NewParser(),
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	rps := s.cfg.Server.RateLimitRPS
	if rps <= 0 {
		rps = 20
	}
	s.rateLimiter = NewRateLimiter(float64(rps), 2*rps)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	// Unauthenticated surface: health and signed message references.
	r.Get("/health", s.handleHealth)
	r.Get("/m/{ref}", s.handleMessageRef)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/session", s.handleLogin)

		// Session routes (bearer token required)
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Delete("/session", s.handleLogout)
			r.Get("/search", s.handleSearch)
			r.Get("/messages/{id}", s.handleGetMessage)
			r.Post("/messages/{id}/ref", s.handleMintRef)
			r.Post("/messages/{id}/tags", s.handleUpdateTags)
			r.Get("/tags", s.handleListTags)
		})

		// Admin routes (admin key required, no session needed so the
		// first grant can be created at all)
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminMiddleware)

			r.Get("/stats", s.handleStats)
			r.Get("/grants", s.handleListGrants)
			r.Post("/grants", s.handleCreateGrant)
			r.Put("/grants/{principal}", s.handleUpdateGrant)
			r.Delete("/grants/{principal}", s.handleRemoveGrant)
			r.Get("/contexts", s.handleListContexts)
			r.Post("/contexts", s.handleCreateContext)
			r.Put("/contexts/{key}", s.handleUpdateContext)
			r.Get("/scheduler/status", s.handleSchedulerStatus)
			r.Post("/scheduler/jobs/{name}", s.handleTriggerJob)
		})
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.AdminKey == "" {
		s.logger.Warn("admin endpoints disabled: set [server] admin_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

type ctxKey int

const sessionKey ctxKey = 0

// sessionFrom returns the session the auth middleware attached.
func sessionFrom(r *http.Request) *grant.Session {
	sess, _ := r.Context().Value(sessionKey).(*grant.Session)
	return sess
}

// authMiddleware verifies the bearer token and attaches the session.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing bearer token")
			return
		}

		sess, err := s.deps.Grants.Verify(token)
		if err != nil {
			if errors.Is(err, grant.ErrExpired) {
				writeError(w, http.StatusUnauthorized, "token_expired", "Session has expired")
				return
			}
			s.logger.Warn("rejected token",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminMiddleware gates the admin surface behind the configured admin key.
// With no key configured the surface is disabled entirely.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Server.AdminKey
		if key == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "No admin key configured")
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			s.logger.Warn("rejected admin request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusForbidden, "forbidden", "Invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
