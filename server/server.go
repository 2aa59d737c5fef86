// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"listing-notifier/pkg/listing"

	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/time/rate"
)

// Scheduler interface for subscribing and triggering ticks.
type Scheduler interface {
	Subscribe(ctx context.Context, id int64) (bool, error)
	TriggerAll() int
	Armed() int
}

// Loader interface for reading subscriber state.
type Loader interface {
	Load(ctx context.Context, id int64) (*listing.Subscriber, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	scheduler  Scheduler
	loader     Loader
	isNotFound IsNotFound
	logger     *slog.Logger
	version    string
	limiter    *ipLimiter
	trustProxy bool
	router     *routegroup.Bundle
}

// Config holds server configuration.
type Config struct {
	Scheduler  Scheduler
	Loader     Loader
	IsNotFound IsNotFound
	Logger     *slog.Logger
	Version    string
	// Per client IP limit on /subscribe and /subscribers; zero uses 5 per hour.
	RateLimit rate.Limit
	RateBurst int
	// TrustProxy takes the client IP from X-Forwarded-For. Enable only behind a
	// proxy that overwrites the header, otherwise clients can pick their own IP.
	TrustProxy bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit == 0 {
		limit = rate.Every(12 * time.Minute)
	}
	if burst == 0 {
		burst = 5
	}

	s := &Server{
		scheduler:  cfg.Scheduler,
		loader:     cfg.Loader,
		isNotFound: cfg.IsNotFound,
		logger:     cfg.Logger,
		version:    cfg.Version,
		limiter:    newIPLimiter(limit, burst),
		trustProxy: cfg.TrustProxy,
		router:     routegroup.New(http.NewServeMux()),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(rest.Recoverer(slogBackend{s.logger}))
	s.router.Use(rest.AppInfo("listing-notifier", "listing-notifier", s.version))
	s.router.Use(rest.Ping)
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(64 * 1024))

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("POST /pollz", s.handlePoll)
	s.router.HandleFunc("POST /subscribe", s.handleSubscribe)
	s.router.HandleFunc("GET /subscribers/{id}", s.handleSubscriber)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	s.logger.Info("Starting HTTP server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.renderJSON(w, http.StatusOK, rest.JSON{"status": "healthy", "armed": s.scheduler.Armed()})
}

func (s *Server) handlePoll(w http.ResponseWriter, _ *http.Request) {
	queued := s.scheduler.TriggerAll()
	s.logger.Info("Poll endpoint triggered", "queued", queued)
	s.renderJSON(w, http.StatusAccepted, rest.JSON{"status": "queued", "queued": queued})
}

// slogBackend lets rest middlewares log through slog.
type slogBackend struct {
	logger *slog.Logger
}

func (b slogBackend) Logf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (s *Server) renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) renderError(w http.ResponseWriter, code int, msg string) {
	s.renderJSON(w, code, rest.JSON{"error": msg})
}
