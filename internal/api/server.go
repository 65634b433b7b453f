// Package api exposes the protection engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"dhan-tracker/internal/broker"
	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/resilience"
	"dhan-tracker/internal/scheduler"
	"dhan-tracker/internal/store"
	"dhan-tracker/internal/stream"
	"dhan-tracker/internal/trading"
)

// PasswordHeader carries the shared API password.
const PasswordHeader = "X-Password"

// JobRunner is the part of the scheduler the API drives.
type JobRunner interface {
	Status() []scheduler.JobStatus
	RunNow(ctx context.Context, name string) error
}

// RunHistory reads persisted protection passes.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]models.PassRecord, error)
	RunResults(ctx context.Context, runID string) ([]store.RunResult, error)
}

// Config holds server configuration
type Config struct {
	Addr           string
	Password       string
	ReadOnly       bool
	AllowedOrigins []string
	Log            zerolog.Logger

	Gateway    broker.Gateway
	Reconciler *trading.Reconciler
	Monitor    *trading.TriggerMonitor
	Scheduler  JobRunner            // optional
	History    RunHistory           // optional
	Events     *stream.Hub          // optional
	Breakers   *resilience.Registry // optional
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	password   string
	readOnly   bool
	gateway    broker.Gateway
	reconciler *trading.Reconciler
	monitor    *trading.TriggerMonitor
	scheduler  JobRunner
	history    RunHistory
	events     *stream.Hub
	breakers   *resilience.Registry
	started    time.Time
}

// New creates a new HTTP server. A password is mandatory: every /api route
// checks it.
func New(cfg Config) (*Server, error) {
	if cfg.Password == "" {
		return nil, apperrors.NewConfigurationError("server.password", "an API password is required (APP_PASSWORD)")
	}
	if cfg.Gateway == nil || cfg.Reconciler == nil || cfg.Monitor == nil {
		return nil, apperrors.NewConfigurationError("server", "gateway, reconciler and monitor are required")
	}

	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "api").Logger(),
		password:   cfg.Password,
		readOnly:   cfg.ReadOnly,
		gateway:    cfg.Gateway,
		reconciler: cfg.Reconciler,
		monitor:    cfg.Monitor,
		scheduler:  cfg.Scheduler,
		history:    cfg.History,
		events:     cfg.Events,
		breakers:   cfg.Breakers,
		started:    time.Now(),
	}

	s.setupMiddleware(cfg.AllowedOrigins)
	s.setupRoutes()

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(origins []string) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	// A forced pass over a large portfolio can take a while.
	s.router.Use(middleware.Timeout(150 * time.Second))

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", PasswordHeader},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.requirePassword)

		r.Get("/holdings", s.handleHoldings)
		r.Get("/events", s.handleEvents)

		r.Route("/protection", func(r chi.Router) {
			r.Get("/status", s.handleProtectionStatus)
			r.Post("/run", s.handleRun)
			r.Post("/run-amo", s.handleRunAMO)
			r.Post("/cancel", s.handleCancel)
			r.Get("/runs", s.handleRecentRuns)
			r.Get("/runs/{runID}", s.handleRunResults)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.handleStopOrders)
			r.Get("/regular", s.handlePlainOrders)
		})

		r.Route("/triggers", func(r chi.Router) {
			r.Get("/", s.handleTriggers)
			r.Get("/summary", s.handleTriggerSummary)
			r.Post("/check", s.handleTriggerCheck)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.handleSchedulerStatus)
			r.Post("/trigger", s.handleSchedulerTrigger)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Bool("read_only", s.readOnly).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) requirePassword(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(PasswordHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.password)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing password")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
