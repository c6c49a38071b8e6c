// Package api exposes the dialog core over HTTP.
//
// Routes: GET /health, POST /sessions, GET /sessions/{id} and
// POST /sessions/{id}/turns. Turn requests carrying a request_id are
// idempotent: a replay returns the stored response.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/store"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultRequestTimeout  = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	maxRequestBodyBytes    = 1 << 20
)

// DialogService is the dialog core as seen by the HTTP layer. *flow.DialogFlow implements it.
type DialogService interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ProcessTurn(ctx context.Context, sessionID string, req models.TurnAPIRequest) (*models.TurnResult, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string        // listen address
	RequestTimeout time.Duration // per-request deadline
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.RequestTimeout = d
	}
}

// Server is the HTTP front of the dialog core.
type Server struct {
	router  *chi.Mux
	service DialogService
	dedup   store.DedupRepo
	addr    string
}

// NewServer builds the router. dedup may be nil, which disables request_id replay.
func NewServer(service DialogService, dedup store.DedupRepo, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.RequestTimeout))
	router.Use(requestLogger)

	s := &Server{
		router:  router,
		service: service,
		dedup:   dedup,
		addr:    cfg.Addr,
	}

	router.Get("/health", s.healthHandler)
	router.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSessionHandler)
		r.Get("/{sessionID}", s.getSessionHandler)
		r.Post("/{sessionID}/turns", s.processTurnHandler)
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})

	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server starting", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: listen failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
