// Package adminapi is the MME's read-only operational HTTP surface:
// health/readiness probes and a UE-context inspection endpoint, built
// the way nf/nrf/internal/server builds its chi-routed status surface.
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/go-mme/core/internal/config"
	"github.com/go-mme/core/internal/mmectx"
)

// Server is the admin HTTP surface.
type Server struct {
	cfg    *config.Config
	store  *mmectx.Store
	router *chi.Mux

	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates the admin API server; it does not start listening
// until Start is called.
func NewServer(cfg *config.Config, store *mmectx.Store, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, store: store, router: chi.NewRouter(), logger: logger}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/ue-contexts", s.handleUEList)
	s.router.Get("/ue-contexts/{mmeUeS1apId}", s.handleUEGet)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.AdminAPI.BindAddress,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("adminapi: starting", zap.String("address", s.httpServer.Addr))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("adminapi: stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("adminapi: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string, err error) {
	s.logger.Error("adminapi: "+message, zap.Error(err))
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"status":%d,"title":%q,"detail":%q}`, status, message, err.Error())
}
