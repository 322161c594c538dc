// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ctxsync/internal/checkpoint"
	"github.com/sells-group/ctxsync/internal/curation"
	"github.com/sells-group/ctxsync/internal/eventlog"
	"github.com/sells-group/ctxsync/internal/records"
	"github.com/sells-group/ctxsync/internal/syncer"
)

// Cycles runs sync cycles and remembers the last report.
type Cycles interface {
	Run(ctx context.Context) (*syncer.Report, error)
	Last() *syncer.Report
}

// Serializer runs fn while no sync cycle is in progress.
type Serializer interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deps are the operations the API serves. Lock, when set, serializes
// checkpoint create and restore with sync cycles.
type Deps struct {
	Records     *records.Store
	Curation    *curation.Service
	Checkpoints *checkpoint.Manager
	Events      *eventlog.Log
	Cycles      Cycles
	Lock        Serializer
}

type handler struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps, allowedOrigins []string) http.Handler {
	h := &handler{Deps: d, log: zap.L().With(zap.String("component", "server"))}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/records", func(r chi.Router) {
		r.Get("/", h.listRecords)
		r.Post("/", h.curateRecord)
		r.Get("/{id}", h.getRecord)
		r.Put("/{id}", h.deriveRecord)
		r.Delete("/{id}", h.deleteRecord)
		r.Post("/{id}/promote", h.promoteRecord)
		r.Post("/{id}/touch", h.touchRecord)
	})
	r.Route("/checkpoints", func(r chi.Router) {
		r.Get("/", h.listCheckpoints)
		r.Post("/", h.createCheckpoint)
		r.Post("/{id}/restore", h.restoreCheckpoint)
	})
	r.Get("/events", h.listEvents)
	r.Post("/sync", h.runSync)
	return r
}

// Server is the HTTP listener with graceful shutdown.
type Server struct {
	srv *http.Server
}

// New creates a server on port.
func New(port int, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Run serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- eris.Wrap(err, "server: listen")
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return <-errCh
}
