// Package httpserver exposes the engine over HTTP: enqueue, claim and
// complete for cross-process workers, plus the operator surface (stats,
// dead-letter listing and requeue, run history queries, artifacts).
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quarrylabs/quarry/internal/runtime"
	"github.com/quarrylabs/quarry/pkg/log"
)

// Server serves the HTTP API for one Runtime.
type Server struct {
	rt     *runtime.Runtime
	logger log.Logger
}

// New creates a Server.
func New(rt *runtime.Runtime, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Server{rt: rt, logger: logger.With(log.Component("http"))}
}

// Handler builds the router. Exposed separately so tests can drive it with
// httptest without a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues", s.handleListQueues)
		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Put("/", s.handleEnsureQueue)
			r.Get("/stats", s.handleStats)
			r.Get("/averages", s.handleAverages)
			r.Get("/failures", s.handleFailures)

			r.Post("/items", s.handleEnqueue)
			r.Get("/items/{id}", s.handleGetItem)
			r.Get("/items/{id}/runs", s.handleItemRuns)
			r.Post("/items/{id}/complete", s.handleComplete)

			r.Post("/claim", s.handleClaim)

			r.Get("/dead", s.handleListDead)
			r.Post("/dead/{id}/requeue", s.handleRequeueDead)
		})

		r.Get("/artifacts/stats", s.handleArtifactStats)
		r.Route("/artifacts/{key}", func(r chi.Router) {
			r.Put("/", s.handlePutArtifact)
			r.Get("/", s.handleGetArtifact)
			r.Head("/", s.handleHeadArtifact)
		})
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", log.Str("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			log.Str("method", r.Method),
			log.Str("path", r.URL.Path),
			log.Int("status", ww.Status()),
			log.Dur("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
