package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/slotcached/internal/metrics"
)

// Server is the inbound HTTP server. It binds the chi router to the
// configured address and provides graceful shutdown support.
type Server struct {
	router  chi.Router
	handler *Handler
	addr    string
	httpSrv *http.Server
}

// NewServer creates a new Server with the given Handler, listen address, and
// HTTP timeout durations. Zero-value timeouts leave the corresponding
// http.Server field at its default (no timeout).
func NewServer(handler *Handler, collector *metrics.Collector, addr string, readTimeout, writeTimeout, idleTimeout time.Duration) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/v1/chat/completions", handler.HandleChatCompletions)
	r.Get("/v1/models", handler.HandleModels)
	r.Get("/health", handler.HandleHealth)
	r.Get("/api/stats", handler.HandleStats)
	if collector != nil {
		r.Get("/metrics", metrics.PrometheusHandler(collector))
	}

	srv := &Server{
		router:  r,
		handler: handler,
		addr:    addr,
	}

	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return srv
}

// Router returns the underlying chi.Router, useful for testing or additional
// route mounting by the caller.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening for HTTP connections on the configured address.
// It blocks until the server is shut down or encounters a fatal error.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
