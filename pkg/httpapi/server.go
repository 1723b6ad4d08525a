// Package httpapi is the agent's network surface: a chi-routed HTTP server
// translating external requests into dispatcher calls. Requests for
// different instances run concurrently; requests for the same instance
// serialize on the protocol connection's lock, never here.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/MRoie/lego-loco-cluster/internal/config"
	"github.com/MRoie/lego-loco-cluster/pkg/agent"
)

// Server serves the guest-control REST and event-stream API.
type Server struct {
	agent  *agent.Agent
	cfg    *config.Config
	logger *slog.Logger
	tracer trace.Tracer

	// inflight bounds concurrently dispatched input operations so a burst
	// of requests cannot pile up unbounded goroutines behind busy
	// connection locks.
	inflight *semaphore.Weighted

	upgrader websocket.Upgrader
}

// New creates a Server around an explicit agent instance. The agent is
// passed in, never pulled from a global, so tests can run several isolated
// servers side by side.
func New(a *agent.Agent, cfg *config.Config, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		agent:    a,
		cfg:      cfg,
		logger:   logger.With("component", "httpapi"),
		tracer:   otel.Tracer("qmp-agent"),
		inflight: semaphore.NewWeighted(cfg.MaxInFlight),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The agent runs inside the cluster with no authn surface;
			// origin checks would only break the automation scripts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.traceRequests)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/instances", s.handleHealth)
	r.Get("/status/{id}", s.handleStatus)
	r.Post("/input/{id}", s.handleInput)
	r.Get("/events/{id}", s.handleEvents)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully and closes every QMP connection.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr, "socket_dir", s.cfg.SocketDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.agent.Close()
	s.logger.Info("shut down")
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.New("httpapi: shutdown timed out")
	}
	return err
}
