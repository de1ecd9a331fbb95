// Package http exposes the hub's REST API: device registration and
// inspection, command dispatch with synchronous result delivery, reading
// queries and the operational probe endpoints.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/afehub-io/afehub/internal/pkg/metrics"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/options"
)

// Server wraps the stdlib http.Server with lifecycle handling that fits
// the errgroup-managed hub.
type Server struct {
	server  *http.Server
	options *options.HttpOptions
	logger  log.Logger
}

// NewServer builds the API router around the handler set.
func NewServer(opts *options.HttpOptions, h *Handlers) *Server {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/devices", h.registerDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", h.getDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/config", h.updateConfig).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}/heartbeat", h.postHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/commands", h.postCommand).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/readings", h.listReadings).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.HandleFunc("/readyz", h.ready)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:    opts.Addr,
			Handler: r,
		},
		options: opts,
		logger:  log.WithName("http"),
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx ends, then drains with a shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
