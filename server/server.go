// Package server exposes the pipeline over HTTP: a JSON admin API, a
// websocket endpoint for user connections, and prometheus metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaonanln/fanverse/broadcast"
	"github.com/xiaonanln/fanverse/config"
	"github.com/xiaonanln/fanverse/util/logger"
)

// Server is the HTTP front of the fan-out pipeline.
type Server struct {
	cfg        config.ServerConfig
	pipeline   *broadcast.Pipeline
	logger     *logger.Logger
	httpServer *http.Server
}

// New creates the server for an assembled pipeline.
func New(cfg config.ServerConfig, pipeline *broadcast.Pipeline) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.NewLogger("Server"),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.setupRoutes(),
	}
	return s
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/broadcasts", s.handleBroadcasts)
	mux.HandleFunc("/api/v1/broadcasts/", s.handleBroadcastOps)
	mux.HandleFunc("/api/v1/users/", s.handleUsers)
	mux.HandleFunc("/api/v1/shards/", s.handleShardCleanup)
	mux.HandleFunc("/api/v1/config/scale", s.handleScaleConfig)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Infof("HTTP server listening on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP server error: %v", err)
		}
		s.logger.Infof("HTTP server stopped")
	}()
}

// Stop shuts the HTTP server down, waiting up to the configured timeout for
// in-flight requests.
func (s *Server) Stop() error {
	timeout := s.cfg.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("HTTP server shutdown error: %v", err)
		return err
	}
	return nil
}
