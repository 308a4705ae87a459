package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"krw-autopilot/internal/config"
	"krw-autopilot/internal/metrics"
	"krw-autopilot/pkg/types"
)

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      config.DashboardConfig
	provider StateProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. The metrics handler is optional.
func NewServer(
	cfg config.DashboardConfig,
	provider StateProvider,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/state", handlers.HandleState)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", m.Handler())

	// Serve static files (web dashboard)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server. Stream connections are attached to the
// hub as they arrive; there is no hub loop to launch.
func (s *Server) Start() error {
	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// PushState broadcasts a fresh snapshot to all connected clients.
func (s *Server) PushState(state AutopilotState) {
	s.hub.BroadcastSnapshot(state)
}

// PushEvent broadcasts one timeline event to all connected clients.
func (s *Server) PushEvent(evt types.TimelineEvent) {
	s.hub.BroadcastEvent(evt)
}
