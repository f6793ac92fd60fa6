// Package api exposes the orchestrator's read-only query surface and the
// trading-flag switch over HTTP, plus a WebSocket stream for dashboards.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"futures-orchestrator/internal/config"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.APIConfig
	provider StateProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, provider StateProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/trading/enable", handlers.HandleTradingEnable)
	mux.HandleFunc("/trading/disable", handlers.HandleTradingDisable)
	mux.HandleFunc("/api/trading/positions", handlers.HandlePositions)
	mux.HandleFunc("/api/trading/orders", handlers.HandleOrders)
	mux.HandleFunc("/api/trading/enhanced-status", handlers.HandleEnhancedStatus)
	mux.HandleFunc("/api/trading/stats", handlers.HandleStats)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

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

// Hub exposes the WebSocket hub so the engine can broadcast events.
func (s *Server) Hub() *Hub { return s.hub }

// Start starts the API server and hub.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
