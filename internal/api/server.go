package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Nazkun-hub/pancake-sub000/internal/bus"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// Server runs the HTTP control surface and the WebSocket stream.
type Server struct {
	cfg      config.APIConfig
	events   *bus.Bus
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	subID    string
	logger   *slog.Logger
}

func NewServer(cfg config.APIConfig, eng Controller, reports Reporter, health HealthProber,
	events *bus.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(eng, reports, health, hub, cfg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /strategy", handlers.HandleCreate)
	mux.HandleFunc("GET /strategy", handlers.HandleList)
	mux.HandleFunc("GET /strategy/{id}", handlers.HandleGet)
	mux.HandleFunc("POST /strategy/{id}/start", handlers.HandleStart)
	mux.HandleFunc("POST /strategy/{id}/stop", handlers.HandleStop)
	mux.HandleFunc("POST /strategy/{id}/reset", handlers.HandleReset)
	mux.HandleFunc("POST /strategy/{id}/force-exit", handlers.HandleForceExit)
	mux.HandleFunc("DELETE /strategy/{id}", handlers.HandleDelete)

	mux.HandleFunc("GET /profit-loss/summary", handlers.HandleSummary)
	mux.HandleFunc("GET /profit-loss/all", handlers.HandleAll)
	mux.HandleFunc("GET /profit-loss/instance/{id}", handlers.HandleInstanceReport)
	mux.HandleFunc("GET /profit-loss/lifecycle/{id}", handlers.HandleLifecycle)
	mux.HandleFunc("GET /profit-loss/lifecycle-summary", handlers.HandleLifecycleSummary)

	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	return &Server{
		cfg:      cfg,
		events:   events,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub, bridges bus topics onto it, and serves until Stop.
// Blocks; run it on its own goroutine.
func (s *Server) Start() error {
	go s.hub.Run()
	s.subID = s.events.Subscribe(s.forward, streamedTopics...)

	s.logger.Info("api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and disconnects stream clients.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	s.events.Unsubscribe(s.subID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.hub.Close()
	return err
}

func (s *Server) forward(ev types.Event) {
	s.hub.BroadcastFrame(frameFromEvent(ev))
}
