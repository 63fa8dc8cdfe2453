package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"device-hub/internal/config"
)

// Server is the HTTP API server exposing device and circuit operations.
type Server struct {
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates the API server over the given device service.
func NewServer(cfg config.APIConfig, service DeviceService, logger *logrus.Logger, version string) *Server {
	server := &Server{
		logger: logger,
		router: mux.NewRouter(),
	}

	wsManager := NewWSManager(logger)
	server.handlers = NewHandlers(service, wsManager, logger, version)

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      server.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
	}

	return server
}

// WSManager exposes the WebSocket manager so the hub can attach its
// status-change callback.
func (s *Server) WSManager() *WSManager {
	return s.handlers.wsManager
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")

	s.handlers.wsManager.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully stops the server and the WebSocket manager.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.handlers.wsManager.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("API server shutdown complete")
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(loggingMiddleware(s.logger))
	s.router.Use(recoveryMiddleware(s.logger))
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handlers.HealthCheck).Methods("GET")

	api.HandleFunc("/devices", s.handlers.RegisterDevice).Methods("POST")
	api.HandleFunc("/devices", s.handlers.ListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}/status", s.handlers.GetDeviceStatus).Methods("GET")
	api.HandleFunc("/devices/{id}/commands", s.handlers.SendCommand).Methods("POST")
	api.HandleFunc("/devices/{id}", s.handlers.RemoveDevice).Methods("DELETE")

	api.HandleFunc("/circuits", s.handlers.GetCircuits).Methods("GET")
	api.HandleFunc("/circuits/{name}/reset", s.handlers.ResetCircuit).Methods("POST")

	api.HandleFunc("/audit", s.handlers.GetAudit).Methods("GET")

	api.HandleFunc("/ws", s.handlers.WebSocket).Methods("GET")
}
