package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dropcode-go/internal/config"
	"dropcode-go/internal/database"
	"dropcode-go/internal/files"
	"dropcode-go/internal/geoip"
	"dropcode-go/internal/session"

	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server and its dependencies
type Server struct {
	config   *config.Config
	db       *database.DB
	deps     *Dependencies
	geo      *geoip.Locator
	sessions *session.Manager
	handler  *files.Handler
	worker   *files.CleanupWorker
}

// NewServer wires the file service and its background worker.
func NewServer(ctx context.Context, cfg *config.Config, db *database.DB) (*Server, error) {
	deps, err := NewDependencies(ctx, cfg, db)
	if err != nil {
		return nil, err
	}

	geo := geoip.Open(cfg.GeoIPPath)

	return &Server{
		config:   cfg,
		db:       db,
		deps:     deps,
		geo:      geo,
		sessions: session.NewManager(cfg.Secret, cfg.SessionTTL, cfg.Env == "production"),
		handler:  files.NewHandler(deps.Service, geo),
		worker:   files.NewCleanupWorker(deps.Service.Lifecycle(), cfg.Cleanup.Interval, cfg.Cleanup.PurgeInterval),
	}, nil
}

// Start starts the cleanup worker and returns the configured HTTP server.
func (s *Server) Start(ctx context.Context) (*http.Server, error) {
	s.worker.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.RegisterRoutes(),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      10 * time.Minute,
	}

	log.Info().
		Int("port", s.config.Port).
		Str("env", s.config.Env).
		Msg("starting server")

	return srv, nil
}

// Close stops the worker and releases every client.
func (s *Server) Close() {
	s.worker.Stop()
	s.geo.Close()
	s.deps.Close()
}

// sendJSON sends a JSON response with consistent formatting
func (s *Server) sendJSON(w http.ResponseWriter, status int, success bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := APIResponse{
		Success: success,
		Message: message,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("error encoding JSON response")
	}
}
