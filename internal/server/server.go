// Package server implements the sync service: JSON over HTTP in front of
// a keyed record store, with syncAuthor-based conflict detection and
// bearer-credential authorization.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/yiays/timewarden/internal/storage"
	"github.com/yiays/timewarden/internal/syncapi"
)

// Config holds the sync service configuration.
type Config struct {
	ListenAddr    string
	LockCacheSize int
}

// Server is the sync HTTP server.
type Server struct {
	config   Config
	store    storage.RecordStore
	locks    *lockTable
	router   *mux.Router
	server   *http.Server
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a sync server over the given record store.
func NewServer(cfg Config, store storage.RecordStore, logger zerolog.Logger) (*Server, error) {
	lockSize := cfg.LockCacheSize
	if lockSize == 0 {
		lockSize = 1024
	}
	locks, err := newLockTable(lockSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}

	s := &Server{
		config: cfg,
		store:  store,
		locks:  locks,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(loggingMiddleware(s.logger))

	s.router.HandleFunc("/api/sync/{uuid}", s.handleSync).Methods("POST")
	s.router.HandleFunc("/api/get/{uuid}", s.handleFetch).Methods("GET")
	s.router.HandleFunc("/api/auth/{uuid}", s.handleAuthorize).Methods("GET")
	s.router.HandleFunc("/api/deauth/{uuid}", s.handleDeauthorize).Methods("DELETE")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the sync server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting sync server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Sync server error")
		}
	}()
	return nil
}

// Stop gracefully stops the sync server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping sync server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("sync server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loggingMiddleware logs every request at debug level.
func loggingMiddleware(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("Request handled")
		})
	}
}

// writeJSON writes a JSON response. Every response carries the protocol
// version header.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set(syncapi.VersionHeader, syncapi.Version)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
