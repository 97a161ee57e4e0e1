// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/kot-relay/internal/cloud"
	"github.com/jeranaias/kot-relay/internal/config"
	"github.com/jeranaias/kot-relay/internal/history"
	"github.com/jeranaias/kot-relay/internal/relay"
	"github.com/jeranaias/kot-relay/internal/storage"
	"github.com/jeranaias/kot-relay/internal/uploads"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultMaxRequestBodySize caps JSON request bodies (5MB).
	DefaultMaxRequestBodySize = 5 * 1024 * 1024

	// multipartOverhead is the slack allowed on top of file bytes for
	// multipart boundaries and headers.
	multipartOverhead = 1 * 1024 * 1024

	// modelsTimeout bounds the upstream model list fetch.
	modelsTimeout = 10 * time.Second
)

// Version is reported by /health. main overrides it at startup.
var Version = "1.0.0"

// ModelLister is the part of the upstream client the HTTP surface needs.
type ModelLister interface {
	ListModels(ctx context.Context) []cloud.ModelInfo
	IsConfigured() bool
}

// ============================================================================
// SERVER
// ============================================================================

// Deps are the services the HTTP surface routes to. All are required.
type Deps struct {
	History  *history.Store
	Sessions *storage.SessionStore
	Uploads  *uploads.Store
	Models   ModelLister
	Relay    *relay.Relay
}

// Server is the HTTP front of the relay: the JSON API, the websocket
// endpoint and uploaded file serving.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *http.ServeMux
	server *http.Server

	limiter *RateLimiter

	mu sync.RWMutex
}

// New creates a Server and registers its routes.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  http.NewServeMux(),
		limiter: NewRateLimiter(cfg.Limits.RateLimitRequests, cfg.Limits.RateLimitWindow.Duration),
	}
	s.setupRoutes()
	return s
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	api := http.NewServeMux()

	// Live transcript
	api.HandleFunc("GET /api/chat-history", s.handleChatHistory)

	// Saved sessions
	api.HandleFunc("GET /api/saved-chats", s.handleSavedChats)
	api.HandleFunc("POST /api/save-chat", s.handleSaveChat)
	api.HandleFunc("GET /api/load-chat/{chatId}", s.handleLoadChat)
	api.HandleFunc("DELETE /api/delete-chat/{chatId}", s.handleDeleteChat)
	api.HandleFunc("PUT /api/rename-chat/{chatId}", s.handleRenameChat)
	api.HandleFunc("GET /api/export-chat/{chatId}", s.handleExportChat)

	// Upstream
	api.HandleFunc("GET /api/models", s.handleModels)
	api.HandleFunc("GET /api/check-openrouter", s.handleModels)

	// Files
	api.HandleFunc("GET /api/check-file", s.handleCheckFile)
	api.HandleFunc("GET /api/file-content", s.handleFileContent)
	api.HandleFunc("POST /api/upload", s.handleUpload)

	api.HandleFunc("/api/", s.handleAPINotFound)

	s.router.Handle("/api/", RateLimitMiddleware(s.limiter)(api))
	s.router.HandleFunc("GET /ws", s.deps.Relay.ServeWS)
	s.router.HandleFunc("GET "+uploads.URLPrefix, s.handleUploadedFile)
	s.router.HandleFunc("GET /health", s.handleHealth)

	if dir := s.cfg.Server.StaticDir; dir != "" {
		s.router.Handle("/", staticHandler(dir))
	}
}

// staticHandler serves the web client from dir. It is registered without a
// method so the /api/ subtree stays the more specific pattern.
func staticHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		files.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		CORSMiddleware(DefaultCORSConfig(s.cfg.Server.AllowedOrigins)),
		LoggingMiddleware(log.Default()),
	)(s.router)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: s.cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  s.cfg.Server.IdleTimeout.Duration,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	log.Printf("SERVER_START | addr=%s version=%s", ln.Addr(), Version)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes websocket connections and waits
// for in-flight work until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	s.limiter.Stop()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// http.Server.Shutdown does not track hijacked connections.
	if err := s.deps.Relay.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Upstream        string `json:"upstream"`
	Connections     int    `json:"connections"`
	HistoryMessages int    `json:"history_messages"`
	SavedSessions   int    `json:"saved_sessions"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:          "ok",
		Version:         Version,
		Upstream:        "not_configured",
		Connections:     s.deps.Relay.Connections(),
		HistoryMessages: s.deps.History.Len(),
		SavedSessions:   s.deps.Sessions.Count(),
	}
	if s.deps.Models.IsConfigured() {
		health.Upstream = "configured"
	}
	writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_ENCODE_FAILED | error=%v", err)
	}
}

// errorResponse is the body of every API error.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: message})
}

// decodeJSON reads a capped JSON body into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	limit := s.cfg.Limits.MaxRequestBodyBytes
	if limit <= 0 {
		limit = DefaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeDecodeError answers a failed decodeJSON.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid JSON body")
}
