// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin serves the read-only admin API of a running broker.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"portico/internal/broker"
	"portico/internal/client"
	"portico/internal/logger"
	"portico/internal/manifest"
)

// Config configures the admin API
type Config struct {
	Address string
	// TokenSecret enables bearer-token authentication when set
	TokenSecret string
	TokenIssuer string
}

// Server handles admin API requests
type Server struct {
	broker *broker.Broker
	jwt    *JWTService
	router *mux.Router
	server *http.Server
	addr   net.Addr
	logger zerolog.Logger
}

// NewServer creates the admin API for a broker
func NewServer(b *broker.Broker, cfg Config) *Server {
	s := &Server{
		broker: b,
		logger: logger.GetLogger("admin"),
	}
	if cfg.TokenSecret != "" {
		s.jwt = NewJWTService(cfg.TokenSecret, cfg.TokenIssuer, time.Hour)
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	protected := api.NewRoute().Subrouter()
	if s.jwt != nil {
		protected.Use(s.jwt.RequireAuth)
	}
	protected.HandleFunc("/stats", s.handleStats).Methods("GET")
	protected.HandleFunc("/clients", s.handleClients).Methods("GET")
	protected.HandleFunc("/applications", s.handleApplications).Methods("GET")
	protected.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	protected.HandleFunc("/intentions", s.handleIntentions).Methods("GET")
	return router
}

// Handler returns the API's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()

	s.logger.Info().
		Str("address", s.addr.String()).
		Bool("auth", s.jwt != nil).
		Msg("Starting admin API")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin API stopped")
		}
	}()
	return nil
}

// Addr returns the address the API listens on once started
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop shuts the API down
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	status := "healthy"
	if stats.Runlevel < broker.RunlevelDispatch {
		status = "starting"
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"runlevel":  stats.Runlevel,
		"uptime":    stats.Uptime,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	app := r.URL.Query().Get("app")
	var clients []*client.Client
	if app != "" {
		clients = s.broker.Clients().ByApplication(app)
	} else {
		clients = s.broker.Clients().All()
	}

	infos := make([]client.Info, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	sendJSON(w, http.StatusOK, infos)
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	var apps []*manifest.Application
	if err := s.broker.Query(r.Context(), func() {
		apps = s.broker.Applications().All()
	}); err != nil {
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, apps)
}

func filterFromQuery(r *http.Request) manifest.Filter {
	q := r.URL.Query()
	return manifest.Filter{
		ID:              q.Get("id"),
		Type:            q.Get("type"),
		AppSymbolicName: q.Get("app"),
	}
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)
	capabilities := []*manifest.Capability{}
	if err := s.broker.Query(r.Context(), func() {
		for _, c := range s.broker.Manifests().LookupCapabilities(filter) {
			capabilities = append(capabilities, c.Clone())
		}
	}); err != nil {
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, capabilities)
}

func (s *Server) handleIntentions(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)
	intentions := []manifest.Intention{}
	if err := s.broker.Query(r.Context(), func() {
		for _, i := range s.broker.Manifests().LookupIntentions(filter) {
			intentions = append(intentions, *i)
		}
	}); err != nil {
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, intentions)
}
