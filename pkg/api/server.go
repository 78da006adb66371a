/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package api serves asset snapshots and gateway health over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	srHttp "github.com/carverauto/minegate/pkg/http"
	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/snapshot"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// SnapshotProvider is the read side of the gateway.
type SnapshotProvider interface {
	GetAllAssetSnapshots() []models.AssetSnapshot
	GetAssetSnapshot(deviceID string) (models.AssetSnapshot, error)
	Health() models.HealthState
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Server is the read-only HTTP API.
type Server struct {
	addr     string
	provider SnapshotProvider
	router   *mux.Router
	log      logger.Logger

	srv *http.Server
}

// NewServer builds the API server and its routes.
func NewServer(addr string, provider SnapshotProvider, cors srHttp.CORSConfig, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewTestLogger()
	}

	s := &Server{
		addr:     addr,
		provider: provider,
		router:   mux.NewRouter(),
		log:      log,
	}

	s.router.Use(func(next http.Handler) http.Handler {
		return srHttp.CommonMiddleware(next, cors, log)
	})

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	r := s.router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/assets", s.getAssets).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/assets/{id}", s.getAsset).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/health", s.getHealth).Methods(http.MethodGet, http.MethodOptions)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	s.log.Info().Str("addr", ln.Addr().String()).Msg("API server listening")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("API server failed")
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	return s.srv.Shutdown(ctx)
}

// getAssets lists every snapshot. Optional status and kind query parameters
// filter the result.
func (s *Server) getAssets(w http.ResponseWriter, r *http.Request) {
	status := models.OperationalStatus(r.URL.Query().Get("status"))
	kind := models.DeviceKind(r.URL.Query().Get("kind"))

	all := s.provider.GetAllAssetSnapshots()
	out := make([]models.AssetSnapshot, 0, len(all))

	for i := range all {
		if status != "" && all[i].Status != status {
			continue
		}

		if kind != "" && all[i].Kind != kind {
			continue
		}

		out = append(out, all[i])
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, err := s.provider.GetAssetSnapshot(id)
	if errors.Is(err, snapshot.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("asset %q not found", id))
		return
	}

	if err != nil {
		s.log.Error().Err(err).Str("device_id", id).Msg("Failed to read asset snapshot")
		s.writeError(w, http.StatusInternalServerError, "internal server error")

		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

// getHealth answers 503 while the gateway is degraded so load balancers
// can act on it.
func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.provider.Health()

	code := http.StatusOK
	if h.Degraded() {
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, h)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Message: msg, Status: code})
}
