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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"vendlink/internal/liaison"
	"vendlink/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// Liaison is the part of the device liaison the REST layer calls into
type Liaison interface {
	HealthCheck(ctx context.Context, hardwareID string) (liaison.HealthResult, error)
	NotifyIfRestock(ctx context.Context, hardwareID string) error
	GetLocation(hardwareID string) (liaison.Location, bool)
	Stats() liaison.Stats
}

// MachineStore is the vending machine persistence used by the REST layer
type MachineStore interface {
	CreateVendingMachine(ctx context.Context, vm *VendingMachine) (*VendingMachine, error)
	GetVendingMachine(ctx context.Context, id string) (*VendingMachine, error)
	SetDeviceMode(ctx context.Context, id string, mode liaison.DeviceMode) error
	Ping(ctx context.Context) error
}

// APIServer handles REST API requests
type APIServer struct {
	liaison        Liaison
	store          MachineStore
	logger         zerolog.Logger
	server         *http.Server
	timeout        time.Duration
	allowedOrigins []string
}

// LocationResponse is the body of GET /mqtt/location/{vmId}
type LocationResponse struct {
	HardwareID  string      `json:"hardwareId"`
	Location    Coordinates `json:"location"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Stats      liaison.Stats     `json:"stats"`
	Timestamp  string            `json:"timestamp"`
}

type createMachineRequest struct {
	ID          string `json:"vm_id"`
	Name        string `json:"vm_name"`
	OrgID       string `json:"org_id"`
	RowCount    int    `json:"vm_row_count"`
	ColumnCount int    `json:"vm_column_count"`
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

// NewAPIServer creates a new API server
func NewAPIServer(l Liaison, store MachineStore, config *GatewayConfig) *APIServer {
	return &APIServer{
		liaison:        l,
		store:          store,
		logger:         logger.Component("api"),
		timeout:        config.GetAPITimeout(),
		allowedOrigins: config.Server.API.AllowedOrigins,
	}
}

// Router builds the full handler chain: recovery, CORS, compression,
// request ids, access logging and the routes.
func (api *APIServer) Router() http.Handler {
	router := mux.NewRouter()

	router.Use(api.requestIDMiddleware)
	router.Use(api.loggingMiddleware)

	// Device liaison
	router.HandleFunc("/mqtt/health/{vmId}", api.handleHealthCheck).Methods("GET")
	router.HandleFunc("/mqtt/restock/{vmId}", api.handleRestock).Methods("POST")
	router.HandleFunc("/mqtt/location/{vmId}", api.handleLocation).Methods("GET")

	// Vending machines
	router.HandleFunc("/vending-machines", api.handleCreateMachine).Methods("POST")
	router.HandleFunc("/vending-machines/{vmId}", api.handleGetMachine).Methods("GET")
	router.HandleFunc("/vending-machines/{vmId}/mode", api.handleSetMode).Methods("PUT")
	router.HandleFunc("/vending-machines/{vmId}/status", api.handleHealthCheck).Methods("GET")

	// Health check
	router.HandleFunc("/health", api.handleHealth).Methods("GET")

	cors := handlers.CORS(
		handlers.AllowedOrigins(api.allowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", requestIDHeader}),
	)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: api.logger}),
		handlers.PrintRecoveryStack(true),
	)(cors(handlers.CompressHandler(router)))
}

// Start starts the HTTP API server
func (api *APIServer) Start(address string) error {
	timeout := api.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	api.server = &http.Server{
		Addr:         address,
		Handler:      api.Router(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  60 * time.Second,
	}

	api.logger.Info().
		Str("address", address).
		Msg("Starting API server")

	if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server, letting in-flight requests finish
func (api *APIServer) Stop(ctx context.Context) error {
	if api.server != nil {
		return api.server.Shutdown(ctx)
	}
	return nil
}

// Middleware
func (api *APIServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(requestIDHeader) == "" {
			r.Header.Set(requestIDHeader, uuid.New().String())
		}
		w.Header().Set(requestIDHeader, r.Header.Get(requestIDHeader))
		next.ServeHTTP(w, r)
	})
}

func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		api.logger.Info().
			Str("request_id", r.Header.Get(requestIDHeader)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}

// Response helpers
func (api *APIServer) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (api *APIServer) sendError(w http.ResponseWriter, status int, message string) {
	api.sendJSON(w, status, map[string]string{"error": message})
}

// Device liaison endpoints
func (api *APIServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	vmID := mux.Vars(r)["vmId"]

	result, err := api.liaison.HealthCheck(r.Context(), vmID)
	if err != nil {
		api.logger.Error().Err(err).Str("hardware_id", vmID).Msg("Health check failed")
		api.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.sendJSON(w, http.StatusOK, result)
}

func (api *APIServer) handleRestock(w http.ResponseWriter, r *http.Request) {
	vmID := mux.Vars(r)["vmId"]

	if err := api.liaison.NotifyIfRestock(r.Context(), vmID); err != nil {
		api.logger.Error().Err(err).Str("hardware_id", vmID).Msg("Restock notification failed")
		api.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (api *APIServer) handleLocation(w http.ResponseWriter, r *http.Request) {
	vmID := mux.Vars(r)["vmId"]

	loc, ok := api.liaison.GetLocation(vmID)
	if !ok {
		api.sendError(w, http.StatusNotFound, "Location not available")
		return
	}

	api.sendJSON(w, http.StatusOK, LocationResponse{
		HardwareID:  vmID,
		Location:    Coordinates{Lat: loc.Lat, Lng: loc.Lng},
		LastUpdated: loc.LastUpdated,
	})
}

// Vending machine endpoints
func (api *APIServer) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ID == "" || req.Name == "" {
		api.sendError(w, http.StatusBadRequest, "vm_id and vm_name are required")
		return
	}
	if req.RowCount < 0 || req.ColumnCount < 0 {
		api.sendError(w, http.StatusBadRequest, "vm_row_count and vm_column_count must not be negative")
		return
	}

	vm, err := api.store.CreateVendingMachine(r.Context(), &VendingMachine{
		ID:          req.ID,
		Name:        req.Name,
		OrgID:       req.OrgID,
		RowCount:    req.RowCount,
		ColumnCount: req.ColumnCount,
	})
	if errors.Is(err, ErrDuplicateMachine) {
		api.sendError(w, http.StatusBadRequest, "Vending machine ID already exists")
		return
	}
	if err != nil {
		api.logger.Error().Err(err).Str("hardware_id", req.ID).Msg("Failed to create vending machine")
		api.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.sendJSON(w, http.StatusCreated, vm)
}

func (api *APIServer) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	vmID := mux.Vars(r)["vmId"]

	vm, err := api.store.GetVendingMachine(r.Context(), vmID)
	if errors.Is(err, liaison.ErrDeviceNotFound) {
		api.sendError(w, http.StatusNotFound, "Vending machine not found")
		return
	}
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.sendJSON(w, http.StatusOK, vm)
}

func (api *APIServer) handleSetMode(w http.ResponseWriter, r *http.Request) {
	vmID := mux.Vars(r)["vmId"]

	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	mode, err := liaison.ParseDeviceMode(req.Mode)
	if err != nil {
		api.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = api.store.SetDeviceMode(r.Context(), vmID, mode)
	if errors.Is(err, liaison.ErrDeviceNotFound) {
		api.sendError(w, http.StatusNotFound, "Vending machine not found")
		return
	}
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.logger.Info().Str("hardware_id", vmID).Str("mode", string(mode)).Msg("Device mode updated")
	api.sendJSON(w, http.StatusOK, map[string]string{"vm_id": vmID, "vm_mode": string(mode)})
}

func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := api.liaison.Stats()

	components := map[string]string{
		"mqtt":     "connected",
		"database": "healthy",
	}
	status := "healthy"

	if !stats.Connected {
		components["mqtt"] = "disconnected"
		status = "degraded"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := api.store.Ping(ctx); err != nil {
		components["database"] = "unhealthy"
		status = "degraded"
	}

	api.sendJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Components: components,
		Stats:      stats,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}
