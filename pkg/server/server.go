// Package server exposes the bridge's state and actions over an HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chargebridge/chargebridge/pkg/bridge"
	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/config"
	"github.com/chargebridge/chargebridge/pkg/log"
	"github.com/chargebridge/chargebridge/pkg/metrics"
	"github.com/chargebridge/chargebridge/pkg/storage"
	"github.com/chargebridge/chargebridge/pkg/types"
)

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API for the bridge.
type Server struct {
	bridge     *bridge.Bridge
	storage    storage.Database
	instanceID string

	listenAddr string
	httpServer *http.Server

	oidcAudience string
	verify       tokenVerifier
	registry     *prometheus.Registry
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(b *bridge.Bridge, db storage.Database, cfg *config.Config) *Server {
	srv := &Server{
		bridge:  b,
		storage: db,
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "Google OIDC audience to validate for /api/ requests (empty disables auth)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.oidcAudience = *oidcAudience
		srv.instanceID = cfg.Settings().InstanceID
		if srv.oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.verify = provider.Verifier(&oidc.Config{ClientID: srv.oidcAudience}).Verify
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/chargepoints", s.handleChargepoints)
	apiMux.HandleFunc("GET /api/connectors/{id}/operational", s.handleOperational)
	apiMux.HandleFunc("GET /api/connectors/{id}/ecomode", s.handleGetEcoMode)
	apiMux.HandleFunc("PATCH /api/connectors/{id}/ecomode", s.handlePatchEcoMode)
	apiMux.HandleFunc("POST /api/connectors/{id}/charging/start", s.handleStartCharging)
	apiMux.HandleFunc("POST /api/connectors/{id}/charging/stop", s.handleStopCharging)
	apiMux.HandleFunc("POST /api/connectors/{id}/maxcurrent", s.handleSetMaxCurrent)
	apiMux.HandleFunc("POST /api/connectors/{id}/reset", s.handleReset)
	apiMux.HandleFunc("GET /api/history/actions", s.handleActionHistory)
	apiMux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector())
		s.registry.MustRegister(metrics.NewCollector(s.bridge))
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// writeActionError maps API client errors onto HTTP statuses, surfacing the
// provider's message for the request-level errors a caller can act on.
func writeActionError(w http.ResponseWriter, err error) {
	var forbidden *cloudcharge.ForbiddenError
	var badRequest *cloudcharge.BadRequestError
	var auth *cloudcharge.AuthError
	switch {
	case errors.As(err, &forbidden):
		writeJSONError(w, forbidden.Message, http.StatusForbidden)
	case errors.As(err, &badRequest):
		writeJSONError(w, badRequest.Message, http.StatusBadRequest)
	case errors.As(err, &auth):
		writeJSONError(w, "re-authentication required", http.StatusUnauthorized)
	default:
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

type chargepointResponse struct {
	Chargepoint types.Chargepoint `json:"chargepoint"`
	LastSuccess time.Time         `json:"lastSuccess"`
}

func (s *Server) handleChargepoints(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]chargepointResponse)
	for id, cpc := range s.bridge.Chargepoints() {
		cp, ok := cpc.Data()
		if !ok {
			continue
		}
		out[id] = chargepointResponse{
			Chargepoint: cp,
			LastSuccess: cpc.LastSuccess(),
		}
	}
	writeJSON(w, out)
}

type operationalResponse struct {
	Operational types.OperationalData `json:"operational"`
	IsCharging  bool                  `json:"isCharging"`
	LastSuccess time.Time             `json:"lastSuccess"`
	Interval    string                `json:"interval"`
}

func (s *Server) handleOperational(w http.ResponseWriter, r *http.Request) {
	oc := s.bridge.Operational(r.PathValue("id"))
	if oc == nil {
		writeJSONError(w, "unknown connector", http.StatusNotFound)
		return
	}
	od, ok := oc.Data()
	if !ok {
		writeJSONError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, operationalResponse{
		Operational: od,
		IsCharging:  oc.IsCharging(),
		LastSuccess: oc.LastSuccess(),
		Interval:    oc.Interval().String(),
	})
}

type ecoModeResponse struct {
	Configuration types.EcoModeConfiguration `json:"configuration"`
	PendingEdit   bool                       `json:"pendingEdit"`
	Saving        bool                       `json:"saving"`
	LastSuccess   time.Time                  `json:"lastSuccess"`
}

func (s *Server) handleGetEcoMode(w http.ResponseWriter, r *http.Request) {
	ec := s.bridge.EcoMode(r.PathValue("id"))
	if ec == nil {
		writeJSONError(w, "unknown connector or eco mode unsupported", http.StatusNotFound)
		return
	}
	view, ok := ec.View()
	if !ok {
		writeJSONError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, ecoModeResponse{
		Configuration: view,
		PendingEdit:   ec.HasPendingEdit(),
		Saving:        ec.IsSaving(),
		LastSuccess:   ec.LastSuccess(),
	})
}

// ecoModePatch is a partial eco mode update; nil fields are left unchanged.
type ecoModePatch struct {
	Active            *bool                      `json:"active"`
	PickupTimeEnabled *bool                      `json:"pickupTimeEnabled"`
	HoursToCharge     *int                       `json:"hoursToCharge"`
	DayOfWeekMap      map[string]json.RawMessage `json:"dayOfWeekMap"`
}

func (s *Server) handlePatchEcoMode(w http.ResponseWriter, r *http.Request) {
	ec := s.bridge.EcoMode(r.PathValue("id"))
	if ec == nil {
		writeJSONError(w, "unknown connector or eco mode unsupported", http.StatusNotFound)
		return
	}

	var patch ecoModePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	days := make(map[string]*int, len(patch.DayOfWeekMap))
	for day, raw := range patch.DayOfWeekMap {
		if !validWeekday(day) {
			writeJSONError(w, fmt.Sprintf("invalid weekday: %s", day), http.StatusBadRequest)
			return
		}
		if string(raw) == "null" {
			days[day] = nil
			continue
		}
		var hour int
		if err := json.Unmarshal(raw, &hour); err != nil || hour < 0 || hour > 23 {
			writeJSONError(w, fmt.Sprintf("invalid hour for %s", day), http.StatusBadRequest)
			return
		}
		days[day] = &hour
	}

	err := s.bridge.EditEcoMode(r.Context(), r.PathValue("id"), patchDetail(patch), func(config *types.EcoModeConfiguration) {
		if patch.Active != nil {
			config.Active = *patch.Active
		}
		if patch.PickupTimeEnabled != nil {
			config.PickupTimeEnabled = *patch.PickupTimeEnabled
		}
		if patch.HoursToCharge != nil {
			config.HoursToCharge = *patch.HoursToCharge
		}
		if len(days) > 0 && config.DayOfWeekMap == nil {
			config.DayOfWeekMap = make(map[string]*int, len(days))
		}
		for day, hour := range days {
			config.DayOfWeekMap[day] = hour
		}
	})
	if err != nil {
		writeActionError(w, err)
		return
	}

	view, _ := ec.View()
	writeJSON(w, ecoModeResponse{
		Configuration: view,
		PendingEdit:   ec.HasPendingEdit(),
		Saving:        ec.IsSaving(),
		LastSuccess:   ec.LastSuccess(),
	})
}

// patchDetail summarizes which fields an eco mode patch touched.
func patchDetail(patch ecoModePatch) string {
	var fields []string
	if patch.Active != nil {
		fields = append(fields, fmt.Sprintf("active=%t", *patch.Active))
	}
	if patch.PickupTimeEnabled != nil {
		fields = append(fields, fmt.Sprintf("pickupTimeEnabled=%t", *patch.PickupTimeEnabled))
	}
	if patch.HoursToCharge != nil {
		fields = append(fields, fmt.Sprintf("hoursToCharge=%d", *patch.HoursToCharge))
	}
	if len(patch.DayOfWeekMap) > 0 {
		fields = append(fields, fmt.Sprintf("days=%d", len(patch.DayOfWeekMap)))
	}
	return strings.Join(fields, " ")
}

func validWeekday(day string) bool {
	for _, d := range types.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

func (s *Server) handleStartCharging(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.StartCharging(r.Context(), r.PathValue("id")); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *Server) handleStopCharging(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.StopCharging(r.Context(), r.PathValue("id")); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *Server) handleSetMaxCurrent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Current int `json:"current"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Current <= 0 {
		writeJSONError(w, "current must be positive", http.StatusBadRequest)
		return
	}
	if err := s.bridge.SetMaxCurrent(r.Context(), r.PathValue("id"), body.Current); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	typ := cloudcharge.ResetType(r.URL.Query().Get("type"))
	if typ == "" {
		typ = cloudcharge.ResetSoft
	}
	if typ != cloudcharge.ResetSoft && typ != cloudcharge.ResetHard {
		writeJSONError(w, "type must be soft or hard", http.StatusBadRequest)
		return
	}
	if err := s.bridge.ResetConnector(r.Context(), r.PathValue("id"), typ); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *Server) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil || s.instanceID == "" {
		writeJSONError(w, "action history not available", http.StatusNotFound)
		return
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid start", http.StatusBadRequest)
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid end", http.StatusBadRequest)
			return
		}
		end = t
	}

	actions, err := s.storage.GetActionHistory(r.Context(), s.instanceID, start, end)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to fetch action history", slog.Any("error", err))
		writeJSONError(w, "failed to fetch action history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, actions)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bridge.Diagnostics(r.Context()))
}
