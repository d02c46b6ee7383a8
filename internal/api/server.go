// Package api provides the local control API for Tunnelpilot.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/websocket"

	"github.com/mkoehler42/tunnelpilot/internal/failover"
	"github.com/mkoehler42/tunnelpilot/internal/metrics"
	"github.com/mkoehler42/tunnelpilot/internal/session"
	"github.com/mkoehler42/tunnelpilot/internal/version"
	"github.com/mkoehler42/tunnelpilot/internal/vpn"
)

// API exposes session control and observation over HTTP.
type API struct {
	orchestrator *session.Orchestrator
	failover     *failover.Engine
	metrics      *metrics.Metrics
	hub          *EventHub
	token        string
	logger       *slog.Logger
}

// Config holds API configuration.
type Config struct {
	Orchestrator *session.Orchestrator
	Failover     *failover.Engine
	Metrics      *metrics.Metrics
	Token        string
	Logger       *slog.Logger
}

// New creates a new API server.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		orchestrator: cfg.Orchestrator,
		failover:     cfg.Failover,
		metrics:      cfg.Metrics,
		hub:          NewEventHub(),
		token:        cfg.Token,
		logger:       logger,
	}
}

// Router returns the HTTP router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if a.token != "" {
		r.Group(func(r chi.Router) {
			r.Use(a.authMiddleware)
			a.addAPIRoutes(r)
		})
	} else {
		a.addAPIRoutes(r)
	}

	// The event stream and metrics carry no auth: both are read-only
	// and bound to loopback in the default config.
	r.Handle("/api/v1/events", websocket.Handler(a.hub.ServeWS))
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}

	return r
}

func (a *API) addAPIRoutes(r chi.Router) {
	r.Get("/api/v1/state", a.handleState)
	r.Get("/api/v1/traffic", a.handleTraffic)
	r.Get("/api/v1/endpoints", a.handleEndpoints)
	r.Get("/api/v1/version", a.handleVersion)
	r.Post("/api/v1/connect", a.handleConnect)
	r.Post("/api/v1/disconnect", a.handleDisconnect)
	r.Post("/api/v1/permission", a.handlePermission)
}

// Run broadcasts state transitions and traffic samples to event stream
// subscribers until ctx is canceled.
func (a *API) Run(ctx context.Context) {
	go a.hub.Run(ctx)

	stateSub := a.orchestrator.ObserveState()
	defer stateSub.Close()
	trafficCh, cancelTraffic := a.orchestrator.ObserveTraffic()
	defer cancelTraffic()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-stateSub.States():
			if !ok {
				return
			}
			a.hub.Broadcast(EventState, a.stateResponse(st))
		case sample, ok := <-trafficCh:
			if !ok {
				return
			}
			a.hub.Broadcast(EventTraffic, sample)
		}
	}
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token != a.token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type stateResponse struct {
	State              string  `json:"state"`
	ErrorKind          string  `json:"error_kind,omitempty"`
	Detail             string  `json:"detail,omitempty"`
	Final              bool    `json:"final,omitempty"`
	RequiresPermission bool    `json:"requires_permission"`
	Server             string  `json:"server,omitempty"`
	DurationSeconds    float64 `json:"duration_seconds"`
	Time               string  `json:"time"`
}

func (a *API) stateResponse(st vpn.State) stateResponse {
	resp := stateResponse{
		State:              st.Kind.String(),
		RequiresPermission: a.orchestrator.RequiresPermission(),
		DurationSeconds:    a.orchestrator.ConnectionDuration().Seconds(),
		Time:               time.Now().Format(time.RFC3339),
	}
	if st.IsError() {
		resp.ErrorKind = st.ErrorKind.String()
		resp.Detail = st.Detail
		resp.Final = st.Final
	}
	if params := a.orchestrator.Params(); params != nil {
		resp.Server = params.Server.Host
	}
	return resp
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.stateResponse(a.orchestrator.State()))
}

func (a *API) handleTraffic(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.orchestrator.Traffic())
}

func (a *API) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"mode":   a.failover.Mode().String(),
		"status": a.failover.Status().String(),
		"pool":   a.failover.Pool(),
	}
	if current, ok := a.failover.Current(); ok {
		response["current"] = current
	}
	a.writeJSON(w, http.StatusOK, response)
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, version.GetInfo())
}

type connectRequest struct {
	// Address selects a specific endpoint from the pool. Empty means
	// automatic selection.
	Address string `json:"address"`
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	if req.Address == "" {
		err = a.failover.Connect(r.Context())
	} else {
		ep, ok := a.lookupEndpoint(req.Address)
		if !ok {
			http.Error(w, "Endpoint not found", http.StatusNotFound)
			return
		}
		err = a.failover.SelectEndpoint(r.Context(), ep)
	}

	switch {
	case err == nil:
		a.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": a.failover.Status().String(),
		})
	case errors.Is(err, failover.ErrEmptyPool), errors.Is(err, failover.ErrNoCandidate):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, session.ErrConnectInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrPermissionRequired):
		a.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":              a.failover.Status().String(),
			"requires_permission": true,
		})
	default:
		a.logger.Error("connect failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (a *API) lookupEndpoint(address string) (failover.Endpoint, bool) {
	for _, ep := range a.failover.Pool() {
		if ep.Address == address {
			return ep, true
		}
	}
	return failover.Endpoint{}, false
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a.failover.OnDisconnecting()
	if err := a.orchestrator.Disconnect(r.Context()); err != nil {
		a.logger.Error("disconnect failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.failover.OnDisconnected()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": a.orchestrator.State().Kind.String(),
	})
}

func (a *API) handlePermission(w http.ResponseWriter, r *http.Request) {
	if err := a.orchestrator.ConfirmPermission(r.Context()); err != nil {
		a.logger.Error("permission confirm failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requires_permission": a.orchestrator.RequiresPermission(),
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
