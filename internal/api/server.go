package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/1sec-project/socsim/internal/core"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Version is reported by the status endpoint.
const Version = "0.3.0"

// Server is the socsim REST API server.
type Server struct {
	engine  *core.Engine
	server  *http.Server
	handler http.Handler
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer creates a new API server.
func NewServer(engine *core.Engine) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: engine,
		logger: engine.Logger.With().Str("component", "api_server").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(engine.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	v1.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)

	v1.HandleFunc("/feed/start", s.handleFeedStart).Methods(http.MethodPost)
	v1.HandleFunc("/feed/stop", s.handleFeedStop).Methods(http.MethodPost)
	v1.HandleFunc("/feed/tick", s.handleFeedTick).Methods(http.MethodPost)
	v1.HandleFunc("/feed/mute", s.handleFeedMute).Methods(http.MethodPost)
	v1.HandleFunc("/feed/restart", s.handleFeedRestart).Methods(http.MethodPost)

	v1.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}", s.handleDevice).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/actions", s.handleDeviceActionLog).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/actions", s.handleDeviceAction).Methods(http.MethodPost)

	v1.HandleFunc("/playbooks", s.handlePlaybooks).Methods(http.MethodGet)
	v1.HandleFunc("/playbooks/{id}/runs", s.handleStartRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/steps/{step}/approve", s.handleDecide(true)).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}/steps/{step}/reject", s.handleDecide(false)).Methods(http.MethodPost)
	v1.HandleFunc("/approvals", s.handleApprovals).Methods(http.MethodGet)
	v1.HandleFunc("/cases/{id}/notes", s.handleCaseNotes).Methods(http.MethodGet)

	v1.HandleFunc("/webhooks", s.handleWebhooks).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/dead-letters/{id}/retry", s.handleWebhookRetry).Methods(http.MethodPost)

	cfg := engine.Config.Server
	mws := []middleware{cors(cfg.CORSOrigins), s.logRequests}
	if cfg.RateLimit > 0 {
		mws = append(mws, s.limitRate(rate.Limit(cfg.RateLimit), cfg.RateBurst))
	}
	s.handler = chain(r, append(mws, s.authenticate)...)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving the API.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.logger.Info().Str("addr", s.server.Addr).Bool("auth", s.engine.Config.AuthEnabled()).Msg("API server listening")
	if !s.engine.Config.AuthEnabled() {
		p := s.engine.Config.DefaultPrincipal()
		s.logger.Warn().Str("principal", p.Name).Str("role", p.Role.String()).
			Msg("API keys not configured, every caller acts as the default principal (set server.api_keys or SOCSIM_API_KEY)")
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidStep),
		errors.Is(err, core.ErrInvalidParams),
		errors.Is(err, core.ErrUnknownAction),
		errors.Is(err, core.ErrInvalidSpeed):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotWaiting):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
