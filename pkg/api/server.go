package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/producer"
	"github.com/cuemby/courier/pkg/types"
)

const (
	// DefaultMaxBodyBytes caps inbound request bodies
	DefaultMaxBodyBytes = 1 << 20
	// TelemetryKeyHeader carries the telemetry routing key
	TelemetryKeyHeader = "X-Telemetry-Key"
	// DrainJob is the scheduler job triggered by POST /admin/drain
	DrainJob = "drain-telemetry"
)

// Ingester accepts inbound events
type Ingester interface {
	Ingest(ctx context.Context, req *producer.Request) (*producer.Receipt, error)
}

// Triggerer starts a scheduled job early
type Triggerer interface {
	Trigger(name string) bool
}

// Config configures the HTTP server
type Config struct {
	Addr            string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	// AdminToken guards /admin routes; empty disables them
	AdminToken string
	// TelemetryRateLimit is requests per second per telemetry key; zero disables
	TelemetryRateLimit float64
	TelemetryRateBurst int
}

// Server is the HTTP ingestion wrapper. Responses are acknowledgements only:
// 202 means the event is durably stored, any other status means it is not.
type Server struct {
	ingester Ingester
	trigger  Triggerer
	cfg      Config
	limiter  *KeyLimiter
	router   chi.Router
	http     *http.Server
}

// NewServer creates the server. trigger may be nil, which disables /admin/drain.
func NewServer(ingester Ingester, trigger Triggerer, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		ingester: ingester,
		trigger:  trigger,
		cfg:      cfg,
		limiter:  NewKeyLimiter(cfg.TelemetryRateLimit, cfg.TelemetryRateBurst),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(instrument)
		r.Post("/webhooks/{provider}", s.handleWebhook)
		r.Post("/telemetry", s.handleTelemetry)

		if s.trigger != nil && s.cfg.AdminToken != "" {
			r.With(s.requireAdmin).Post("/admin/drain", s.handleDrain)
		}
	})

	return r
}

// Start listens on cfg.Addr until Shutdown
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP API listening")
	metrics.ReportComponent("api", true, "listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.ReportComponent("api", false, err.Error())
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.ReportComponent("api", false, "shutting down")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	receipt, err := s.ingester.Ingest(r.Context(), &producer.Request{
		Source: chi.URLParam(r, "provider"),
		Header: r.Header,
		Body:   body,
	})
	respond(w, receipt, err)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(TelemetryKeyHeader)
	if key == "" {
		key = r.URL.Query().Get("key")
	}

	// Only valid keys get a limiter bucket
	if err := producer.ValidateKey(key); err != nil {
		respond(w, nil, err)
		return
	}

	if !s.limiter.Allow(key) {
		logger := log.WithComponent("api")
		logger.Warn().Str("key", key).Msg("Telemetry rate limit exceeded")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	receipt, err := s.ingester.Ingest(r.Context(), &producer.Request{
		Source: producer.SourceTelemetry,
		Key:    key,
		Header: r.Header,
		Body:   body,
	})
	respond(w, receipt, err)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	triggered := s.trigger.Trigger(DrainJob)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":       DrainJob,
		"triggered": triggered,
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readBody reads at most MaxBodyBytes and writes 413 on overflow
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return nil, false
	}
	return body, true
}

type acceptedResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func respond(w http.ResponseWriter, receipt *producer.Receipt, err error) {
	status := types.StatusCode(err)
	if err != nil {
		msg := err.Error()
		// Do not leak store details to senders
		if status >= http.StatusInternalServerError {
			msg = http.StatusText(status)
		}
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}

	writeJSON(w, status, acceptedResponse{
		Status:  "accepted",
		Channel: receipt.Channel,
		ID:      receipt.EventID,
		Type:    receipt.EventType,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
