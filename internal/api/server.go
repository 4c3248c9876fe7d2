// Package api exposes the HTTP interface for the hub.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/batch"
	"github.com/JakeFAU/rankhub/internal/config"
	"github.com/JakeFAU/rankhub/internal/coordinator"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/health"
	"github.com/JakeFAU/rankhub/internal/lease"
	"github.com/JakeFAU/rankhub/internal/metrics"
	"github.com/JakeFAU/rankhub/internal/registry"
	"github.com/JakeFAU/rankhub/internal/rolling"
	"github.com/JakeFAU/rankhub/internal/store"
)

// Lookups runs interactive rank lookups.
type Lookups interface {
	SubmitLookup(ctx context.Context, req coordinator.LookupRequest) (coordinator.LookupResponse, error)
	Stats() coordinator.Stats
}

// Batch is the batch claim surface exposed to workers.
type Batch interface {
	ClaimUnits(ctx context.Context, requester string, desired int) ([]fleet.WorkUnit, error)
	ReportResult(ctx context.Context, res store.CheckResult) (int, error)
	ReportFailure(ctx context.Context, rec store.FailureRecord) (batch.FailureReport, error)
	Renew(requester string, units []fleet.WorkUnit) []string
	CheckInfo(ctx context.Context, unit fleet.WorkUnit) (store.CheckInfo, error)
	Status() lease.Status
}

// Agents lists registered agents for diagnostics.
type Agents interface {
	List() []fleet.Agent
	Stats(queueLength, activeTasks int) registry.Stats
}

// HealthView reports heartbeat health for diagnostics.
type HealthView interface {
	Snapshot() []health.Status
}

// RollingView reports selector bookkeeping for diagnostics.
type RollingView interface {
	Stats() []rolling.AgentStat
}

// Deps bundles the server's collaborators. Store and AgentChannel are optional.
type Deps struct {
	Lookups      Lookups
	Batch        Batch
	Agents       Agents
	Health       HealthView
	Rolling      RollingView
	Store        store.Pinger
	AgentChannel http.Handler
	Clock        fleet.Clock
	Logger       *zap.Logger
}

// Server wires HTTP handlers to the hub's services.
type Server struct {
	router    chi.Router
	deps      Deps
	cfg       config.Config
	browsers  map[fleet.Capability]bool
	supported []string
	startedAt time.Time
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Lookups == nil || deps.Batch == nil || deps.Agents == nil || deps.Health == nil || deps.Rolling == nil {
		return nil, errors.New("api: lookups, batch, agents, health and rolling are required")
	}
	if deps.Clock == nil {
		return nil, errors.New("api: clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	capabilities, err := cfg.Browsers()
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	s := &Server{
		deps:      deps,
		cfg:       cfg,
		browsers:  make(map[fleet.Capability]bool, len(capabilities)),
		startedAt: deps.Clock.Now(),
		logger:    logger,
	}
	for _, c := range capabilities {
		s.browsers[c] = true
		s.supported = append(s.supported, string(c))
	}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())
	if deps.AgentChannel != nil {
		// Long-lived, so it stays out of the timeout group but still needs the key.
		var channel http.Handler = deps.AgentChannel
		if cfg.Auth.Enabled {
			channel = apiKeyMiddleware(cfg.Auth.APIKey)(channel)
		}
		r.Handle("/ws/agent", channel)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/lookup", s.lookupQuery)
			r.Post("/lookup", s.lookupBody)

			r.Route("/agents", func(r chi.Router) {
				r.Get("/status", s.agentsStatus)
				r.Get("/health", s.agentsHealth)
				r.Get("/rolling-status", s.rollingStatus)
			})
			r.Get("/locks/status", s.locksStatus)

			r.Route("/internal/batch", func(r chi.Router) {
				r.Post("/claim", s.batchClaim)
				r.Post("/renew", s.batchRenew)
				r.Post("/result", s.batchResult)
				r.Post("/failure", s.batchFailure)
				r.Get("/check-info", s.batchCheckInfo)
				r.Get("/status", s.batchStatus)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("readiness ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	now := s.deps.Clock.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   s.cfg.Server.ServiceName,
		"version":   s.cfg.Server.Version,
		"uptime":    now.Sub(s.startedAt).Seconds(),
		"timestamp": now.UTC(),
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
					)
					writeError(w, http.StatusInternalServerError, fleet.CodeInternal, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"success":false,"error":{"code":"TIMEOUT","message":"request timed out"}}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requestAPIKey(r) != expected {
				writeError(w, http.StatusForbidden, codeUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestAPIKey reads the caller's key from the X-API-Key header or the api_key query parameter.
func requestAPIKey(r *http.Request) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return key
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
