// Package server exposes the analysis pipeline over HTTP: multipart photo
// upload, websocket progress streaming, meal history and cache management.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapcal-tech/snapcal/internal/cache"
	"github.com/snapcal-tech/snapcal/internal/history"
	"github.com/snapcal-tech/snapcal/internal/pipeline"
)

// Analyzer defines what the server needs from the pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, data []byte, mediaType string, cb pipeline.StageCallback) (*pipeline.Result, error)
	ArmOverride(fingerprint string)
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int

	// Rate limiting; zero values disable the corresponding limit.
	RequestsPerMinute int
	RequestsPerHour   int
	MaxRequestsPerDay int
	MaxDataPerDayMB   int64

	Pipeline pipeline.Config
}

// DefaultConfig returns server defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              8080,
		CORSOrigin:        "*",
		MaxUploadMB:       10,
		TimeoutSec:        180,
		RequestsPerMinute: 30,
		RequestsPerHour:   300,
		Pipeline:          pipeline.DefaultConfig(),
	}
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	analyzer    Analyzer
	cache       cache.Store
	history     history.Store
	rateLimiter *RateLimiter
	logger      *slog.Logger
	corsOrigin  string
	maxUploadMB int64
	timeoutSec  int
}

// Option customizes a Server.
type Option func(*Server)

// WithCacheStore attaches the cache store used by the cache endpoints.
func WithCacheStore(store cache.Store) Option {
	return func(s *Server) { s.cache = store }
}

// WithHistoryStore attaches the history store used by the history endpoints.
func WithHistoryStore(store history.Store) Option {
	return func(s *Server) { s.history = store }
}

// WithRateLimiter attaches a rate limiter; nil disables rate limiting.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server around an analyzer.
func NewServer(cfg Config, analyzer Analyzer, opts ...Option) *Server {
	s := &Server{
		analyzer:    analyzer,
		logger:      slog.Default(),
		corsOrigin:  cfg.CORSOrigin,
		maxUploadMB: cfg.MaxUploadMB,
		timeoutSec:  cfg.TimeoutSec,
	}
	if cfg.RequestsPerMinute > 0 || cfg.RequestsPerHour > 0 ||
		cfg.MaxRequestsPerDay > 0 || cfg.MaxDataPerDayMB > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RequestsPerMinute, cfg.RequestsPerHour,
			cfg.MaxRequestsPerDay, cfg.MaxDataPerDayMB*1024*1024)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/analyze", s.corsMiddleware(s.rateLimitMiddleware(s.analyzeHandler)))
	mux.HandleFunc("/api/v1/analyze/ws", s.analyzeWebSocketHandler)
	mux.HandleFunc("/api/v1/override", s.corsMiddleware(s.overrideHandler))
	mux.HandleFunc("/api/v1/history", s.corsMiddleware(s.historyHandler))
	mux.HandleFunc("/api/v1/history/daily", s.corsMiddleware(s.dailyTotalsHandler))
	mux.HandleFunc("/api/v1/history/", s.corsMiddleware(s.historyItemHandler))
	mux.HandleFunc("/api/v1/cache/stats", s.corsMiddleware(s.cacheStatsHandler))
	mux.HandleFunc("/api/v1/cache/purge", s.corsMiddleware(s.cachePurgeHandler))
	mux.HandleFunc("/api/v1/cache", s.corsMiddleware(s.cacheClearHandler))
}

// Response envelopes mirror the remote analysis API's shape so client code
// can share decoding logic.

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

// APIResponse is the uniform success/error envelope.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError carries a stable machine code plus human-readable messages.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Fingerprint is set on detection blocks so the client can request
	// an override.
	Fingerprint string `json:"fingerprint,omitempty"`
	// DetectedLabel names what the gate saw instead of food.
	DetectedLabel string `json:"detected_label,omitempty"`
	// Retryable hints that resubmitting the same photo may succeed.
	Retryable bool `json:"retryable,omitempty"`
}

// requestTimeout returns the per-request budget.
func (s *Server) requestTimeout() time.Duration {
	if s.timeoutSec <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(s.timeoutSec) * time.Second
}
