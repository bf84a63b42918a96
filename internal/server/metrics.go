package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapcal_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapcal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Analysis metrics
	analyzeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapcal_analyze_requests_total",
			Help: "Total number of analysis requests",
		},
		[]string{"transport", "outcome"}, // transport: http, websocket; outcome: success, cached, blocked, error
	)

	analyzeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapcal_analyze_duration_seconds",
			Help:    "End-to-end analysis duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"transport"},
	)

	analyzeCalories = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapcal_analyze_total_calories",
			Help:    "Total calories estimated per analysis",
			Buckets: []float64{100, 250, 500, 750, 1000, 1500, 2000, 3000},
		},
	)

	gateBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapcal_gate_blocks_total",
			Help: "Total number of uploads blocked by the food gate",
		},
	)

	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapcal_cache_lookups_total",
			Help: "Total number of cache lookups by result",
		},
		[]string{"result"}, // result: hit, miss
	)

	// Rate limiting metrics
	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapcal_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"type"},
	)

	// File upload metrics
	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapcal_upload_size_bytes",
			Help:    "Size of uploaded photos in bytes",
			Buckets: []float64{10 * 1024, 100 * 1024, 500 * 1024, 1024 * 1024, 5 * 1024 * 1024, 10 * 1024 * 1024},
		},
	)

	// WebSocket metrics
	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapcal_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapcal_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: sent, received
	)
)
