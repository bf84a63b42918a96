package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers and records request metrics.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept-Language")
		// Cache preflight results for a day to reduce OPTIONS traffic
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		next(rw, r)
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration.Seconds())
	}
}

// rateLimitMiddleware enforces rate limiting and quotas.
func (s *Server) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil {
			next(w, r)
			return
		}

		clientID := getClientIP(r)

		var uploadBytes int64
		if r.ContentLength > 0 {
			uploadBytes = r.ContentLength
		}

		if err := s.rateLimiter.Allow(clientID, uploadBytes); err != nil {
			var e *RateLimitError
			var e1 *QuotaExceededError
			switch {
			case errors.As(err, &e):
				rateLimitHits.WithLabelValues(e.Window).Inc()
			case errors.As(err, &e1):
				rateLimitHits.WithLabelValues(e1.Quota).Inc()
			}
			s.handleRateLimitError(w, err)
			return
		}

		next(w, r)
	}
}

// handleRateLimitError writes rate limit and quota errors.
func (s *Server) handleRateLimitError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var e *RateLimitError
	var e1 *QuotaExceededError
	switch {
	case errors.As(err, &e):
		w.Header().Set("X-RateLimit-Type", e.Window)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(e.Limit))
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", e.RetryAfter.Seconds()))
		w.WriteHeader(http.StatusTooManyRequests)
		response := APIResponse{Success: false, Error: &APIError{
			Code:      "RATE_LIMITED",
			Message:   e.Error(),
			Retryable: true,
		}}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			s.logger.Error("Failed to encode rate limit response", "error", err)
		}
	case errors.As(err, &e1):
		w.Header().Set("X-Quota-Type", e1.Quota)
		w.Header().Set("X-Quota-Limit", strconv.FormatInt(e1.Limit, 10))
		w.Header().Set("X-Quota-Used", strconv.FormatInt(e1.Used, 10))
		w.Header().Set("X-Quota-Resets", e1.Resets.Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
		response := APIResponse{Success: false, Error: &APIError{
			Code:    "QUOTA_EXCEEDED",
			Message: e1.Error(),
		}}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			s.logger.Error("Failed to encode quota exceeded response", "error", err)
		}
	default:
		w.WriteHeader(http.StatusInternalServerError)
		response := APIResponse{Success: false, Error: &APIError{
			Code:    "INTERNAL",
			Message: "Rate limiting check failed",
		}}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			s.logger.Error("Failed to encode internal error response", "error", err)
		}
	}
}

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs; take the first one
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// requestLanguage picks the UI language for error messages.
func requestLanguage(r *http.Request) string {
	if lang := r.URL.Query().Get("lang"); lang != "" {
		return lang
	}
	return r.Header.Get("Accept-Language")
}
