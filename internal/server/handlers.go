package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snapcal-tech/snapcal/internal/pipeline"
	"github.com/snapcal-tech/snapcal/internal/version"
)

// healthHandler reports service liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// analyzeHandler accepts a photo (multipart field "photo", or a raw image
// body) and runs it through the pipeline.
func (s *Server) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}

	data, mediaType, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_UPLOAD", err.Error())
		return
	}
	uploadSizeBytes.Observe(float64(len(data)))

	ctx, cancel := contextWithTimeout(r, s.requestTimeout())
	defer cancel()

	start := time.Now()
	result, err := s.analyzer.Analyze(ctx, data, mediaType, nil)
	analyzeDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())

	if err != nil {
		s.writeAnalyzeError(w, r, "http", err)
		return
	}

	outcome := "success"
	if result.FromCache {
		outcome = "cached"
		cacheHitsTotal.WithLabelValues("hit").Inc()
	} else {
		cacheHitsTotal.WithLabelValues("miss").Inc()
		analyzeCalories.Observe(float64(result.Analysis.TotalCalories))
	}
	analyzeRequestsTotal.WithLabelValues("http", outcome).Inc()

	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: result})
}

// writeAnalyzeError translates pipeline errors into the API envelope.
func (s *Server) writeAnalyzeError(w http.ResponseWriter, r *http.Request, transport string, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		analyzeRequestsTotal.WithLabelValues(transport, "error").Inc()
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "analysis failed")
		return
	}

	status, code := statusForKind(perr.Kind)
	apiErr := &APIError{
		Code:          code,
		Message:       pipeline.UserMessage(perr, requestLanguage(r)),
		Fingerprint:   perr.Fingerprint,
		DetectedLabel: perr.DetectedLabel,
		Retryable:     perr.Retryable(),
	}

	if perr.Kind == pipeline.KindNotFoodBlocked {
		gateBlocksTotal.Inc()
		analyzeRequestsTotal.WithLabelValues(transport, "blocked").Inc()
	} else {
		analyzeRequestsTotal.WithLabelValues(transport, "error").Inc()
	}

	s.writeJSON(w, status, APIResponse{Success: false, Error: apiErr})
}

// statusForKind maps pipeline error kinds to HTTP status and API code.
func statusForKind(kind pipeline.ErrorKind) (int, string) {
	switch kind {
	case pipeline.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT"
	case pipeline.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"
	case pipeline.KindDecodeError:
		return http.StatusBadRequest, "DECODE_ERROR"
	case pipeline.KindCompressionFailed:
		return http.StatusInternalServerError, "COMPRESSION_FAILED"
	case pipeline.KindNotFoodBlocked:
		return http.StatusUnprocessableEntity, "NOT_FOOD"
	case pipeline.KindImageUnclear:
		return http.StatusUnprocessableEntity, "IMAGE_UNCLEAR"
	case pipeline.KindRemoteNotFood:
		return http.StatusUnprocessableEntity, "NOT_FOOD"
	case pipeline.KindNoFoodDetected:
		return http.StatusUnprocessableEntity, "NO_FOOD_DETECTED"
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout, "TIMEOUT"
	case pipeline.KindNetwork:
		return http.StatusBadGateway, "UPSTREAM_UNREACHABLE"
	case pipeline.KindServer:
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	case pipeline.KindCanceled:
		return http.StatusRequestTimeout, "CANCELED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// readUpload extracts the photo bytes and media type from the request.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	maxBytes := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if strings.HasPrefix(contentType, "multipart/") {
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return nil, "", err
		}
		file, header, err := r.FormFile("photo")
		if err != nil {
			// Accept "image" as an alternate field name.
			file, header, err = r.FormFile("image")
			if err != nil {
				return nil, "", errors.New("multipart field \"photo\" is required")
			}
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		mediaType, _, _ := mime.ParseMediaType(header.Header.Get("Content-Type"))
		return data, mediaType, nil
	}

	if strings.HasPrefix(contentType, "image/") {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", err
		}
		return data, contentType, nil
	}

	return nil, "", errors.New("expected a multipart upload or a raw image body")
}

type overrideRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// overrideHandler arms a one-shot detection override.
func (s *Server) overrideHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "fingerprint is required")
		return
	}
	s.analyzer.ArmOverride(req.Fingerprint)
	s.logger.Info("detection override armed", "fingerprint", req.Fingerprint)
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

// historyHandler lists (GET) or clears (DELETE) the meal history.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "HISTORY_DISABLED", "meal history is not enabled")
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		start := r.URL.Query().Get("start")
		end := r.URL.Query().Get("end")

		meals, err := s.history.Range(r.Context(), start, end, limit)
		if err != nil {
			s.logger.Error("history query failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "INTERNAL", "history query failed")
			return
		}
		s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: meals})
	case http.MethodDelete:
		if err := s.history.Clear(r.Context()); err != nil {
			s.logger.Error("history clear failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "INTERNAL", "history clear failed")
			return
		}
		s.writeJSON(w, http.StatusOK, APIResponse{Success: true})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET or DELETE")
	}
}

// historyItemHandler deletes one meal: DELETE /api/v1/history/{id}.
func (s *Server) historyItemHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "HISTORY_DISABLED", "meal history is not enabled")
		return
	}
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use DELETE")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/history/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "meal id is required")
		return
	}
	if err := s.history.Delete(r.Context(), id); err != nil {
		s.logger.Error("history delete failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "history delete failed")
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

// dailyTotalsHandler aggregates calories per day.
func (s *Server) dailyTotalsHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "HISTORY_DISABLED", "meal history is not enabled")
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	totals, err := s.history.DailyTotals(r.Context(), r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		s.logger.Error("daily totals query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "daily totals query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: totals})
}

// cacheStatsHandler reports cache contents.
func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotFound, "CACHE_DISABLED", "result cache is not enabled")
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("cache stats failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "cache stats failed")
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: stats})
}

// cachePurgeHandler drops expired cache entries.
func (s *Server) cachePurgeHandler(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotFound, "CACHE_DISABLED", "result cache is not enabled")
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	n, err := s.cache.Purge(r.Context())
	if err != nil {
		s.logger.Error("cache purge failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "cache purge failed")
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]int{"purged": n}})
}

// cacheClearHandler drops the whole cache.
func (s *Server) cacheClearHandler(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotFound, "CACHE_DISABLED", "result cache is not enabled")
		return
	}
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use DELETE")
		return
	}
	if err := s.cache.Clear(r.Context()); err != nil {
		s.logger.Error("cache clear failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "cache clear failed")
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

// contextWithTimeout bounds a request-scoped context.
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, APIResponse{Success: false, Error: &APIError{Code: code, Message: message}})
}
