package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snapcal-tech/snapcal/internal/pipeline"
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow connections from any origin in development
		// In production, you should check against allowed origins
		return true
	},
}

// WebSocketAnalyzeRequest is an analysis request sent over the socket.
// Image carries the photo as base64 (the json package decodes []byte from
// base64 automatically).
type WebSocketAnalyzeRequest struct {
	Type      string `json:"type"` // "analyze" or "override"
	Image     []byte `json:"image,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	// Fingerprint is used by "override" requests.
	Fingerprint string `json:"fingerprint,omitempty"`
	Language    string `json:"language,omitempty"`
}

// WebSocketConnWriter is the write side of a socket, for tests.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// WebSocketAnalyzeResponse is a progress or result frame.
type WebSocketAnalyzeResponse struct {
	Type      string    `json:"type"`             // "progress", "result", "error", "ack"
	Stage     string    `json:"stage,omitempty"`  // pipeline stage name
	Progress  int       `json:"progress"`         // 0-100
	Result    any       `json:"result,omitempty"` // pipeline.Result on completion
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// analyzeWebSocketHandler streams per-stage progress while analyzing.
func (s *Server) analyzeWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	s.logger.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)
	s.handleWebSocketConnection(conn)
}

// handleWebSocketConnection processes messages from one connection.
func (s *Server) handleWebSocketConnection(conn *websocket.Conn) {
	// Read deadline prevents hanging connections; pongs extend it.
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket error", "error", err)
			}
			break
		}

		websocketMessagesTotal.WithLabelValues("received").Inc()

		switch messageType {
		case websocket.TextMessage:
			s.handleWebSocketMessage(conn, data)
		case websocket.BinaryMessage:
			// A raw binary frame is an analysis request with no envelope.
			s.processWebSocketAnalyze(conn, WebSocketAnalyzeRequest{
				Type:  "analyze",
				Image: data,
			}, strconv.FormatInt(time.Now().UnixNano(), 10))
		}
		// Analysis can outlive the read deadline; reset it after each
		// request completes.
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}

// handleWebSocketMessage dispatches one request frame.
func (s *Server) handleWebSocketMessage(conn *websocket.Conn, data []byte) {
	var req WebSocketAnalyzeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendWebSocketError(conn, "", &APIError{
			Code:    "BAD_REQUEST",
			Message: fmt.Sprintf("Failed to parse request: %v", err),
		})
		return
	}

	requestID := strconv.FormatInt(time.Now().UnixNano(), 10)

	switch req.Type {
	case "analyze":
		s.processWebSocketAnalyze(conn, req, requestID)
	case "override":
		if req.Fingerprint == "" {
			s.sendWebSocketError(conn, requestID, &APIError{
				Code: "BAD_REQUEST", Message: "fingerprint is required",
			})
			return
		}
		s.analyzer.ArmOverride(req.Fingerprint)
		s.sendWebSocketResponse(conn, WebSocketAnalyzeResponse{
			Type: "ack", RequestID: requestID,
		})
	default:
		s.sendWebSocketError(conn, requestID, &APIError{
			Code: "BAD_REQUEST", Message: "Unsupported request type: " + req.Type,
		})
	}
}

// wsStageCallback forwards pipeline stages to the socket.
type wsStageCallback struct {
	server    *Server
	conn      WebSocketConnWriter
	requestID string
}

func (cb *wsStageCallback) OnStage(stage pipeline.Stage, percent int) {
	cb.server.sendWebSocketResponse(cb.conn, WebSocketAnalyzeResponse{
		Type:      "progress",
		Stage:     string(stage),
		Progress:  percent,
		RequestID: cb.requestID,
	})
}

func (cb *wsStageCallback) OnError(pipeline.Stage, error) {}

// processWebSocketAnalyze runs one photo through the pipeline, streaming
// stage transitions.
func (s *Server) processWebSocketAnalyze(conn *websocket.Conn, req WebSocketAnalyzeRequest, requestID string) {
	if len(req.Image) == 0 {
		s.sendWebSocketError(conn, requestID, &APIError{
			Code: "BAD_REQUEST", Message: "No image data provided",
		})
		return
	}
	if int64(len(req.Image)) > s.maxUploadMB*1024*1024 {
		s.sendWebSocketError(conn, requestID, &APIError{
			Code: "FILE_TOO_LARGE", Message: "upload exceeds size limit",
		})
		return
	}
	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	uploadSizeBytes.Observe(float64(len(req.Image)))

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
	defer cancel()

	cb := &wsStageCallback{server: s, conn: conn, requestID: requestID}

	start := time.Now()
	result, err := s.analyzer.Analyze(ctx, req.Image, mediaType, cb)
	analyzeDuration.WithLabelValues("websocket").Observe(time.Since(start).Seconds())

	if err != nil {
		var perr *pipeline.Error
		apiErr := &APIError{Code: "INTERNAL", Message: "analysis failed"}
		if errors.As(err, &perr) {
			_, code := statusForKind(perr.Kind)
			apiErr = &APIError{
				Code:          code,
				Message:       pipeline.UserMessage(perr, req.Language),
				Fingerprint:   perr.Fingerprint,
				DetectedLabel: perr.DetectedLabel,
				Retryable:     perr.Retryable(),
			}
			if perr.Kind == pipeline.KindNotFoodBlocked {
				gateBlocksTotal.Inc()
				analyzeRequestsTotal.WithLabelValues("websocket", "blocked").Inc()
			} else {
				analyzeRequestsTotal.WithLabelValues("websocket", "error").Inc()
			}
		} else {
			analyzeRequestsTotal.WithLabelValues("websocket", "error").Inc()
		}
		s.sendWebSocketError(conn, requestID, apiErr)
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
	analyzeRequestsTotal.WithLabelValues("websocket", outcome).Inc()

	s.sendWebSocketResponse(conn, WebSocketAnalyzeResponse{
		Type:      "result",
		Stage:     string(pipeline.StageComplete),
		Progress:  100,
		Result:    result,
		RequestID: requestID,
	})
}

// sendWebSocketResponse sends a frame over the socket.
func (s *Server) sendWebSocketResponse(conn WebSocketConnWriter, response WebSocketAnalyzeResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal WebSocket response", "error", err)
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Error("Failed to send WebSocket message", "error", err)
		return
	}

	websocketMessagesTotal.WithLabelValues("sent").Inc()
}

// sendWebSocketError sends an error frame over the socket.
func (s *Server) sendWebSocketError(conn WebSocketConnWriter, requestID string, apiErr *APIError) {
	s.sendWebSocketResponse(conn, WebSocketAnalyzeResponse{
		Type:      "error",
		Error:     apiErr,
		RequestID: requestID,
	})
}

// DecodeImagePayload is a helper for clients that send raw base64 strings
// instead of JSON []byte fields.
func DecodeImagePayload(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}
