package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Default request timeouts. The fallback applies to the single retry after
// a primary-attempt timeout; only timeouts are retried. Health probes get
// a short budget of their own.
const (
	DefaultPrimaryTimeout  = 60 * time.Second
	DefaultFallbackTimeout = 120 * time.Second
	DefaultHealthTimeout   = 5 * time.Second
)

// Endpoints on the analysis service.
const (
	analyzePath = "/api/analyze"
	healthPath  = "/api/health"
)

// Config holds client settings.
type Config struct {
	BaseURL         string
	APIKey          string
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	UserAgent       string
}

// DefaultConfig returns client defaults. BaseURL must still be set.
func DefaultConfig() Config {
	return Config{
		PrimaryTimeout:  DefaultPrimaryTimeout,
		FallbackTimeout: DefaultFallbackTimeout,
		UserAgent:       "snapcal",
	}
}

// Client talks to the remote analysis service.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a Client. logger may be nil.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("vision: base URL is required")
	}
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultFallbackTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json")
	if cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.APIKey != "" {
		rc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{cfg: cfg, http: rc, logger: logger}, nil
}

// Region is an optional hint locating one food in the photo, for
// multi-item recognition.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type analyzeRequest struct {
	Image   string   `json:"image"`
	Format  string   `json:"format"`
	Regions []Region `json:"regions,omitempty"`
}

// Analyze submits a normalized photo (as a data URI, with its format tag)
// for calorie analysis. A timed-out primary attempt is retried exactly
// once with the longer fallback timeout; every other failure is terminal.
func (c *Client) Analyze(ctx context.Context, dataURI, format string, regions ...Region) (*AnalysisResult, error) {
	req := analyzeRequest{Image: dataURI, Format: format, Regions: regions}

	result, err := c.analyzeOnce(ctx, req, c.cfg.PrimaryTimeout)
	if err == nil {
		return result, nil
	}
	if !isTimeout(err) || ctx.Err() != nil {
		return nil, err
	}

	c.logger.Warn("analysis timed out, retrying with extended timeout",
		"primary_timeout", c.cfg.PrimaryTimeout,
		"fallback_timeout", c.cfg.FallbackTimeout)

	result, err = c.analyzeOnce(ctx, req, c.cfg.FallbackTimeout)
	if err == nil {
		return result, nil
	}
	if isTimeout(err) {
		return nil, &Error{Kind: KindTimeout, Err: err,
			Message: "analysis did not complete within the extended timeout"}
	}
	return nil, err
}

func (c *Client) analyzeOnce(ctx context.Context, req analyzeRequest, timeout time.Duration) (*AnalysisResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(attemptCtx).
		SetBody(req).
		Post(analyzePath)
	if err != nil {
		if isTimeout(err) {
			return nil, err
		}
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	return parseAnalyzeResponse(resp.StatusCode(), resp.Body())
}

// parseAnalyzeResponse decodes the response envelope regardless of HTTP
// status: the service reports domain failures as structured errors on
// non-2xx responses too.
func parseAnalyzeResponse(status int, body []byte) (*AnalysisResult, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status < 200 || status >= 300 {
			return nil, &Error{Kind: KindServer,
				Message: fmt.Sprintf("unexpected status %d", status)}
		}
		return nil, &Error{Kind: KindBadResponse, Err: err}
	}

	if !env.Success {
		if env.Error == nil {
			return nil, &Error{Kind: KindBadResponse,
				Message: "failure envelope without error detail"}
		}
		return nil, &Error{
			Kind:    kindForCode(env.Error.Code),
			Code:    env.Error.Code,
			Message: env.Error.Message,
		}
	}

	if env.Data == nil {
		return nil, &Error{Kind: KindBadResponse,
			Message: "success envelope without data"}
	}

	// The confidence tag outranks the food list: an unclear or not-food
	// analysis may legitimately carry no foods.
	switch env.Data.Confidence {
	case ConfidenceUnclear:
		return nil, &Error{Kind: KindImageUnclear, Code: CodeImageUnclear,
			Message: env.Data.Notes}
	case ConfidenceNotFood:
		return nil, &Error{Kind: KindNotFood, Code: CodeNotFood,
			Message: env.Data.Notes}
	}
	if len(env.Data.Foods) == 0 {
		return nil, &Error{Kind: KindNoFoodDetected, Code: CodeNoFoodDetected,
			Message: "analysis returned no foods"}
	}

	if err := env.Data.Validate(); err != nil {
		return nil, &Error{Kind: KindBadResponse, Err: err}
	}
	return env.Data, nil
}

// Health probes the service with a short deadline. A nil error means the
// service answered 200.
func (c *Client) Health(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()

	resp, err := c.http.R().SetContext(attemptCtx).Get(healthPath)
	if err != nil {
		if isTimeout(err) {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindNetwork, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return &Error{Kind: KindServer,
			Message: fmt.Sprintf("health returned status %d", resp.StatusCode())}
	}
	return nil
}

// isTimeout reports whether err stems from an attempt deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
