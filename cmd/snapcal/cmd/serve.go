package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapcal-tech/snapcal/internal/cache"
	"github.com/snapcal-tech/snapcal/internal/history"
	"github.com/snapcal-tech/snapcal/internal/pipeline"
	"github.com/snapcal-tech/snapcal/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP analysis server",
	Long: `Start an HTTP server that exposes the photo analysis pipeline.

Endpoints:
  POST /api/v1/analyze     - Analyze an uploaded photo
  GET  /api/v1/analyze/ws  - WebSocket analysis with progress streaming
  POST /api/v1/override    - Arm a one-shot detection override
  GET  /api/v1/history     - Meal history
  GET  /health             - Health check
  GET  /metrics            - Prometheus metrics

Examples:
  snapcal serve
  snapcal serve --port 8080
  snapcal serve --host 0.0.0.0 --port 3000 --api-url https://vision.example.com`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = cmd.Flags().GetString("cors-origin")
	}
	if cmd.Flags().Changed("max-upload-size") {
		cfg.Image.MaxUploadMB, _ = cmd.Flags().GetInt64("max-upload-size")
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Server.TimeoutSec, _ = cmd.Flags().GetInt("timeout")
	}
	if cmd.Flags().Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
	}
	if cmd.Flags().Changed("api-url") {
		cfg.API.BaseURL, _ = cmd.Flags().GetString("api-url")
	}
	if cmd.Flags().Changed("api-key") {
		cfg.API.Key, _ = cmd.Flags().GetString("api-key")
	}
	if cmd.Flags().Changed("requests-per-minute") {
		cfg.Server.RequestsPerMinute, _ = cmd.Flags().GetInt("requests-per-minute")
	}
	if cmd.Flags().Changed("requests-per-hour") {
		cfg.Server.RequestsPerHour, _ = cmd.Flags().GetInt("requests-per-hour")
	}
	if cmd.Flags().Changed("max-requests-per-day") {
		cfg.Server.MaxRequestsPerDay, _ = cmd.Flags().GetInt("max-requests-per-day")
	}
	if cmd.Flags().Changed("max-data-per-day") {
		cfg.Server.MaxDataPerDayMB, _ = cmd.Flags().GetInt64("max-data-per-day")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", cfg.Server.Port)
	}
	if cfg.API.BaseURL == "" {
		return errors.New("no vision API configured: set --api-url, api.base_url, or SNAPCAL_API_BASE_URL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	builder := pipeline.NewBuilder().WithConfig(cfg.ToPipelineConfig())
	opts := []server.Option{}

	if cfg.Cache.Enabled {
		store, err := cache.NewSQLiteStore(cfg.Cache.Path, cfg.CacheTTL())
		if err != nil {
			return fmt.Errorf("failed to open result cache: %w", err)
		}
		defer func() { _ = store.Close() }()
		builder.WithCache(store)
		opts = append(opts, server.WithCacheStore(store))
	}
	if cfg.History.Enabled {
		store, err := history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open meal history: %w", err)
		}
		defer func() { _ = store.Close() }()
		builder.WithHistory(store)
		opts = append(opts, server.WithHistoryStore(store))
	}

	p, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	srv := server.NewServer(cfg.ToServerConfig(), p, opts...)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	timeout := time.Duration(cfg.Server.TimeoutSec) * time.Second
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}

	go func() {
		slog.Info("Starting analysis server", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Context cancelled, initiating shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	slog.Info("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := p.Close(); err != nil {
		slog.Error("Pipeline cleanup error", "error", err)
	}

	slog.Info("Graceful shutdown completed")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "127.0.0.1", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int64("max-upload-size", 10, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 180, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().String("api-url", "", "vision API base URL")
	serveCmd.Flags().String("api-key", "", "vision API key")
	// Rate limiting flags
	serveCmd.Flags().Int("requests-per-minute", 30, "maximum requests per minute per client (0 disables)")
	serveCmd.Flags().Int("requests-per-hour", 300, "maximum requests per hour per client (0 disables)")
	serveCmd.Flags().Int("max-requests-per-day", 0, "maximum requests per day per client (0 disables)")
	serveCmd.Flags().Int64("max-data-per-day", 0, "maximum uploaded MB per day per client (0 disables)")
}
