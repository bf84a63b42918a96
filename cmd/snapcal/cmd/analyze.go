package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapcal-tech/snapcal/internal/cache"
	"github.com/snapcal-tech/snapcal/internal/config"
	"github.com/snapcal-tech/snapcal/internal/history"
	"github.com/snapcal-tech/snapcal/internal/pipeline"
	"github.com/snapcal-tech/snapcal/internal/vision"
)

// analyzeCmd represents the analyze command.
var analyzeCmd = &cobra.Command{
	Use:   "analyze [image]",
	Short: "Estimate calories from a food photo",
	Long: `Analyze a food photo and print the estimated calorie breakdown.

The photo is compressed to the upload size band, screened by the on-device
food classifier, and sent to the configured vision service. Results are
cached for a week; re-analyzing the same photo is served locally.

Examples:
  snapcal analyze dinner.jpg
  snapcal analyze dinner.jpg --format json
  snapcal analyze screenshot.png --override
  snapcal analyze photo.jpg --api-url https://vision.example.com
  snapcal analyze --check-api`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	if cmd.Flags().Changed("api-url") {
		cfg.API.BaseURL, _ = cmd.Flags().GetString("api-url")
	}
	if cmd.Flags().Changed("api-key") {
		cfg.API.Key, _ = cmd.Flags().GetString("api-key")
	}
	if cfg.API.BaseURL == "" {
		return errors.New("no vision API configured: set --api-url, api.base_url, or SNAPCAL_API_BASE_URL")
	}

	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid format: %s (must be text or json)", format)
	}
	override, _ := cmd.Flags().GetBool("override")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	noGate, _ := cmd.Flags().GetBool("no-gate")
	checkAPI, _ := cmd.Flags().GetBool("check-api")

	if checkAPI {
		return runAPICheck(cmd, cfg)
	}
	if len(args) == 0 {
		return errors.New("an image path is required")
	}

	imagePath := args[0]
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	pCfg := cfg.ToPipelineConfig()
	pCfg.Gate.Disabled = noGate
	builder := pipeline.NewBuilder().WithConfig(pCfg)

	if cfg.Cache.Enabled && !noCache {
		store, err := cache.NewSQLiteStore(cfg.Cache.Path, cfg.CacheTTL())
		if err != nil {
			return fmt.Errorf("failed to open result cache: %w", err)
		}
		defer func() { _ = store.Close() }()
		builder.WithCache(store)
	}
	if cfg.History.Enabled {
		store, err := history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open meal history: %w", err)
		}
		defer func() { _ = store.Close() }()
		builder.WithHistory(store)
	}

	p, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() { _ = p.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cb pipeline.StageCallback = pipeline.NoOpStageCallback{}
	if !quiet && format == "text" {
		cb = &consoleProgress{out: cmd.OutOrStdout()}
	}

	mediaType := mediaTypeForFile(imagePath)

	result, err := p.Analyze(ctx, data, mediaType, cb)

	var perr *pipeline.Error
	if errors.As(err, &perr) && perr.Kind == pipeline.KindNotFoodBlocked && override {
		// The user pre-authorized a second attempt for a blocked photo.
		p.ArmOverride(perr.Fingerprint)
		result, err = p.Analyze(ctx, data, mediaType, cb)
	}

	if err != nil {
		if errors.As(err, &perr) {
			fmt.Fprintln(cmd.ErrOrStderr(), pipeline.UserMessage(perr, os.Getenv("LANG")))
			if perr.Kind == pipeline.KindNotFoodBlocked {
				fmt.Fprintf(cmd.ErrOrStderr(), "Re-run with --override to analyze anyway (fingerprint %s).\n", perr.Fingerprint)
			}
		}
		return err
	}

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printAnalysis(cmd, result)
	return nil
}

// runAPICheck probes the vision service health endpoint.
func runAPICheck(cmd *cobra.Command, cfg *config.Config) error {
	client, err := vision.NewClient(cfg.ToPipelineConfig().Vision, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("vision API at %s is not healthy: %w", cfg.API.BaseURL, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Vision API at %s is healthy\n", cfg.API.BaseURL)
	return nil
}

// consoleProgress prints stage transitions for interactive runs.
type consoleProgress struct {
	out io.Writer
}

func (c *consoleProgress) OnStage(stage pipeline.Stage, percent int) {
	fmt.Fprintf(c.out, "[%3d%%] %s\n", percent, stage)
}

func (c *consoleProgress) OnError(pipeline.Stage, error) {}

func printAnalysis(cmd *cobra.Command, result *pipeline.Result) {
	out := cmd.OutOrStdout()

	source := "analyzed"
	if result.FromCache {
		source = "cached"
	}
	fmt.Fprintf(out, "\nResult (%s, fingerprint %s):\n", source, result.Fingerprint)

	if result.Verdict.Warn && result.Verdict.DetectedLabel != "" {
		fmt.Fprintf(out, "  (analyzed despite looking like %q)\n", result.Verdict.DetectedLabel)
	}

	for _, food := range result.Analysis.Foods {
		if food.Portion != "" {
			fmt.Fprintf(out, "  %-24s %-12s %5d kcal\n", food.Name, food.Portion, food.Calories)
		} else {
			fmt.Fprintf(out, "  %-24s %18d kcal\n", food.Name, food.Calories)
		}
	}

	if result.Analysis.Confidence != "" {
		fmt.Fprintf(out, "\nTotal: %d kcal (confidence: %s)\n",
			result.Analysis.TotalCalories, result.Analysis.Confidence)
	} else {
		fmt.Fprintf(out, "\nTotal: %d kcal\n", result.Analysis.TotalCalories)
	}
	if result.Analysis.Notes != "" {
		fmt.Fprintf(out, "Notes: %s\n", result.Analysis.Notes)
	}
	if result.MealID != "" {
		fmt.Fprintf(out, "Saved to history as %s\n", result.MealID)
	}
}

// mediaTypeForFile guesses a media type from the file extension; the
// normalizer rejects anything it cannot actually decode.
func mediaTypeForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringP("format", "f", "text", "output format (text, json)")
	analyzeCmd.Flags().String("api-url", "", "vision API base URL")
	analyzeCmd.Flags().String("api-key", "", "vision API key")
	analyzeCmd.Flags().Bool("override", false, "analyze even if the photo is not recognized as food")
	analyzeCmd.Flags().Bool("no-cache", false, "skip the result cache for this run")
	analyzeCmd.Flags().Bool("no-gate", false, "skip the on-device food check")
	analyzeCmd.Flags().Bool("check-api", false, "probe the vision API health endpoint and exit")
	analyzeCmd.Flags().BoolP("quiet", "q", false, "suppress progress output")
}
