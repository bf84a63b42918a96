// Package cmd implements the snapcal command-line interface.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snapcal-tech/snapcal/internal/classifier"
	"github.com/snapcal-tech/snapcal/internal/config"
	"github.com/snapcal-tech/snapcal/internal/pipeline"
)

var (
	// Global configuration loader.
	configLoader *config.Loader
	// Global configuration.
	globalConfig *config.Config
	// Configuration file path.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "snapcal",
	Short: "Calorie estimation from food photos",
	Long: `snapcal estimates the calorie content of a meal from a photo.

Photos are compressed to an upload-friendly size, screened by an on-device
food classifier, and sent to a remote vision service for nutritional
analysis. Results are cached by image fingerprint and logged to a local
meal history.

Examples:
  snapcal analyze dinner.jpg
  snapcal analyze dinner.jpg --format json
  snapcal serve --port 8080
  snapcal history list --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps analysis failures to distinct exit codes so scripts can
// branch on the failure class.
func exitCode(err error) int {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		return 1
	}
	switch perr.Kind {
	case pipeline.KindUnsupportedFormat, pipeline.KindFileTooLarge, pipeline.KindDecodeError:
		return 2
	case pipeline.KindNotFoodBlocked:
		return 3
	case pipeline.KindImageUnclear, pipeline.KindRemoteNotFood, pipeline.KindNoFoodDetected:
		return 4
	case pipeline.KindTimeout, pipeline.KindNetwork, pipeline.KindServer:
		return 5
	default:
		return 1
	}
}

// GetRootCommand returns the root command for testing purposes.
func GetRootCommand() *cobra.Command {
	return rootCmd
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags that apply to all commands
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is search in ., $HOME, $HOME/.config/snapcal, /etc/snapcal)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	// Set default models-dir from environment variable if available
	defaultModelsDir := classifier.GetModelsDir("")
	if envDir := os.Getenv(classifier.EnvModelsDir); envDir != "" {
		defaultModelsDir = envDir
	}
	rootCmd.PersistentFlags().String("models-dir", defaultModelsDir,
		"directory containing ONNX models (can also be set via SNAPCAL_MODELS_DIR)")

	// Bind flags to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if globalConfig == nil {
			initConfig()
		}

		var logLevel slog.Level
		if globalConfig.Verbose {
			logLevel = slog.LevelDebug
		} else {
			switch globalConfig.LogLevel {
			case "debug":
				logLevel = slog.LevelDebug
			case "warn":
				logLevel = slog.LevelWarn
			case "error":
				logLevel = slog.LevelError
			default:
				logLevel = slog.LevelInfo
			}
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	configLoader = config.NewLoader()

	var err error
	if cfgFile != "" {
		globalConfig, err = configLoader.LoadWithFile(cfgFile)
	} else {
		globalConfig, err = configLoader.Load()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
}

// GetConfig returns the global configuration.
func GetConfig() *config.Config {
	if globalConfig == nil {
		initConfig()
	}

	// Reload so that CLI flags bound after the initial load are included.
	loader := GetConfigLoader()
	var cfg config.Config
	if err := loader.GetViper().Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error unmarshaling updated configuration: %v\n", err)
		return globalConfig
	}

	return &cfg
}

// GetConfigLoader returns the global configuration loader.
func GetConfigLoader() *config.Loader {
	if configLoader == nil {
		configLoader = config.NewLoader()
	}
	return configLoader
}
