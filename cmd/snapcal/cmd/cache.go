package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapcal-tech/snapcal/internal/cache"
)

// cacheCmd groups result cache maintenance commands.
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the analysis result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry count and age range",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCacheStore(func(ctx context.Context, store cache.Store) error {
			stats, err := store.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read cache stats: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Entries: %d\n", stats.Entries)
			if stats.Entries > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Oldest:  %s\n", stats.Oldest.Format(time.RFC3339))
				fmt.Fprintf(cmd.OutOrStdout(), "Newest:  %s\n", stats.Newest.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCacheStore(func(ctx context.Context, store cache.Store) error {
			n, err := store.Purge(ctx)
			if err != nil {
				return fmt.Errorf("failed to purge cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired entries\n", n)
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCacheStore(func(ctx context.Context, store cache.Store) error {
			if err := store.Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
			return nil
		})
	},
}

// withCacheStore opens the configured cache store and runs fn against it.
func withCacheStore(fn func(context.Context, cache.Store) error) error {
	cfg := GetConfig()

	store, err := cache.NewSQLiteStore(cfg.Cache.Path, cfg.CacheTTL())
	if err != nil {
		return fmt.Errorf("failed to open result cache: %w", err)
	}
	defer func() { _ = store.Close() }()

	return fn(context.Background(), store)
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
