package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snapcal-tech/snapcal/internal/history"
)

// historyCmd groups meal history commands.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse and maintain the meal history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logged meals, newest first",
	Long: `List logged meals, newest first.

Examples:
  snapcal history list
  snapcal history list --limit 10
  snapcal history list --start 2026-08-01 --end 2026-08-31 --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")
		format, _ := cmd.Flags().GetString("format")

		return withHistoryStore(func(ctx context.Context, store history.Store) error {
			meals, err := store.Range(ctx, start, end, limit)
			if err != nil {
				return fmt.Errorf("failed to query history: %w", err)
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(meals)
			}

			if len(meals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No meals logged")
				return nil
			}
			for _, meal := range meals {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %5d kcal  %s\n",
					meal.ID, meal.Timestamp.Format("2006-01-02 15:04"),
					meal.TotalCalories, mealSummary(&meal))
			}
			return nil
		})
	},
}

var historyDailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Show calorie totals per day",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")

		return withHistoryStore(func(ctx context.Context, store history.Store) error {
			totals, err := store.DailyTotals(ctx, start, end)
			if err != nil {
				return fmt.Errorf("failed to query daily totals: %w", err)
			}

			if len(totals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No meals logged")
				return nil
			}
			for _, day := range totals {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %2d meals  %6d kcal\n",
					day.Date, day.Meals, day.Calories)
			}
			return nil
		})
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete [meal-id]",
	Short: "Delete one meal from the history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistoryStore(func(ctx context.Context, store history.Store) error {
			if err := store.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete meal: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted meal %s\n", args[0])
			return nil
		})
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the entire meal history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistoryStore(func(ctx context.Context, store history.Store) error {
			if err := store.Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear history: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
			return nil
		})
	},
}

// mealSummary renders the food names of a meal on one line.
func mealSummary(meal *history.Meal) string {
	if len(meal.Result.Foods) == 0 {
		return "(no items)"
	}
	s := meal.Result.Foods[0].Name
	for _, food := range meal.Result.Foods[1:] {
		s += ", " + food.Name
	}
	return s
}

// withHistoryStore opens the configured history store and runs fn against it.
func withHistoryStore(fn func(context.Context, history.Store) error) error {
	cfg := GetConfig()

	store, err := history.NewSQLiteStore(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open meal history: %w", err)
	}
	defer func() { _ = store.Close() }()

	return fn(context.Background(), store)
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyDailyCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyClearCmd)

	historyListCmd.Flags().Int("limit", 50, "maximum meals to list")
	historyListCmd.Flags().String("start", "", "start date (YYYY-MM-DD)")
	historyListCmd.Flags().String("end", "", "end date (YYYY-MM-DD)")
	historyListCmd.Flags().StringP("format", "f", "text", "output format (text, json)")

	historyDailyCmd.Flags().String("start", "", "start date (YYYY-MM-DD)")
	historyDailyCmd.Flags().String("end", "", "end date (YYYY-MM-DD)")
}
