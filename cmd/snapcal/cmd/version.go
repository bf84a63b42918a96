package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snapcal-tech/snapcal/internal/version"
)

// versionCmd prints build metadata.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
