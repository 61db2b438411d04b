package cmd

import (
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Match the people against existing stores without indexing",
	Long: `Compare the reference photos against every embedding already stored for
the configured archives and copy the matches. Archives are not walked and the
stores are not modified.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, config.ModeSweep, runOptions{})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	addFinderFlags(sweepCmd)
}
