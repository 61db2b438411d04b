package cmd

import (
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/spf13/cobra"
)

var nearestCmd = &cobra.Command{
	Use:   "nearest",
	Short: "Show the closest archive face for every reference photo",
	Long: `For each reference photo, print the nearest stored face that is not the
reference itself. Use it to pick a --max-distance for your model. Nothing is
copied.

With --approx the search uses an HNSW graph and only the candidates it returns
are scored exactly, which is faster on very large archives.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, config.ModeNearest, runOptions{approx: mustGetBool(cmd, "approx")})
	},
}

func init() {
	rootCmd.AddCommand(nearestCmd)
	addFinderFlags(nearestCmd)
	nearestCmd.Flags().Bool("approx", false, "Use an approximate nearest neighbour index")
}
