package cmd

import (
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Index the archives and copy every photo showing one of the people",
	Long: `Index every configured archive and copy photos that show one of the
configured people into the output directory, one folder per person.

Photos are matched while they are indexed. A final sweep over all stored
embeddings then catches photos indexed by earlier runs. Every photo is copied
at most once; copies are listed in the hit log of the output directory.

Examples:
  # Look for two people in one archive
  face-finder find --archive /photos --output ./found \
    --person "Jana Nováková=refs/jana" --person "Petr=refs/petr.jpg"

  # Stricter matching
  face-finder find --max-distance 0.2

  # Embed photos that failed in an earlier run again
  face-finder find --retry-failed`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, config.ModeFind, runOptions{retryFailed: mustGetBool(cmd, "retry-failed")})
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
	addFinderFlags(findCmd)
	findCmd.Flags().Bool("retry-failed", false, "Embed photos recorded as failed again")
}
