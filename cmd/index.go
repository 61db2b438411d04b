package cmd

import (
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build or update the face embedding stores without matching",
	Long: `Walk every configured archive and embed photos that are not in the
archive's store yet. No reference photos or output directory are needed.

The store is written next to the photos as representations_<model>.rec and
checkpointed periodically, so an interrupted run resumes where it stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, config.ModeIndex, runOptions{retryFailed: mustGetBool(cmd, "retry-failed")})
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	addFinderFlags(indexCmd)
	indexCmd.Flags().Bool("retry-failed", false, "Embed photos recorded as failed again")
}
