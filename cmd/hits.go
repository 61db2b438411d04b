package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"text/tabwriter"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/ledger"
	"github.com/spf13/cobra"
)

var hitsCmd = &cobra.Command{
	Use:   "hits",
	Short: "List the photos copied to the output directory",
	Args:  cobra.NoArgs,
	RunE:  runHits,
}

func init() {
	rootCmd.AddCommand(hitsCmd)
	hitsCmd.Flags().String("output", "", "Output directory (defaults to the configured one)")
	hitsCmd.Flags().String("name", "", "Only list hits for this person")
	hitsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runHits(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Finder.OutputDir == "" {
		return fmt.Errorf("%w: no output directory configured", config.ErrConfiguration)
	}

	path := filepath.Join(cfg.Finder.OutputDir, cfg.Finder.HitsLogName)
	hits, err := ledger.Read(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if person := mustGetString(cmd, "name"); person != "" {
		want := facematch.NormalizePersonName(person)
		var filtered []ledger.Hit
		for _, h := range hits {
			if facematch.NormalizePersonName(h.Person) == want {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}

	return printHits(cmd.OutOrStdout(), hits, mustGetBool(cmd, "json"))
}

// printHits writes hits as a table or, with asJSON, as an indented JSON array.
func printHits(out io.Writer, hits []ledger.Hit, asJSON bool) error {
	if asJSON {
		if hits == nil {
			hits = []ledger.Hit{}
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(hits)
	}

	if len(hits) == 0 {
		fmt.Fprintln(out, "No hits yet.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON\tDISTANCE\tSOURCE\tCOPY")
	fmt.Fprintln(w, "------\t--------\t------\t----")
	for _, h := range hits {
		fmt.Fprintf(w, "%s\t%.4f\t%s\t%s\n", h.Person, h.Distance, h.Identity, h.CopiedPath)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d hits\n", len(hits))
	return err
}
