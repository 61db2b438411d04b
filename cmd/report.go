package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/finder"
)

// printReport prints the human-readable summary of a run.
func printReport(r *finder.Report, cfg *config.Config) {
	fmt.Println()
	if r.Cancelled {
		fmt.Println("Run cancelled; progress so far has been saved.")
	}

	if len(r.Archives) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ARCHIVE\tNEW\tOK\tFAILED\tKNOWN")
		fmt.Fprintln(w, "-------\t---\t--\t------\t-----")
		for _, a := range r.Archives {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", a.Root, a.Processed, a.OK, a.Failed, a.Skipped)
		}
		w.Flush()
		fmt.Println()
	}

	switch r.Mode {
	case config.ModeIndex:
	case config.ModeNearest:
		printNearest(r)
	default:
		printThreshold(r)
		fmt.Printf("\nCopied %d photos (%d live, %d in final sweep) to %s\n",
			r.Hits(), r.LiveHits, r.SweepHits, cfg.Finder.OutputDir)
		fmt.Printf("Hit log: %s\n", filepath.Join(cfg.Finder.OutputDir, cfg.Finder.HitsLogName))
	}
	fmt.Printf("Done in %s\n", r.Duration.Round(time.Second))
}

func printThreshold(r *finder.Report) {
	if len(r.References) == 0 {
		return
	}
	fmt.Printf("Compared %d embeddings against %d reference photos:\n\n", r.Records, len(r.References))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON\tREFERENCE\tMATCHES\tNOTE")
	fmt.Fprintln(w, "------\t---------\t-------\t----")
	for _, ref := range r.References {
		note := "-"
		switch {
		case ref.Error != "":
			note = "unusable: " + ref.Error
		case ref.SelfMatchOnly:
			note = "self-match only"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ref.Person, ref.Reference, ref.Hits, note)
	}
	w.Flush()
}

func printNearest(r *finder.Report) {
	fmt.Printf("Nearest archive faces for %d reference photos (%d embeddings):\n\n", len(r.References), r.Records)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON\tREFERENCE\tDISTANCE\tNEAREST")
	fmt.Fprintln(w, "------\t---------\t--------\t-------")
	for _, ref := range r.References {
		switch {
		case ref.Error != "":
			fmt.Fprintf(w, "%s\t%s\t-\tunusable: %s\n", ref.Person, ref.Reference, ref.Error)
		case ref.Nearest == nil:
			fmt.Fprintf(w, "%s\t%s\t-\texact matches only\n", ref.Person, ref.Reference)
		default:
			fmt.Fprintf(w, "%s\t%s\t%.4f\t%s\n", ref.Person, ref.Reference, ref.Nearest.Distance,
				filepath.Join(ref.Nearest.Archive, ref.Nearest.Identity))
		}
	}
	w.Flush()
}
