package finder

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/record"
	"golang.org/x/sync/errgroup"
)

// loadArchives reads the record stores of archives concurrently. It never
// writes to them: no backup, no migration write-back. Result i belongs to
// archives[i].
func loadArchives(ctx context.Context, archives []string, model string, log logr.Logger) ([][]facematch.Entry, error) {
	out := make([][]facematch.Entry, len(archives))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.StoreLoadConcurrency)
	for i, archive := range archives {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			root, err := filepath.Abs(archive)
			if err != nil {
				return fmt.Errorf("resolving archive %s: %w", archive, err)
			}
			res := record.Load(record.PathFor(root, model), log.WithValues("archive", root))
			if res.Source == record.SourceNone {
				log.Info("Archive has no record store, run an index first", "archive", root)
			}
			out[i] = facematch.EntriesFromRecords(root, res.Records)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
