// Package scanner walks an archive root and embeds every eligible file that the
// archive's record store has not seen yet.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/embedding"
	"github.com/kozaktomas/face-finder/internal/fsutil"
	"github.com/kozaktomas/face-finder/internal/record"
)

// State is the scanner state for one archive root.
type State string

// Scanner states.
const (
	StateIdle          State = "idle"
	StateWalking       State = "walking"
	StateCheckpointing State = "checkpointing"
	StateDone          State = "done"
	StateCancelled     State = "cancelled"
)

// Options configures one scan.
type Options struct {
	Root        string
	Excluded    []string // directory names pruned at any depth
	Extensions  []string // enabled extensions, matched case-insensitively
	RetryFailed bool     // re-embed files whose record has failed status

	// Live is called after every successful embedding.
	Live func(archiveDir, identity string, embedding []float32)
	// OnProgress is called after every file and on state changes.
	OnProgress func(Progress)
}

// Progress is a snapshot of a running scan.
type Progress struct {
	Root           string
	State          State
	Current        string
	Processed      int
	OK             int
	Failed         int
	Skipped        int
	NextCheckpoint time.Duration
}

// Result summarizes a finished scan.
type Result struct {
	Root      string
	Processed int // files embedded in this run
	OK        int
	Failed    int
	Skipped   int // already present in the store
	Retried   int // failed records embedded again
	Cancelled bool
}

// Scanner embeds archive files through an Embedder.
type Scanner struct {
	embedder embedding.Embedder
	log      logr.Logger
}

// New creates a scanner.
func New(embedder embedding.Embedder, log logr.Logger) *Scanner {
	return &Scanner{embedder: embedder, log: log}
}

var errStop = errors.New("scan cancelled")

// Scan indexes opts.Root into store. Files are visited in lexical order and the
// cancellation of ctx is checked before each one. Whatever way the scan ends,
// including a panic in a callback, the store is force-checkpointed when it has
// unsaved records. Per-file failures are recorded, never returned.
func (s *Scanner) Scan(ctx context.Context, store *record.Store, opts Options) (res Result, err error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return Result{}, fmt.Errorf("resolving archive root: %w", err)
	}
	res.Root = root
	log := s.log.WithValues("archive", root)

	excluded := make(map[string]struct{}, len(opts.Excluded))
	for _, name := range opts.Excluded {
		excluded[name] = struct{}{}
	}
	extensions := fsutil.NewExtensions(opts.Extensions)

	progress := func(state State, current string) {
		if opts.OnProgress == nil {
			return
		}
		opts.OnProgress(Progress{
			Root:           root,
			State:          state,
			Current:        current,
			Processed:      res.Processed,
			OK:             res.OK,
			Failed:         res.Failed,
			Skipped:        res.Skipped,
			NextCheckpoint: store.NextCheckpointIn(),
		})
	}

	defer func() {
		if !store.Dirty() {
			return
		}
		progress(StateCheckpointing, "")
		if _, cerr := store.Checkpoint(true); cerr != nil {
			log.Error(cerr, "Final checkpoint failed")
		}
	}()

	log.Info("Scanning archive", "records", store.Len(), "source", string(store.Source()))
	progress(StateWalking, "")

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if path == root {
				return werr
			}
			log.Info("Skipping unreadable path", "path", path, "error", werr.Error())
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if _, skip := excluded[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !extensions.Match(path) {
			return nil
		}
		if ctx.Err() != nil {
			return errStop
		}

		retry := false
		if existing, ok := store.Get(path); ok {
			if !opts.RetryFailed || existing.Status != record.StatusFailed {
				res.Skipped++
				return nil
			}
			retry = true
		}

		emb, eerr := s.embedder.Embed(ctx, path)
		if eerr != nil && ctx.Err() != nil {
			// The failure was caused by the cancellation, not by the file.
			return errStop
		}

		var r record.Record
		if eerr != nil {
			r = record.Failed(path, eerr.Error())
			res.Failed++
			log.V(1).Info("Embedding failed", "path", path, "error", eerr.Error())
		} else {
			r = record.OK(path, emb)
			res.OK++
		}
		res.Processed++
		if retry {
			store.Replace(r)
			res.Retried++
		} else {
			store.Append(r)
		}

		if eerr == nil && opts.Live != nil {
			opts.Live(root, path, emb)
		}

		if saved, cerr := store.Checkpoint(false); cerr != nil {
			log.Error(cerr, "Periodic checkpoint failed, continuing")
		} else if saved {
			log.Info("Checkpoint saved", "records", store.Len())
		}
		progress(StateWalking, path)
		return nil
	})

	switch {
	case errors.Is(walkErr, errStop):
		res.Cancelled = true
		log.Info("Scan cancelled", "processed", res.Processed)
		progress(StateCancelled, "")
		return res, nil
	case walkErr != nil:
		return res, fmt.Errorf("walking %s: %w", root, walkErr)
	}

	log.Info("Scan finished", "processed", res.Processed, "ok", res.OK, "failed", res.Failed, "skipped", res.Skipped)
	progress(StateDone, "")
	return res, nil
}
