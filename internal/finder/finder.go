// Package finder runs the face search pipeline on a single background worker:
// reference embedding, incremental indexing with live matching, the final sweep
// over all archives and the minimum-distance diagnostics.
package finder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/embedding"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/ledger"
	"github.com/kozaktomas/face-finder/internal/record"
	"github.com/kozaktomas/face-finder/internal/scanner"
	"github.com/kozaktomas/face-finder/internal/vecmath"
	"golang.org/x/time/rate"
)

var (
	// ErrRunInProgress is returned when a run is started while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrFatal wraps an unexpected failure that aborted a run.
	ErrFatal = errors.New("run aborted by fatal error")
)

// Request describes one run. Config is copied before use.
type Request struct {
	ID          string
	Mode        config.Mode
	Config      config.FinderConfig
	RetryFailed bool
	Approx      bool // nearest mode: use the HNSW index instead of the exact pass
	OnEvent     func(Event)
}

// Runner executes runs one at a time.
type Runner struct {
	embedder embedding.Embedder
	log      logr.Logger
	running  atomic.Bool
	now      func() time.Time
}

// New creates a runner that embeds photos through embedder.
func New(embedder embedding.Embedder, log logr.Logger) *Runner {
	return &Runner{embedder: embedder, log: log, now: time.Now}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

// run is the state of one run.
type run struct {
	*Runner
	req      Request
	cfg      config.FinderConfig
	metric   vecmath.Metric
	report   *Report
	refs     *facematch.ReferenceSet
	hits     *ledger.Ledger
	throttle rate.Sometimes

	mu      sync.Mutex
	current *record.Store // store being indexed, for the fatal-error checkpoint
}

// Run executes req. It rejects a second concurrent run with ErrRunInProgress and
// fails with config.ErrConfiguration before doing any work when the
// configuration is unusable. Cancelling ctx stops the run at the next file; the
// partial report is returned with Cancelled set and a nil error.
func (r *Runner) Run(ctx context.Context, req Request) (rep *Report, err error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	cfg := req.Config.Clone()
	if err := cfg.Validate(req.Mode); err != nil {
		return nil, err
	}
	metric, err := vecmath.ParseMetric(cfg.Metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	x := &run{
		Runner:   r,
		req:      req,
		cfg:      cfg,
		metric:   metric,
		report:   &Report{ID: req.ID, Mode: req.Mode, StartedAt: r.now()},
		throttle: rate.Sometimes{First: 1, Interval: constants.StatusInterval},
	}

	defer func() {
		if p := recover(); p != nil {
			x.checkpointCurrent()
			err = fmt.Errorf("%w: %v", ErrFatal, p)
			r.log.Error(err, "Run aborted")
			x.status(fmt.Sprintf("Fatal error: %v", p))
			rep = x.report
			x.finish()
		}
	}()

	if err := x.execute(ctx); err != nil {
		x.finish()
		return x.report, err
	}
	x.finish()
	x.emit(Event{Type: EventDone, Message: x.summary(), Report: x.report})
	return x.report, nil
}

// finish stamps the run duration. The report is not written after this.
func (x *run) finish() {
	x.report.Duration = x.now().Sub(x.report.StartedAt)
}

func (x *run) execute(ctx context.Context) error {
	x.log.Info("Run started", "mode", string(x.req.Mode), "archives", len(x.cfg.Archives))

	if x.req.Mode.NeedsReferences() {
		if err := x.loadReferences(ctx); err != nil {
			return err
		}
		if x.cancelled(ctx) {
			return nil
		}
	}

	if x.req.Mode.CopiesHits() {
		l, err := ledger.Open(x.cfg.OutputDir, x.cfg.HitsLogName, x.log)
		if err != nil {
			return err
		}
		x.hits = l
		x.status(fmt.Sprintf("Ledger loaded: %d files already copied", l.Len()))
	}

	var entries []facematch.Entry
	switch x.req.Mode {
	case config.ModeFind, config.ModeIndex:
		var err error
		if entries, err = x.index(ctx); err != nil {
			return err
		}
		if x.report.Cancelled || x.req.Mode == config.ModeIndex {
			return nil
		}
	case config.ModeSweep, config.ModeNearest:
		var err error
		if entries, err = x.loadStores(ctx); err != nil {
			return err
		}
	}

	matrix := facematch.NewMatrix(entries)
	x.report.Records = matrix.Len()

	if x.req.Mode == config.ModeNearest {
		return x.nearest(ctx, matrix)
	}
	x.sweep(ctx, matrix)
	return nil
}

// loadReferences embeds every reference photo. Photos that fail are reported
// and skipped; at least one must succeed.
func (x *run) loadReferences(ctx context.Context) error {
	people, missing := x.cfg.ExpandReferences()
	for _, m := range missing {
		x.log.Info("Reference photo skipped", "person", m.Person, "path", m.Path, "error", m.Err.Error())
		x.report.References = append(x.report.References, ReferenceReport{
			Person:    m.Person,
			Reference: m.Path,
			Error:     m.Err.Error(),
		})
	}

	var refs []facematch.Reference
	for _, p := range people {
		for _, path := range p.References {
			if ctx.Err() != nil {
				x.report.Cancelled = true
				return nil
			}
			rr := ReferenceReport{Person: p.Name, Reference: path}
			emb, err := x.embedder.Embed(ctx, path)
			switch {
			case err != nil:
				rr.Error = err.Error()
			case x.metric == vecmath.Cosine && vecmath.Norm(emb) == 0:
				rr.Error = vecmath.ErrZeroNorm.Error()
			default:
				refs = append(refs, facematch.Reference{Person: p.Name, Path: path, Embedding: emb})
			}
			if rr.Error != "" {
				x.log.Info("Reference photo skipped", "person", p.Name, "path", path, "error", rr.Error)
			}
			x.report.References = append(x.report.References, rr)
		}
	}
	if len(refs) == 0 {
		return fmt.Errorf("%w: no reference photo produced a face embedding", config.ErrConfiguration)
	}

	set, err := facematch.NewReferenceSet(x.metric, refs)
	if err != nil {
		return err
	}
	x.refs = set
	x.status(fmt.Sprintf("Loaded %d reference embeddings for %d people", set.Len(), len(set.People())))
	return nil
}

// index scans the archives in order and returns the usable records of all of them.
func (x *run) index(ctx context.Context) ([]facematch.Entry, error) {
	var live *facematch.LiveMatcher
	if x.req.Mode == config.ModeFind {
		live = facematch.NewLiveMatcher(x.refs, x.cfg.MaxDistance, x.hits, x.log, func(h ledger.Hit) {
			x.report.LiveHits++
			x.hit(h)
		})
	}

	sc := scanner.New(x.embedder, x.log)
	var entries []facematch.Entry
	for _, archive := range x.cfg.Archives {
		if x.cancelled(ctx) {
			break
		}
		root, err := filepath.Abs(archive)
		if err != nil {
			return nil, fmt.Errorf("resolving archive %s: %w", archive, err)
		}

		store := record.Open(root, x.cfg.Model,
			record.WithInterval(x.cfg.CheckpointInterval),
			record.WithLogger(x.log.WithValues("archive", root)),
			record.WithClock(x.now),
		)
		x.setCurrent(store)
		x.status(fmt.Sprintf("Indexing %s (%d records loaded from %s)", root, store.Len(), store.Source()))

		opts := scanner.Options{
			Root:        root,
			Excluded:    x.cfg.ExcludedDirs,
			Extensions:  x.cfg.Extensions,
			RetryFailed: x.req.RetryFailed,
			OnProgress:  x.progress,
		}
		if live != nil {
			opts.Live = func(dir, identity string, emb []float32) { live.Match(dir, identity, emb) }
		}

		res, err := sc.Scan(ctx, store, opts)
		x.setCurrent(nil)
		x.report.Archives = append(x.report.Archives, res)
		if err != nil {
			// One unreadable archive does not stop the others.
			x.log.Error(err, "Archive scan failed", "archive", root)
			x.status(fmt.Sprintf("Archive %s failed: %v", root, err))
			continue
		}
		entries = append(entries, facematch.EntriesFromRecords(root, store.Records())...)
		if res.Cancelled {
			x.report.Cancelled = true
			x.status("Run cancelled")
			break
		}
	}
	return entries, nil
}

// loadStores reads the persisted stores of all archives in parallel without
// modifying them. The result keeps the configured archive order.
func (x *run) loadStores(ctx context.Context) ([]facematch.Entry, error) {
	x.status(fmt.Sprintf("Loading %d record stores", len(x.cfg.Archives)))
	perArchive, err := loadArchives(ctx, x.cfg.Archives, x.cfg.Model, x.log)
	if err != nil {
		if x.cancelled(ctx) {
			return nil, nil
		}
		return nil, err
	}
	var entries []facematch.Entry
	for _, e := range perArchive {
		entries = append(entries, e...)
	}
	return entries, nil
}

// sweep runs the threshold search of every reference against the whole matrix
// and records the merged hits person by person.
func (x *run) sweep(ctx context.Context, matrix *facematch.Matrix) {
	x.status(fmt.Sprintf("Final sweep over %d embeddings", matrix.Len()))

	reportIdx := x.referenceIndex()
	for _, person := range x.refs.People() {
		var all []facematch.Match
		for _, ref := range x.refs.ForPerson(person) {
			res := matrix.Threshold(x.refs, ref, x.cfg.MaxDistance)
			if i, ok := reportIdx[ref.Path+"\x00"+person]; ok {
				rr := &x.report.References[i]
				rr.Hits = len(res.Hits)
				rr.SelfMatches = len(res.SelfMatches)
				rr.SelfMatchOnly = res.SelfMatchOnly()
			}
			if res.SelfMatchOnly() {
				x.status(fmt.Sprintf("%s (%s): self-match only", person, filepath.Base(ref.Path)))
			}
			all = append(all, res.Hits...)
		}

		for _, m := range facematch.MergeByIdentity(all) {
			if x.cancelled(ctx) {
				return
			}
			hit := ledger.Hit{Person: person, ArchiveDir: m.ArchiveDir, Identity: m.Identity, Distance: m.Distance}
			if facematch.RecordHit(x.hits, hit, x.log, nil) {
				x.report.SweepHits++
				x.hit(hit)
			}
		}
	}
}

// nearest fills in the minimum-distance diagnostic of every reference.
func (x *run) nearest(ctx context.Context, matrix *facematch.Matrix) error {
	search := matrix.Nearest
	if x.req.Approx && matrix.Len() > 0 {
		idx, err := facematch.NewApproxIndex(matrix, x.metric)
		if err != nil {
			x.log.Info("Approximate index unavailable, using exact search", "error", err.Error())
		} else {
			search = idx.Nearest
		}
	}

	reportIdx := x.referenceIndex()
	for _, ref := range x.refs.References() {
		if x.cancelled(ctx) {
			return nil
		}
		i, ok := reportIdx[ref.Path+"\x00"+ref.Person]
		if !ok {
			continue
		}
		rr := &x.report.References[i]
		if m, found := search(x.refs, ref); found {
			rr.Nearest = &NearestMatch{Identity: m.Identity, Archive: m.ArchiveDir, Distance: m.Distance}
			x.status(fmt.Sprintf("%s (%s): nearest %s at %.4f", ref.Person, filepath.Base(ref.Path), m.Identity, m.Distance))
		} else {
			x.status(fmt.Sprintf("%s (%s): exact matches only", ref.Person, filepath.Base(ref.Path)))
		}
	}
	return nil
}

// referenceIndex maps reference path and person to its report row.
func (x *run) referenceIndex() map[string]int {
	idx := make(map[string]int, len(x.report.References))
	for i, rr := range x.report.References {
		idx[rr.Reference+"\x00"+rr.Person] = i
	}
	return idx
}

func (x *run) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		x.report.Cancelled = true
		return true
	}
	return false
}

func (x *run) setCurrent(s *record.Store) {
	x.mu.Lock()
	x.current = s
	x.mu.Unlock()
}

// checkpointCurrent force-saves the store being indexed, if it has unsaved records.
func (x *run) checkpointCurrent() {
	x.mu.Lock()
	s := x.current
	x.mu.Unlock()
	if s == nil || !s.Dirty() {
		return
	}
	if _, err := s.Checkpoint(true); err != nil {
		x.log.Error(err, "Emergency checkpoint failed", "archive", s.Root())
	}
}

func (x *run) emit(e Event) {
	if x.req.OnEvent != nil {
		x.req.OnEvent(e)
	}
}

func (x *run) status(msg string) {
	x.log.V(1).Info(msg)
	x.emit(Event{Type: EventStatus, Message: msg})
}

func (x *run) progress(p scanner.Progress) {
	if p.State != scanner.StateWalking {
		x.emit(Event{Type: EventProgress, Message: progressMessage(p), Progress: &p})
		return
	}
	x.throttle.Do(func() {
		x.emit(Event{Type: EventProgress, Message: progressMessage(p), Progress: &p})
	})
}

func (x *run) hit(h ledger.Hit) {
	x.emit(Event{
		Type:    EventHit,
		Message: fmt.Sprintf("%s: %s (%.4f)", h.Person, h.Identity, h.Distance),
		Hit:     &h,
	})
}

func (x *run) summary() string {
	r := x.report
	switch r.Mode {
	case config.ModeIndex:
		return fmt.Sprintf("Indexing finished for %d archives", len(r.Archives))
	case config.ModeNearest:
		return fmt.Sprintf("Nearest search finished over %d embeddings", r.Records)
	default:
		return fmt.Sprintf("Finished: %d files copied (%d live, %d in sweep)", r.Hits(), r.LiveHits, r.SweepHits)
	}
}
