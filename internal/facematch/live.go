package facematch

import (
	"errors"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/ledger"
	"github.com/kozaktomas/face-finder/internal/vecmath"
)

// HitRecorder accepts confirmed hits. *ledger.Ledger implements it.
type HitRecorder interface {
	Record(hit ledger.Hit) (bool, error)
}

// LiveMatcher matches each freshly embedded archive file against the references
// and records hits immediately, before the final sweep.
type LiveMatcher struct {
	refs        *ReferenceSet
	maxDistance float64
	recorder    HitRecorder
	log         logr.Logger
	onHit       func(ledger.Hit)
}

// NewLiveMatcher creates a live matcher. onHit may be nil.
func NewLiveMatcher(refs *ReferenceSet, maxDistance float64, recorder HitRecorder, log logr.Logger, onHit func(ledger.Hit)) *LiveMatcher {
	return &LiveMatcher{refs: refs, maxDistance: maxDistance, recorder: recorder, log: log, onHit: onHit}
}

// Match compares one archive embedding with every reference and records a hit
// for each person with a non-self reference within the maximum distance. It
// returns the number of files copied. Recording failures are logged only.
func (l *LiveMatcher) Match(archiveDir, identity string, embedding []float32) int {
	if l.refs == nil || l.refs.Len() == 0 {
		return 0
	}
	norm := vecmath.Norm(embedding)

	best := make(map[string]float64)
	var order []string
	for _, ref := range l.refs.References() {
		d, err := l.refs.distance(ref.Embedding, embedding, norm)
		if err != nil || d > l.maxDistance || vecmath.IsSelfMatch(d) {
			continue
		}
		prev, seen := best[ref.Person]
		if !seen {
			order = append(order, ref.Person)
		}
		if !seen || d < prev {
			best[ref.Person] = d
		}
	}

	copied := 0
	for _, person := range order {
		hit := ledger.Hit{Person: person, ArchiveDir: archiveDir, Identity: identity, Distance: best[person]}
		if l.record(hit) {
			copied++
		}
	}
	return copied
}

// record hands a hit to the recorder and reports whether it was newly recorded.
func (l *LiveMatcher) record(hit ledger.Hit) bool {
	return RecordHit(l.recorder, hit, l.log, l.onHit)
}

// RecordHit records one hit, logging missing sources and persistence errors
// instead of returning them.
func RecordHit(recorder HitRecorder, hit ledger.Hit, log logr.Logger, onHit func(ledger.Hit)) bool {
	copied, err := recorder.Record(hit)
	switch {
	case errors.Is(err, ledger.ErrMissingSource):
		log.Info("Matched file no longer exists, skipping", "person", hit.Person, "path", hit.Identity)
		return false
	case err != nil && !copied:
		log.Error(err, "Failed to record hit", "person", hit.Person, "path", hit.Identity)
		return false
	case err != nil:
		log.Error(err, "Hit copied but ledger not saved", "person", hit.Person, "path", hit.Identity)
	}
	if copied {
		log.Info("Hit", "person", hit.Person, "path", hit.Identity, "distance", hit.Distance)
		if onHit != nil {
			onHit(hit)
		}
	}
	return copied
}
