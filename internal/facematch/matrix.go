package facematch

import (
	"math"

	"github.com/kozaktomas/face-finder/internal/record"
	"github.com/kozaktomas/face-finder/internal/vecmath"
)

// Entry is one archive row of a Matrix.
type Entry struct {
	ArchiveDir string
	Identity   string
	Embedding  []float32
}

// Match is an archive entry together with its distance to a reference.
type Match struct {
	Entry
	Distance float64
}

// Matrix is the archive-wide set of embeddings searched by the final sweep.
type Matrix struct {
	entries []Entry
	norms   []float64
}

// NewMatrix builds a matrix from archive entries.
func NewMatrix(entries []Entry) *Matrix {
	m := &Matrix{entries: entries, norms: make([]float64, len(entries))}
	for i, e := range entries {
		m.norms[i] = vecmath.Norm(e.Embedding)
	}
	return m
}

// EntriesFromRecords converts the usable records of one archive into matrix rows.
func EntriesFromRecords(archiveDir string, records []record.Record) []Entry {
	out := make([]Entry, 0, len(records))
	for _, r := range records {
		if !r.IsOK() {
			continue
		}
		out = append(out, Entry{ArchiveDir: archiveDir, Identity: r.Identity, Embedding: r.Embedding})
	}
	return out
}

// Len returns the number of rows.
func (m *Matrix) Len() int { return len(m.entries) }

// Entries returns the rows.
func (m *Matrix) Entries() []Entry { return m.entries }

// Distances computes the distance from ref to every row in one pass. Rows that
// cannot be compared (zero norm, other dimension) get +Inf.
func (m *Matrix) Distances(refs *ReferenceSet, ref Reference) []float64 {
	out := make([]float64, len(m.entries))
	for i, e := range m.entries {
		d, err := refs.distance(ref.Embedding, e.Embedding, m.norms[i])
		if err != nil {
			d = math.Inf(1)
		}
		out[i] = d
	}
	return out
}

// ThresholdResult is the outcome of a threshold search for one reference.
type ThresholdResult struct {
	Hits        []Match // within the threshold, self-matches excluded
	SelfMatches []Match // within the threshold but identical to the reference
}

// SelfMatchOnly reports whether the reference only matched itself.
func (r ThresholdResult) SelfMatchOnly() bool {
	return len(r.Hits) == 0 && len(r.SelfMatches) > 0
}

// Threshold returns the rows whose distance to ref is at most maxDistance.
func (m *Matrix) Threshold(refs *ReferenceSet, ref Reference, maxDistance float64) ThresholdResult {
	var res ThresholdResult
	for i, d := range m.Distances(refs, ref) {
		if d > maxDistance {
			continue
		}
		match := Match{Entry: m.entries[i], Distance: d}
		if vecmath.IsSelfMatch(d) {
			res.SelfMatches = append(res.SelfMatches, match)
			continue
		}
		res.Hits = append(res.Hits, match)
	}
	return res
}

// Nearest returns the closest row to ref, never a self-match. It returns false
// when the matrix holds no comparable non-self row.
func (m *Matrix) Nearest(refs *ReferenceSet, ref Reference) (Match, bool) {
	best := -1
	bestDist := math.Inf(1)
	for i, d := range m.Distances(refs, ref) {
		d = vecmath.NearestDistance(d)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Match{}, false
	}
	return Match{Entry: m.entries[best], Distance: bestDist}, true
}

// MergeByIdentity collapses matches of the same identity into one, keeping the
// smallest distance. The result keeps the order in which identities first appear.
func MergeByIdentity(matches []Match) []Match {
	idx := make(map[string]int, len(matches))
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if i, ok := idx[m.Identity]; ok {
			if m.Distance < out[i].Distance {
				out[i].Distance = m.Distance
			}
			continue
		}
		idx[m.Identity] = len(out)
		out = append(out, m)
	}
	return out
}

// PersonMatches runs a threshold search for every reference of person and
// merges the hits by identity.
func (m *Matrix) PersonMatches(refs *ReferenceSet, person string, maxDistance float64) []Match {
	var all []Match
	for _, ref := range refs.ForPerson(person) {
		all = append(all, m.Threshold(refs, ref, maxDistance).Hits...)
	}
	return MergeByIdentity(all)
}
