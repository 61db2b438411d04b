// Package facematch compares archive face embeddings with the reference faces of
// the people being searched for: batch threshold and nearest searches over a
// whole archive, and the live per-file hook used while indexing.
package facematch

import (
	"fmt"

	"github.com/kozaktomas/face-finder/internal/vecmath"
)

// Reference is one reference photo of a person. For the cosine metric the
// embedding is stored unit-length.
type Reference struct {
	Person    string
	Path      string
	Embedding []float32
}

// ReferenceSet holds the reference embeddings of one run, prepared for the
// active metric.
type ReferenceSet struct {
	metric vecmath.Metric
	refs   []Reference
}

// NewReferenceSet prepares refs for metric. Cosine references are normalized
// once here so every later comparison only needs the archive vector's norm.
func NewReferenceSet(metric vecmath.Metric, refs []Reference) (*ReferenceSet, error) {
	if _, err := vecmath.ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	out := make([]Reference, 0, len(refs))
	for _, r := range refs {
		emb := r.Embedding
		if metric == vecmath.Cosine {
			unit, err := vecmath.Normalize(emb)
			if err != nil {
				return nil, fmt.Errorf("reference %s of %s: %w", r.Path, r.Person, err)
			}
			emb = unit
		}
		out = append(out, Reference{Person: r.Person, Path: r.Path, Embedding: emb})
	}
	return &ReferenceSet{metric: metric, refs: out}, nil
}

// Metric returns the metric the set was prepared for.
func (s *ReferenceSet) Metric() vecmath.Metric { return s.metric }

// Len returns the number of references.
func (s *ReferenceSet) Len() int { return len(s.refs) }

// References returns the prepared references in input order.
func (s *ReferenceSet) References() []Reference { return s.refs }

// People returns the distinct person names in order of first appearance.
func (s *ReferenceSet) People() []string {
	var people []string
	seen := make(map[string]struct{})
	for _, r := range s.refs {
		if _, ok := seen[r.Person]; ok {
			continue
		}
		seen[r.Person] = struct{}{}
		people = append(people, r.Person)
	}
	return people
}

// ForPerson returns the references of one person.
func (s *ReferenceSet) ForPerson(person string) []Reference {
	var out []Reference
	for _, r := range s.refs {
		if r.Person == person {
			out = append(out, r)
		}
	}
	return out
}

// distance compares a prepared reference with an archive vector of norm vNorm.
func (s *ReferenceSet) distance(ref, v []float32, vNorm float64) (float64, error) {
	if s.metric == vecmath.Cosine {
		return vecmath.UnitCosineDistance(ref, v, vNorm)
	}
	return vecmath.Distance(ref, v, s.metric)
}
