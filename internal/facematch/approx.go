package facematch

import (
	"errors"
	"math"

	"github.com/coder/hnsw"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/vecmath"
)

const approxMaxNeighbors = 16

// ApproxIndex answers nearest queries over a Matrix through an HNSW graph. It is
// used by the nearest diagnostic on very large archives where the exact pass
// is too slow; results are re-scored with the exact distance.
type ApproxIndex struct {
	matrix *Matrix
	graph  *hnsw.Graph[int]
	k      int
}

// NewApproxIndex builds an HNSW graph over the rows of m. Rows whose dimension
// differs from the first row are left out of the graph.
func NewApproxIndex(m *Matrix, metric vecmath.Metric) (*ApproxIndex, error) {
	if m.Len() == 0 {
		return nil, errors.New("cannot index an empty archive")
	}

	g := hnsw.NewGraph[int]()
	g.M = approxMaxNeighbors
	g.Ml = 1.0 / float64(approxMaxNeighbors)
	if metric == vecmath.Cosine {
		g.Distance = hnsw.CosineDistance
	} else {
		g.Distance = hnsw.EuclideanDistance
	}

	dims := len(m.entries[0].Embedding)
	for i, e := range m.entries {
		if len(e.Embedding) != dims || m.norms[i] == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(i, e.Embedding))
	}
	if g.Len() == 0 {
		return nil, errors.New("archive has no comparable embeddings")
	}
	return &ApproxIndex{matrix: m, graph: g, k: constants.DefaultApproxSearchK}, nil
}

// Nearest returns the closest non-self row among the graph's candidates.
func (a *ApproxIndex) Nearest(refs *ReferenceSet, ref Reference) (Match, bool) {
	best := -1
	bestDist := math.Inf(1)
	for _, n := range a.graph.Search(ref.Embedding, a.k) {
		d, err := refs.distance(ref.Embedding, a.matrix.entries[n.Key].Embedding, a.matrix.norms[n.Key])
		if err != nil {
			continue
		}
		d = vecmath.NearestDistance(d)
		if d < bestDist {
			best, bestDist = n.Key, d
		}
	}
	if best < 0 {
		return Match{}, false
	}
	return Match{Entry: a.matrix.entries[best], Distance: bestDist}, true
}

// Len returns the number of indexed rows.
func (a *ApproxIndex) Len() int { return a.graph.Len() }
