// Package vecmath provides the distance functions used to compare face embeddings.
package vecmath

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hupe1980/vecgo/distance"
	"github.com/kozaktomas/face-finder/internal/constants"
)

// Metric names a distance function between two embeddings.
type Metric string

// Supported metrics. EuclideanL2 is accepted for compatibility with model
// configurations that name it and is computed exactly like Euclidean.
const (
	Cosine      Metric = "cosine"
	Euclidean   Metric = "euclidean"
	EuclideanL2 Metric = "euclidean_l2"
)

var (
	// ErrZeroNorm is returned when a cosine distance involves a zero vector.
	ErrZeroNorm = errors.New("vector has zero norm")
	// ErrDimensionMismatch is returned when two vectors differ in length.
	ErrDimensionMismatch = errors.New("vector dimensions differ")
	// ErrUnknownMetric is returned for metric names that are not supported.
	ErrUnknownMetric = errors.New("unknown distance metric")
)

// ParseMetric converts a metric name (case-insensitive) to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case Cosine, Euclidean, EuclideanL2:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
	}
}

// String implements fmt.Stringer.
func (m Metric) String() string {
	return string(m)
}

// Distance computes the distance between a and b under the given metric.
// The result is always >= 0; smaller means more similar.
func Distance(a, b []float32, m Metric) (float64, error) {
	switch m {
	case Cosine:
		return CosineDistance(a, b)
	case Euclidean, EuclideanL2:
		return EuclideanDistance(a, b)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, string(m))
	}
}

// CosineDistance returns 1 - cos(a, b), clamped to [0, 2].
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	normA := Norm(a)
	normB := Norm(b)
	if normA == 0 || normB == 0 {
		return 0, ErrZeroNorm
	}
	return cosineFromDot(float64(distance.Dot(a, b)), normA*normB), nil
}

// UnitCosineDistance computes the cosine distance between a unit-length query
// and an arbitrary vector v whose norm is vNorm. It is the per-comparison form
// used when the query was normalized once up front.
func UnitCosineDistance(unit, v []float32, vNorm float64) (float64, error) {
	if len(unit) != len(v) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(unit), len(v))
	}
	if vNorm == 0 {
		return 0, ErrZeroNorm
	}
	return cosineFromDot(float64(distance.Dot(unit, v)), vNorm), nil
}

func cosineFromDot(dot, denom float64) float64 {
	similarity := dot / denom
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return 1 - similarity
}

// EuclideanDistance returns the L2 norm of a - b.
func EuclideanDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	sq := float64(distance.SquaredL2(a, b))
	if sq <= 0 {
		return 0, nil
	}
	return math.Sqrt(sq), nil
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	return math.Sqrt(float64(distance.Dot(v, v)))
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) ([]float32, error) {
	out, ok := distance.NormalizeL2Copy(v)
	if !ok {
		return nil, ErrZeroNorm
	}
	return out, nil
}

// IsSelfMatch reports whether a distance is small enough to mean the same image
// was compared with itself.
func IsSelfMatch(d float64) bool {
	return d < constants.SelfMatchEpsilon
}

// NearestDistance maps self-matches to +Inf so they never win a nearest-neighbour query.
func NearestDistance(d float64) float64 {
	if IsSelfMatch(d) {
		return math.Inf(1)
	}
	return d
}
