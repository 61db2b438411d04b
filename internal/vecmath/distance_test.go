package vecmath

import (
	"errors"
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		metric   Metric
		expected float64
	}{
		{"cosine identical", []float32{1, 0}, []float32{1, 0}, Cosine, 0},
		{"cosine orthogonal", []float32{1, 0}, []float32{0, 1}, Cosine, 1},
		{"cosine opposite", []float32{1, 0}, []float32{-1, 0}, Cosine, 2},
		{"cosine scale invariant", []float32{2, 0}, []float32{5, 0}, Cosine, 0},
		{"euclidean 3-4-5", []float32{0, 0}, []float32{3, 4}, Euclidean, 5},
		{"euclidean_l2 3-4-5", []float32{1, 1}, []float32{4, 5}, EuclideanL2, 5},
		{"euclidean identical", []float32{0.5, 0.25}, []float32{0.5, 0.25}, Euclidean, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Distance(tt.a, tt.b, tt.metric)
			if err != nil {
				t.Fatalf("Distance() error = %v", err)
			}
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("Distance(%v, %v, %s) = %v, want %v", tt.a, tt.b, tt.metric, got, tt.expected)
			}
		})
	}
}

func TestDistance_EuclideanL2SameAsEuclidean(t *testing.T) {
	pairs := [][2][]float32{
		{{0, 0}, {3, 4}},
		{{10, -2, 7}, {1, 1, 1}},
		{{0.6, 0.8}, {1, 0}},
	}
	for _, p := range pairs {
		plain, err := Distance(p[0], p[1], Euclidean)
		if err != nil {
			t.Fatal(err)
		}
		l2, err := Distance(p[0], p[1], EuclideanL2)
		if err != nil {
			t.Fatal(err)
		}
		if plain != l2 {
			t.Errorf("Distance(%v, %v): euclidean_l2 = %v, euclidean = %v", p[0], p[1], l2, plain)
		}
	}
}

func TestDistance_Errors(t *testing.T) {
	if _, err := Distance([]float32{0, 0}, []float32{1, 0}, Cosine); !errors.Is(err, ErrZeroNorm) {
		t.Errorf("expected ErrZeroNorm, got %v", err)
	}
	if _, err := Distance([]float32{1, 0}, []float32{1, 0, 0}, Cosine); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch for cosine, got %v", err)
	}
	if _, err := Distance([]float32{1}, []float32{1, 0}, Euclidean); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch for euclidean, got %v", err)
	}
	if _, err := Distance([]float32{1}, []float32{1}, Metric("manhattan")); !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("expected ErrUnknownMetric, got %v", err)
	}
}

func TestIdenticalVectorsAreSelfMatch(t *testing.T) {
	d, err := CosineDistance([]float32{1, 0}, []float32{1, 0})
	if err != nil {
		t.Fatalf("CosineDistance() error = %v", err)
	}
	if !IsSelfMatch(d) {
		t.Errorf("IsSelfMatch(%v) = false, want true", d)
	}
	if !math.IsInf(NearestDistance(d), 1) {
		t.Errorf("NearestDistance(%v) = %v, want +Inf", d, NearestDistance(d))
	}
	if NearestDistance(0.5) != 0.5 {
		t.Errorf("NearestDistance(0.5) = %v, want 0.5", NearestDistance(0.5))
	}
}

func TestUnitCosineDistance(t *testing.T) {
	unit, err := Normalize([]float32{3, 4})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	v := []float32{6, 8}
	d, err := UnitCosineDistance(unit, v, Norm(v))
	if err != nil {
		t.Fatalf("UnitCosineDistance() error = %v", err)
	}
	if math.Abs(d) > 1e-6 {
		t.Errorf("UnitCosineDistance() = %v, want ~0", d)
	}
	if _, err := UnitCosineDistance(unit, []float32{0, 0}, 0); !errors.Is(err, ErrZeroNorm) {
		t.Errorf("expected ErrZeroNorm, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize([]float32{3, 4})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if math.Abs(float64(got[0])-0.6) > 1e-6 || math.Abs(float64(got[1])-0.8) > 1e-6 {
		t.Errorf("Normalize([3 4]) = %v, want [0.6 0.8]", got)
	}
	if _, err := Normalize([]float32{0, 0}); !errors.Is(err, ErrZeroNorm) {
		t.Errorf("expected ErrZeroNorm, got %v", err)
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		input   string
		want    Metric
		wantErr bool
	}{
		{"cosine", Cosine, false},
		{"COSINE", Cosine, false},
		{" euclidean ", Euclidean, false},
		{"euclidean_l2", EuclideanL2, false},
		{"dot", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMetric(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMetric(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMetric(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
