package store

import (
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input []float32
	}{
		{name: "nil vector", input: nil},
		{name: "empty vector", input: []float32{}},
		{name: "single value", input: []float32{0.5}},
		{name: "typical vector", input: []float32{1, -1, 0.25, 3.75, -0.001}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := DecodeVector(EncodeVector(tc.input))
			if len(tc.input) == 0 {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if len(got) != len(tc.input) {
				t.Fatalf("length mismatch: got %d, want %d", len(got), len(tc.input))
			}
			for i := range got {
				if got[i] != tc.input[i] {
					t.Errorf("element %d: got %v, want %v", i, got[i], tc.input[i])
				}
			}
		})
	}
}

func TestDecodeVectorMalformed(t *testing.T) {
	t.Parallel()

	if got := DecodeVector([]byte{1, 2, 3}); got != nil {
		t.Errorf("expected nil for truncated input, got %v", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{name: "identical vectors", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, expected: 1},
		{name: "opposite vectors", a: []float32{1, 0}, b: []float32{-1, 0}, expected: 0},
		{name: "orthogonal vectors", a: []float32{1, 0}, b: []float32{0, 1}, expected: 0.5},
		{name: "empty vectors", a: nil, b: nil, expected: 0},
		{name: "length mismatch", a: []float32{1, 2}, b: []float32{1}, expected: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, expected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("got %v, want %v", got, tc.expected)
			}
		})
	}
}
