package memory

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "zero norm", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "mismatched length", a: []float32{1, 2}, b: []float32{1, 2, 3}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineSimilarity_SelfIsOne(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.SliceOfN(rapid.Float32Range(-100, 100), 1, 64).Draw(t, "v")
		if norm(v) == 0 {
			return
		}
		sim := CosineSimilarity(v, v)
		if math.Abs(sim-1) > 1e-6 {
			t.Fatalf("self similarity %v, want 1", sim)
		}
	})
}

func TestCosineSimilarity_NeverFails(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.SliceOfN(rapid.Float32(), 0, 16).Draw(t, "a")
		b := rapid.SliceOfN(rapid.Float32(), 0, 16).Draw(t, "b")
		sim := CosineSimilarity(a, b)
		if math.IsNaN(sim) || math.IsInf(sim, 0) {
			t.Fatalf("non-finite similarity %v", sim)
		}
		if len(a) != len(b) && sim != 0 {
			t.Fatalf("mismatched lengths gave %v", sim)
		}
	})
}

func TestVectorBlobRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.SliceOfN(rapid.Float32Range(-1e6, 1e6), 1, 128).Draw(t, "v")
		got, err := decodeVector(encodeVector(v), len(v))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		for i := range v {
			if got[i] != v[i] {
				t.Fatalf("index %d: got %v want %v", i, got[i], v[i])
			}
		}
	})
}

func TestDecodeVector_Malformed(t *testing.T) {
	_, err := decodeVector([]byte{1, 2, 3}, 1)
	require.ErrorIs(t, err, ErrMalformedVector)

	_, err = decodeVector(encodeVector([]float32{1, 2}), 3)
	require.ErrorIs(t, err, ErrMalformedVector)
}
