package memory

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeVector serializes a vector as little-endian float32s.
func encodeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// decodeVector is the inverse of encodeVector. dimension is the length the
// row claims to hold; a blob that disagrees is malformed.
func decodeVector(blob []byte, dimension int) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrMalformedVector, len(blob))
	}
	if len(blob)/4 != dimension {
		return nil, fmt.Errorf("%w: %d floats, row says %d", ErrMalformedVector, len(blob)/4, dimension)
	}
	vector := make([]float32, dimension)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, nil
}

func norm(vector []float32) float64 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns dot(a,b) / (|a|*|b|).
// It returns 0 instead of failing when the inputs are empty, differ in length,
// have a zero norm, or produce a non-finite result.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}

	normA, normB := norm(a), norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (normA * normB)
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	return sim
}
