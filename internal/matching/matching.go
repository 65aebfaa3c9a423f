// Package matching implements the vector comparison primitives used for
// muzzle identity decisions.
package matching

import (
	"fmt"
	"math"
)

// ErrDimensionMismatch indicates two vectors of different lengths were
// compared. This points at mixed embedder configurations and must surface;
// it is never recovered by truncation or padding.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Cosine computes the cosine similarity between a and b: dot product divided
// by the product of the magnitudes. The result lies in [-1, 1] and is clamped
// against floating-point drift; for this embedding family it is effectively
// [0, 1]. Magnitude carries image-intensity noise, so only the angle between
// vectors is compared. A zero-magnitude input yields 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &ErrDimensionMismatch{Expected: len(a), Actual: len(b)}
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return clamp(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

// Matches classifies a similarity against a threshold, inclusive at the
// boundary.
func Matches(similarity, threshold float64) bool {
	return similarity >= threshold
}

// NormalizeL2 normalizes v in place to unit L2 norm.
// Returns false for a zero-norm vector, leaving it untouched.
func NormalizeL2(v []float32) bool {
	var norm2 float64
	for _, x := range v {
		norm2 += float64(x) * float64(x)
	}
	if norm2 == 0 {
		return false
	}

	inv := float32(1 / math.Sqrt(norm2))
	for i := range v {
		v[i] *= inv
	}
	return true
}

func clamp(similarity float64) float64 {
	if similarity > 1 {
		return 1
	}
	if similarity < -1 {
		return -1
	}
	return similarity
}
