// Package vecmath holds the float32 vector helpers shared by the embedding
// cache, the vector index backends and the relational store.
package vecmath

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// normEpsilon keeps renormalization finite for all-zero prefixes
const normEpsilon = 1e-12

// ErrTooShort is returned when a vector cannot be cropped to the target size
var ErrTooShort = errors.New("vector shorter than target dimension")

// Encode converts a vector to little-endian float32 bytes
func Encode(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// Decode converts little-endian float32 bytes back to a vector.
// Trailing bytes that do not form a full float are ignored.
func Decode(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// DecodeDim decodes blob only if it holds exactly dim floats
func DecodeDim(blob []byte, dim int) ([]float32, bool) {
	if dim <= 0 || len(blob) != dim*4 {
		return nil, false
	}
	return Decode(blob), true
}

// CropNormalize keeps the first dim components and rescales them to unit
// length. Embeddings trained with Matryoshka representation learning stay
// comparable under this crop.
func CropNormalize(v []float32, dim int) ([]float32, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid target dimension %d", dim)
	}
	if len(v) < dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrTooShort, len(v), dim)
	}
	var sum float64
	for _, x := range v[:dim] {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum) + normEpsilon
	out := make([]float32, dim)
	for i, x := range v[:dim] {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// Normalize returns v scaled to unit length; zero vectors are returned as is
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Norm returns the L2 norm of v
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Dot returns the inner product, or 0 for mismatched lengths
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine computes the cosine similarity between two vectors
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// L2 returns the Euclidean distance, or +Inf for mismatched lengths
func L2(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
