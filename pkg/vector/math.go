// Package vector provides the numeric primitives of the engine: cosine and
// Euclidean similarity, normalisation, batched top-k selection, the IEEE-754
// float32 wire codec and the bounded LRU vector cache.
package vector

import (
	"math"
	"sort"
)

// Cosine computes the cosine similarity between two float32 vectors.
// Unequal lengths and zero-norm inputs return 0 rather than an error, so a
// degenerate vector can never poison a whole search. Accumulation happens in
// float64 for IEEE-754-stable results.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Euclidean computes the L2 distance between two vectors. Unequal lengths
// return +Inf, which sorts such pairs last.
func Euclidean(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Normalize scales v to unit norm in place and returns it. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Mean computes the element-wise mean of equal-length vectors, the centroid
// stored on the memory row. Returns nil when vecs is empty or ragged.
func Mean(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	acc := make([]float64, dim)
	for _, v := range vecs {
		if len(v) != dim {
			return nil
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vecs))
	for i, x := range acc {
		out[i] = float32(x / n)
	}
	return out
}

// Scored pairs a candidate id with its similarity score.
type Scored struct {
	ID    string
	Score float64
}

// TopK selects the best k entries from a score map, ordered score
// descending with ties broken by id ascending.
func TopK(scores map[string]float64, k int) []Scored {
	if k <= 0 || len(scores) == 0 {
		return nil
	}
	scored := make([]Scored, 0, len(scores))
	for id, s := range scores {
		scored = append(scored, Scored{ID: id, Score: s})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
