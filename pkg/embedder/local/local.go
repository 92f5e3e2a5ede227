// Package local implements a deterministic offline embedder: hashed token
// projection into a fixed-dimension space. Vectors carry no semantics beyond
// token overlap, but identical text always embeds identically, which is what
// tests and air-gapped deployments need.
package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/openmemory/openmemory-go/pkg/embedder"
)

// Embedder projects token hashes into a fixed-dimension vector.
type Embedder struct {
	dims int
}

// New creates a local embedder; dims defaults to 768.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = 768
	}
	return &Embedder{dims: dims}
}

// Embed returns a deterministic unit vector for text.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, embedder.ErrEmptyInput
	}
	vec := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// EmbedBatch embeds each input independently.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, embedder.ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions reports the configured vector dimension.
func (e *Embedder) Dimensions() int { return e.dims }

// Provider names the backend.
func (e *Embedder) Provider() string { return "local" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
