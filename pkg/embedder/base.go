// Package embedder defines the embedding provider interface and the sector
// annotation that turns one text into sector-specific vectors.
package embedder

import (
	"context"
	"errors"
)

// ErrEmptyInput indicates an embedding request with no content.
var ErrEmptyInput = errors.New("embedder: empty input")

// Embedder converts text into vectors. Implementations are safe for
// concurrent use.
type Embedder interface {
	// Embed returns one vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector dimension this provider produces.
	Dimensions() int

	// Provider names the backend ("openai", "ollama", "local").
	Provider() string
}

// SectorText annotates content with its sector so each sector's vector
// lands in a slightly different region of the embedding space. The
// annotation is a plain prefix; provider tokenisers treat it as context.
func SectorText(sector, content string) string {
	if sector == "" {
		return content
	}
	return sector + ": " + content
}

// EmbedSectors produces a vector per sector from one content string.
// Providers that cannot batch fall back to sequential single calls.
func EmbedSectors(ctx context.Context, e Embedder, content string, sectors []string) (map[string][]float32, error) {
	if content == "" {
		return nil, ErrEmptyInput
	}
	texts := make([]string, len(sectors))
	for i, s := range sectors {
		texts[i] = SectorText(s, content)
	}
	vecs, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(sectors) {
		return nil, errors.New("embedder: provider returned wrong batch size")
	}
	out := make(map[string][]float32, len(sectors))
	for i, s := range sectors {
		out[s] = vecs[i]
	}
	return out, nil
}
