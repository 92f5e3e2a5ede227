// Package openai implements the embedding provider on the OpenAI API (and
// any OpenAI-compatible endpoint via a custom base URL).
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/openmemory/openmemory-go/pkg/embedder"
)

// Embedder calls the OpenAI embeddings endpoint.
type Embedder struct {
	client *goopenai.Client
	model  string
	dims   int
}

// Config contains configuration for the OpenAI embedder.
type Config struct {
	APIKey string

	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions requests truncated vectors from models that support it.
	Dimensions int
}

// New creates an OpenAI embedder.
func New(cfg *Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder: missing api key")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(goopenai.SmallEmbedding3)
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}
	return &Embedder{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  model,
		dims:   dims,
	}, nil
}

// Embed returns one vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, embedder.ErrEmptyInput
	}
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      texts,
		Model:      goopenai.EmbeddingModel(e.model),
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions reports the configured vector dimension.
func (e *Embedder) Dimensions() int { return e.dims }

// Provider names the backend.
func (e *Embedder) Provider() string { return "openai" }
