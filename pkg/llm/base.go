// Package llm defines the text generation interface used by consolidation
// and summarisation.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyPrompt indicates a generation request with no prompt.
var ErrEmptyPrompt = errors.New("llm: empty prompt")

// Request is one generation call.
type Request struct {
	// System primes the model; empty means no system message.
	System string

	// Prompt is the user message.
	Prompt string

	// Temperature defaults to the provider's default when zero.
	Temperature float32

	// MaxTokens bounds the completion; zero means provider default.
	MaxTokens int
}

// LLM generates text. Implementations are safe for concurrent use.
type LLM interface {
	// Generate returns the completion for req.
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateStream streams completion chunks to fn as they arrive.
	GenerateStream(ctx context.Context, req Request, fn func(chunk string) error) error

	// Provider names the backend ("openai", "ollama").
	Provider() string
}
