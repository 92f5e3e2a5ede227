// Package openai implements the generation provider on the OpenAI chat API.
// Transient failures (429, 5xx) retry with exponential backoff; auth
// failures surface immediately.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/openmemory/openmemory-go/pkg/llm"
)

// Client calls the OpenAI chat completions endpoint.
type Client struct {
	client  *goopenai.Client
	model   string
	retries int
	backoff time.Duration
}

// Config contains configuration for the OpenAI generation client.
type Config struct {
	APIKey string

	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL string

	// Model defaults to gpt-4o-mini.
	Model string

	// MaxRetries bounds transient-failure retries; defaults to 3.
	MaxRetries int

	// Backoff is the initial retry delay; defaults to 500ms and doubles
	// per attempt.
	Backoff time.Duration
}

// New creates an OpenAI generation client.
func New(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai llm: missing api key")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Client{
		client:  goopenai.NewClientWithConfig(clientCfg),
		model:   model,
		retries: retries,
		backoff: backoff,
	}, nil
}

// Generate returns the completion for req, retrying transient failures.
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	if req.Prompt == "" {
		return "", llm.ErrEmptyPrompt
	}
	chatReq := c.chatRequest(req)

	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("openai generate: empty response")
			}
			return resp.Choices[0].Message.Content, nil
		}
		if !retryable(err) {
			return "", fmt.Errorf("openai generate: %w", err)
		}
		lastErr = err
	}
	return "", fmt.Errorf("openai generate: retries exhausted: %w", lastErr)
}

func (c *Client) chatRequest(req llm.Request) goopenai.ChatCompletionRequest {
	var messages []goopenai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// GenerateStream streams completion chunks to fn as they arrive.
func (c *Client) GenerateStream(ctx context.Context, req llm.Request, fn func(chunk string) error) error {
	if req.Prompt == "" {
		return llm.ErrEmptyPrompt
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, c.chatRequest(req))
	if err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if chunk := resp.Choices[0].Delta.Content; chunk != "" {
			if err := fn(chunk); err != nil {
				return err
			}
		}
	}
}

// Provider names the backend.
func (c *Client) Provider() string { return "openai" }

// retryable reports whether err is a transient API failure.
func retryable(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= 500
	}
	return false
}
