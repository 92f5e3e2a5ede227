package core

import (
	"go.uber.org/zap"

	"github.com/openmemory/openmemory-go/pkg/cache"
	"github.com/openmemory/openmemory-go/pkg/embedder"
	"github.com/openmemory/openmemory-go/pkg/events"
	"github.com/openmemory/openmemory-go/pkg/llm"
	"github.com/openmemory/openmemory-go/pkg/locks"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

// Option customises client construction. Options override what the
// configuration would otherwise wire.
type Option func(*Client)

// WithLogger sets the structured logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock sets the time source, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithMetadataStore injects a pre-built metadata store, bypassing the
// backend selection in the configuration.
func WithMetadataStore(store storage.MetadataStore) Option {
	return func(c *Client) { c.meta = store }
}

// WithVectorStore injects a pre-built vector store.
func WithVectorStore(store storage.VectorStore) Option {
	return func(c *Client) { c.vecs = store }
}

// WithEmbedder injects an embedding provider.
func WithEmbedder(e embedder.Embedder) Option {
	return func(c *Client) { c.emb = e }
}

// WithLLM injects a generation provider, enabling consolidation summaries.
func WithLLM(g llm.LLM) Option {
	return func(c *Client) { c.gen = g }
}

// WithLocker injects a distributed locker for maintenance tasks.
func WithLocker(l locks.Locker) Option {
	return func(c *Client) { c.locker = l }
}

// WithKV injects the TTL cache used for query results and counters.
func WithKV(kv cache.Cache) Option {
	return func(c *Client) { c.kv = kv }
}

// WithBus injects an event bus shared with the host application.
func WithBus(bus *events.Bus) Option {
	return func(c *Client) { c.bus = bus }
}
