package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/openmemory/openmemory-go/pkg/cache"
	"github.com/openmemory/openmemory-go/pkg/classifier"
	"github.com/openmemory/openmemory-go/pkg/dynamics"
	"github.com/openmemory/openmemory-go/pkg/embedder"
	embedlocal "github.com/openmemory/openmemory-go/pkg/embedder/local"
	embedollama "github.com/openmemory/openmemory-go/pkg/embedder/ollama"
	embedopenai "github.com/openmemory/openmemory-go/pkg/embedder/openai"
	"github.com/openmemory/openmemory-go/pkg/events"
	"github.com/openmemory/openmemory-go/pkg/graph"
	"github.com/openmemory/openmemory-go/pkg/llm"
	llmollama "github.com/openmemory/openmemory-go/pkg/llm/ollama"
	llmopenai "github.com/openmemory/openmemory-go/pkg/llm/openai"
	"github.com/openmemory/openmemory-go/pkg/locks"
	"github.com/openmemory/openmemory-go/pkg/scheduler"
	"github.com/openmemory/openmemory-go/pkg/security"
	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/storage/postgres"
	"github.com/openmemory/openmemory-go/pkg/storage/sqlite"
	"github.com/openmemory/openmemory-go/pkg/storage/valkey"
	"github.com/openmemory/openmemory-go/pkg/temporal"
	"github.com/openmemory/openmemory-go/pkg/vector"
)

// embedConcurrency caps concurrent embedding calls per client.
const embedConcurrency = 5

// Client is the memory engine: add, query, dynamics and the knowledge
// graph, over pluggable storage and providers. Construct with New; all
// methods are safe for concurrent use.
type Client struct {
	cfg    *Config
	logger *zap.Logger
	clock  Clock

	meta storage.MetadataStore
	vecs storage.VectorStore

	emb embedder.Embedder
	gen llm.LLM

	rules  *classifier.RuleClassifier
	headMu sync.Mutex
	heads  map[string]*classifier.LogisticModel
	headSF singleflight.Group

	enc       *security.Encryptor
	bus       *events.Bus
	sched     *scheduler.Scheduler
	locker    locks.Locker
	kv        cache.Cache
	vcache    *vector.Cache
	waypoints *graph.Manager
	knowledge *temporal.Graph
	decay     *dynamics.Decay

	node     *snowflake.Node
	embedSem *semaphore.Weighted
	rdb      *redis.Client

	closeMu sync.Mutex
	closed  bool
}

// New builds a client from cfg, wiring stores and providers per the
// configured backends. Options override individual components.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		logger:   zap.NewNop(),
		clock:    SystemClock{},
		rules:    classifier.NewRuleClassifier(),
		heads:    make(map[string]*classifier.LogisticModel),
		embedSem: semaphore.NewWeighted(embedConcurrency),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.wire(); err != nil {
		c.closePartial()
		return nil, NewMemoryError("New", err)
	}
	return c, nil
}

func (c *Client) wire() error {
	cfg := c.cfg
	profile := cfg.Profile()

	if cfg.RedisURL != "" && c.rdb == nil {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("%w: bad redis url: %v", ErrInvalidConfig, err)
		}
		c.rdb = redis.NewClient(redisOpts)
	}

	if c.meta == nil {
		meta, err := c.buildMetadataStore()
		if err != nil {
			return err
		}
		c.meta = meta
	}
	if c.vecs == nil {
		vecs, err := c.buildVectorStore()
		if err != nil {
			return err
		}
		c.vecs = vecs
	}

	if c.emb == nil {
		emb, err := c.buildEmbedder(profile)
		if err != nil {
			return err
		}
		c.emb = emb
	}
	if c.gen == nil {
		gen, err := c.buildLLM()
		if err != nil {
			return err
		}
		c.gen = gen
	}

	if cfg.EncryptionEnabled && c.enc == nil {
		enc, err := security.NewEncryptor(cfg.EncryptionKey, cfg.EncryptionSalt, 1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSecurity, err)
		}
		c.enc = enc
	}

	if c.bus == nil {
		c.bus = events.NewBus(c.logger)
	}
	c.sched = scheduler.New(c.logger)

	if c.locker == nil {
		if c.rdb != nil {
			c.locker = locks.NewRedisLocker(c.rdb, "om")
		} else if sqlLocks, ok := c.meta.(locks.SQLLockStore); ok {
			c.locker = locks.NewSQLLocker(sqlLocks)
		}
	}
	if c.kv == nil {
		if c.rdb != nil {
			c.kv = cache.NewRedisCache(c.rdb, "om")
		} else {
			c.kv = cache.NewMemoryCache()
		}
	}

	c.vcache = vector.NewCache(profile.CacheSegments*1024, 0)
	c.waypoints = graph.NewManager(c.meta, c.logger,
		cfg.Dynamics.EtaTrace,
		cfg.Reinforcement.MaxWaypointWeight,
		cfg.Reinforcement.PruneThreshold,
		5)
	c.knowledge = temporal.NewGraph(c.meta, c.bus, c.logger)
	c.decay = dynamics.NewDecay(c.meta, c.vecs, c.vcache, c.bus, c.logger, dynamics.Config{
		SegmentSize:   cfg.Decay.SegmentSize,
		Ratio:         cfg.Decay.Ratio,
		SleepMs:       cfg.Decay.SleepMs,
		ColdThreshold: cfg.Decay.ColdThreshold,
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		return fmt.Errorf("snowflake: %w", err)
	}
	c.node = node
	return nil
}

func (c *Client) buildMetadataStore() (storage.MetadataStore, error) {
	cfg := c.cfg
	switch cfg.MetadataBackend {
	case BackendSQLite:
		return sqlite.NewClient(&sqlite.Config{
			Path:     cfg.DBPath,
			MinDim:   cfg.MinVectorDim,
			MaxDim:   cfg.MaxVectorDim,
			TestMode: cfg.TestMode,
			KeepDB:   cfg.TestKeepDB,
		})
	case BackendPostgres:
		return postgres.NewClient(context.Background(), &postgres.Config{
			DSN:    cfg.PGDSN,
			Schema: cfg.PGSchema,
			MinDim: cfg.MinVectorDim,
			MaxDim: cfg.MaxVectorDim,
		})
	default:
		return nil, fmt.Errorf("%w: metadata backend %q", ErrInvalidConfig, cfg.MetadataBackend)
	}
}

func (c *Client) buildVectorStore() (storage.VectorStore, error) {
	cfg := c.cfg
	// The SQL clients implement both stores; a same-backend setup shares
	// one handle (and one transaction scope).
	if cfg.VectorBackend == cfg.MetadataBackend {
		if vs, ok := c.meta.(storage.VectorStore); ok {
			return vs, nil
		}
	}
	switch cfg.VectorBackend {
	case BackendSQLite:
		return sqlite.NewClient(&sqlite.Config{
			Path:     cfg.DBPath,
			MinDim:   cfg.MinVectorDim,
			MaxDim:   cfg.MaxVectorDim,
			TestMode: cfg.TestMode,
			KeepDB:   cfg.TestKeepDB,
		})
	case BackendPostgres:
		return postgres.NewClient(context.Background(), &postgres.Config{
			DSN:    cfg.PGDSN,
			Schema: cfg.PGSchema,
			MinDim: cfg.MinVectorDim,
			MaxDim: cfg.MaxVectorDim,
		})
	case BackendValkey:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("%w: valkey vector backend without OM_REDIS_URL", ErrInvalidConfig)
		}
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: bad redis url: %v", ErrInvalidConfig, err)
		}
		return valkey.NewClient(context.Background(), &valkey.Config{
			Addr:     redisOpts.Addr,
			Username: redisOpts.Username,
			Password: redisOpts.Password,
			DB:       redisOpts.DB,
			MinDim:   cfg.MinVectorDim,
			MaxDim:   cfg.MaxVectorDim,
		})
	default:
		return nil, fmt.Errorf("%w: vector backend %q", ErrInvalidConfig, cfg.VectorBackend)
	}
}

func (c *Client) buildEmbedder(profile TierProfile) (embedder.Embedder, error) {
	cfg := c.cfg
	switch cfg.EmbedProvider {
	case "openai":
		return embedopenai.New(&embedopenai.Config{
			APIKey:     cfg.EmbedAPIKey,
			BaseURL:    cfg.EmbedBaseURL,
			Model:      cfg.EmbedModel,
			Dimensions: profile.VecDim,
		})
	case "ollama":
		return embedollama.New(&embedollama.Config{
			BaseURL:    cfg.EmbedBaseURL,
			Model:      cfg.EmbedModel,
			Dimensions: profile.VecDim,
		}), nil
	case "local":
		return embedlocal.New(profile.VecDim), nil
	default:
		return nil, fmt.Errorf("%w: embed provider %q", ErrInvalidConfig, cfg.EmbedProvider)
	}
}

func (c *Client) buildLLM() (llm.LLM, error) {
	cfg := c.cfg
	switch cfg.LLMProvider {
	case "", "none":
		return nil, nil
	case "openai":
		return llmopenai.New(&llmopenai.Config{
			APIKey: cfg.LLMAPIKey,
			Model:  cfg.LLMModel,
		})
	case "ollama":
		return llmollama.New(&llmollama.Config{
			Model: cfg.LLMModel,
		}), nil
	default:
		return nil, fmt.Errorf("%w: llm provider %q", ErrInvalidConfig, cfg.LLMProvider)
	}
}

// Knowledge exposes the bitemporal knowledge graph.
func (c *Client) Knowledge() *temporal.Graph { return c.knowledge }

// Events exposes the event bus for subscriptions.
func (c *Client) Events() *events.Bus { return c.bus }

// CacheStats reports the vector cache counters.
func (c *Client) CacheStats() vector.CacheStats { return c.vcache.Stats() }

// MaintenanceStatus snapshots the scheduled maintenance tasks.
func (c *Client) MaintenanceStatus() []scheduler.TaskStatus { return c.sched.Status() }

// StartMaintenance registers the periodic sweeps: salience decay, waypoint
// decay, temporal fact decay and orphaned-vector cleanup. Each sweep takes
// a distributed lock first so only one process in a deployment runs it.
func (c *Client) StartMaintenance() {
	c.sched.Register("decay_sweep", 5*time.Minute, func(ctx context.Context) error {
		return c.withMaintenanceLock(ctx, "decay_sweep", func(ctx context.Context) error {
			_, err := c.decay.Sweep(ctx)
			return err
		})
	})
	c.sched.Register("waypoint_decay", time.Hour, func(ctx context.Context) error {
		return c.withMaintenanceLock(ctx, "waypoint_decay", func(ctx context.Context) error {
			_, _, err := c.waypoints.DecaySweep(ctx, 24*time.Hour, 0.98)
			return err
		})
	})
	c.sched.Register("fact_decay", time.Hour, func(ctx context.Context) error {
		return c.withMaintenanceLock(ctx, "fact_decay", func(ctx context.Context) error {
			now := NowMillis(c.clock)
			cutoff := now - (30 * 24 * time.Hour).Milliseconds()
			_, _, err := c.knowledge.DecaySweep(ctx, cutoff, 0.95, now, c.cfg.Decay.SegmentSize)
			return err
		})
	})
	c.sched.Register("vector_orphans", 6*time.Hour, func(ctx context.Context) error {
		return c.withMaintenanceLock(ctx, "vector_orphans", func(ctx context.Context) error {
			_, err := c.vecs.CleanupOrphanedVectors(ctx, "", func(id string) bool {
				_, err := c.meta.GetMemory(ctx, id)
				return err == nil
			})
			return err
		})
	})
}

func (c *Client) withMaintenanceLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if c.locker == nil {
		return fn(ctx)
	}
	held, err := locks.WithLock(ctx, c.locker, name, 10*time.Minute, fn)
	if err != nil {
		return err
	}
	if !held {
		c.logger.Debug("maintenance lock held elsewhere", zap.String("task", name))
	}
	return nil
}

// RunDecayNow runs one decay sweep synchronously, outside the schedule.
func (c *Client) RunDecayNow(ctx context.Context) error {
	_, err := c.decay.Sweep(ctx)
	return NewMemoryError("RunDecayNow", err)
}

// Close stops maintenance and releases every store. Scheduled loops get a
// bounded drain; stores close regardless.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.sched != nil {
		if !c.sched.StopAll(5 * time.Second) {
			c.logger.Warn("maintenance tasks did not drain before deadline")
		}
	}
	return c.closePartial()
}

func (c *Client) closePartial() error {
	var firstErr error
	// The vector store may be the same handle as the metadata store.
	if c.vecs != nil && (any(c.vecs) != any(c.meta)) {
		if err := c.vecs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.meta != nil {
		if err := c.meta.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return NewMemoryError("Close", firstErr)
}
