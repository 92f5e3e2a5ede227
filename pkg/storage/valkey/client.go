// Package valkey implements the vector store on a Valkey/Redis server.
// Vectors live in hashes keyed vec:<sector>:<memoryID>; similarity search
// scans the sector keyspace and ranks by cosine in memory. The server is a
// vector backend only: metadata always stays in SQLite or PostgreSQL.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/vector"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 512

// Client implements storage.VectorStore on Valkey.
type Client struct {
	rdb    *redis.Client
	prefix string

	minDim int
	maxDim int
}

// Config contains configuration for creating a Valkey client.
type Config struct {
	// Addr is the host:port of the server.
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every key; defaults to "om".
	KeyPrefix string

	// MinDim and MaxDim bound accepted vector dimensions.
	MinDim int
	MaxDim int
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("NewValkeyClient: ping: %w", err)
	}

	c := &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		minDim: cfg.MinDim,
		maxDim: cfg.MaxDim,
	}
	if c.prefix == "" {
		c.prefix = "om"
	}
	if c.minDim <= 0 {
		c.minDim = 1
	}
	if c.maxDim <= 0 {
		c.maxDim = 4096
	}
	return c, nil
}

func (c *Client) key(sector, memoryID string) string {
	return c.prefix + ":vec:" + sector + ":" + memoryID
}

func (c *Client) pattern(sector string) string {
	if sector == "" {
		return c.prefix + ":vec:*"
	}
	return c.prefix + ":vec:" + sector + ":*"
}

// memoryIDFromKey strips the prefix and sector from a vector key.
func (c *Client) memoryIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, c.prefix+":vec:")
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[i+1:]
	}
	return rest
}

// StoreVector upserts one sector vector for a memory.
func (c *Client) StoreVector(ctx context.Context, item storage.VectorItem, userID string) error {
	if item.Dim != len(item.Vec) || item.Dim < c.minDim || item.Dim > c.maxDim {
		return fmt.Errorf("StoreVector: %s/%s dim %d: %w",
			item.MemoryID, item.Sector, item.Dim, storage.ErrDimMismatch)
	}
	fields := map[string]interface{}{
		"id":      item.MemoryID,
		"sector":  item.Sector,
		"user_id": userID,
		"dim":     item.Dim,
		"v":       vector.Encode(item.Vec),
	}
	if len(item.Metadata) > 0 {
		b, err := json.Marshal(item.Metadata)
		if err == nil {
			fields["metadata"] = b
		}
	}
	if err := c.rdb.HSet(ctx, c.key(item.Sector, item.MemoryID), fields).Err(); err != nil {
		return fmt.Errorf("StoreVector: %w", err)
	}
	return nil
}

// StoreVectors batch-upserts sector vectors through a pipeline.
func (c *Client) StoreVectors(ctx context.Context, items []storage.VectorItem, userID string) error {
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if item.Dim != len(item.Vec) || item.Dim < c.minDim || item.Dim > c.maxDim {
			return fmt.Errorf("StoreVectors: %s/%s dim %d: %w",
				item.MemoryID, item.Sector, item.Dim, storage.ErrDimMismatch)
		}
	}
	pipe := c.rdb.Pipeline()
	for _, item := range items {
		fields := map[string]interface{}{
			"id":      item.MemoryID,
			"sector":  item.Sector,
			"user_id": userID,
			"dim":     item.Dim,
			"v":       vector.Encode(item.Vec),
		}
		if len(item.Metadata) > 0 {
			if b, err := json.Marshal(item.Metadata); err == nil {
				fields["metadata"] = b
			}
		}
		pipe.HSet(ctx, c.key(item.Sector, item.MemoryID), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("StoreVectors: %w", err)
	}
	return nil
}

// SearchSimilar scans the sector's keys and ranks candidates by cosine
// similarity in memory.
func (c *Client) SearchSimilar(ctx context.Context, sector string, query []float32, topK int, userID string, filter map[string]interface{}) ([]storage.SimilarityHit, error) {
	if topK <= 0 || len(query) == 0 {
		return nil, nil
	}
	scores := make(map[string]float64)
	err := c.scanKeys(ctx, c.pattern(sector), func(key string) error {
		fields, err := c.rdb.HMGet(ctx, key, "id", "user_id", "v", "metadata").Result()
		if err != nil {
			return fmt.Errorf("hmget %s: %w", key, err)
		}
		id, _ := fields[0].(string)
		owner, _ := fields[1].(string)
		blob, _ := fields[2].(string)
		if id == "" || owner != userID {
			return nil
		}
		if len(filter) > 0 {
			meta, _ := fields[3].(string)
			if !matchesFilter(meta, filter) {
				return nil
			}
		}
		vec, err := vector.Decode([]byte(blob))
		if err != nil || len(vec) != len(query) {
			return nil
		}
		scores[id] = vector.Cosine(query, vec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}

	ranked := vector.TopK(scores, topK)
	hits := make([]storage.SimilarityHit, len(ranked))
	for i, s := range ranked {
		hits[i] = storage.SimilarityHit{ID: s.ID, Score: s.Score}
	}
	return hits, nil
}

// GetVectorsByIDs returns all sector vectors of the given memories.
func (c *Client) GetVectorsByIDs(ctx context.Context, ids []string, userID string) (map[string][]storage.VectorRow, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string][]storage.VectorRow, len(ids))
	err := c.scanKeys(ctx, c.pattern(""), func(key string) error {
		if !want[c.memoryIDFromKey(key)] {
			return nil
		}
		fields, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("hgetall %s: %w", key, err)
		}
		if fields["user_id"] != userID {
			return nil
		}
		vec, err := vector.Decode([]byte(fields["v"]))
		if err != nil {
			return nil
		}
		dim, _ := strconv.Atoi(fields["dim"])
		row := storage.VectorRow{
			MemoryID: fields["id"],
			Sector:   fields["sector"],
			UserID:   fields["user_id"],
			Vec:      vec,
			Dim:      dim,
		}
		if m := fields["metadata"]; m != "" {
			_ = json.Unmarshal([]byte(m), &row.Metadata)
		}
		out[row.MemoryID] = append(out[row.MemoryID], row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("GetVectorsByIDs: %w", err)
	}
	return out, nil
}

// IterateVectorIDs streams distinct memory ids, scoped to userID.
func (c *Client) IterateVectorIDs(ctx context.Context, userID string, fn func(id string) error) error {
	seen := make(map[string]bool)
	err := c.scanKeys(ctx, c.pattern(""), func(key string) error {
		id := c.memoryIDFromKey(key)
		if seen[id] {
			return nil
		}
		owner, err := c.rdb.HGet(ctx, key, "user_id").Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("hget %s: %w", key, err)
		}
		if owner != userID {
			return nil
		}
		seen[id] = true
		return fn(id)
	})
	if err != nil {
		return fmt.Errorf("IterateVectorIDs: %w", err)
	}
	return nil
}

// DeleteVector removes one sector vector.
func (c *Client) DeleteVector(ctx context.Context, memoryID, sector string) error {
	if err := c.rdb.Del(ctx, c.key(sector, memoryID)).Err(); err != nil {
		return fmt.Errorf("DeleteVector: %w", err)
	}
	return nil
}

// DeleteVectors removes every sector vector of a memory.
func (c *Client) DeleteVectors(ctx context.Context, memoryID string) error {
	var keys []string
	err := c.scanKeys(ctx, c.pattern(""), func(key string) error {
		if c.memoryIDFromKey(key) == memoryID {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("DeleteVectors: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("DeleteVectors: %w", err)
	}
	return nil
}

// DeleteVectorsByUser removes a tenant's vectors.
func (c *Client) DeleteVectorsByUser(ctx context.Context, userID string) error {
	var keys []string
	err := c.scanKeys(ctx, c.pattern(""), func(key string) error {
		owner, err := c.rdb.HGet(ctx, key, "user_id").Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("hget %s: %w", key, err)
		}
		if owner == userID {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("DeleteVectorsByUser: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("DeleteVectorsByUser: %w", err)
	}
	return nil
}

// CleanupOrphanedVectors removes vector keys whose memory id is rejected by
// exists.
func (c *Client) CleanupOrphanedVectors(ctx context.Context, userID string, exists func(id string) bool) (int, error) {
	var keys []string
	seen := make(map[string]bool)
	err := c.scanKeys(ctx, c.pattern(""), func(key string) error {
		id := c.memoryIDFromKey(key)
		verdict, ok := seen[id]
		if !ok {
			verdict = !exists(id)
			seen[id] = verdict
		}
		if verdict {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("CleanupOrphanedVectors: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("CleanupOrphanedVectors: %w", err)
	}
	return len(keys), nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// scanKeys walks the keyspace matching pattern with cursor-based SCAN.
func (c *Client) scanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func matchesFilter(meta string, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	if meta == "" {
		return false
	}
	var stored map[string]interface{}
	if err := json.Unmarshal([]byte(meta), &stored); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := stored[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
