package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/vector"
)

// StoreVector upserts one sector vector for a memory.
func (c *Client) StoreVector(ctx context.Context, item storage.VectorItem, userID string) error {
	if err := c.checkDim(item); err != nil {
		return err
	}
	blob := vector.Encode(item.Vec)
	meta := encodeVectorMetadata(item.Metadata)
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`INSERT INTO vectors (memory_id, sector, user_id, v, dim, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(memory_id, sector) DO UPDATE SET
			user_id = excluded.user_id,
			v = excluded.v,
			dim = excluded.dim,
			metadata = excluded.metadata`,
		item.MemoryID, item.Sector, nullable(userID), blob, item.Dim, meta)
	if err != nil {
		return fmt.Errorf("StoreVector: %w", err)
	}
	return nil
}

// StoreVectors batch-upserts sector vectors in one transaction.
func (c *Client) StoreVectors(ctx context.Context, items []storage.VectorItem, userID string) error {
	if len(items) == 0 {
		return nil
	}
	return storage.RunInTx(ctx, c.db, func(ctx context.Context) error {
		for _, item := range items {
			if err := c.StoreVector(ctx, item, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SearchSimilar loads the sector's vectors for the tenant and ranks them by
// cosine similarity in memory. SQLite has no native ANN index; at the scale
// this backend targets a full sector scan stays well under a millisecond per
// thousand rows.
func (c *Client) SearchSimilar(ctx context.Context, sector string, query []float32, topK int, userID string, filter map[string]interface{}) ([]storage.SimilarityHit, error) {
	if topK <= 0 || len(query) == 0 {
		return nil, nil
	}
	q, params := storage.InjectUserScope(
		`SELECT memory_id, v, dim, metadata FROM vectors WHERE sector = ?`,
		userID, []interface{}{sector})
	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}
	defer func() { _ = rows.Close() }()

	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var blob []byte
		var dim int
		var meta []byte
		if err := rows.Scan(&id, &blob, &dim, &meta); err != nil {
			return nil, fmt.Errorf("SearchSimilar: scan: %w", err)
		}
		if !matchesFilter(meta, filter) {
			continue
		}
		vec, err := vector.Decode(blob)
		if err != nil || len(vec) != len(query) {
			continue
		}
		scores[id] = vector.Cosine(query, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}

	ranked := vector.TopK(scores, topK)
	hits := make([]storage.SimilarityHit, len(ranked))
	for i, s := range ranked {
		hits[i] = storage.SimilarityHit{ID: s.ID, Score: s.Score}
	}
	return hits, nil
}

// GetVectorsByIDs returns all sector vectors of the given memories, keyed by
// memory id.
func (c *Client) GetVectorsByIDs(ctx context.Context, ids []string, userID string) (map[string][]storage.VectorRow, error) {
	if len(ids) == 0 {
		return map[string][]storage.VectorRow{}, nil
	}
	query, params := inClause(`SELECT memory_id, sector, user_id, v, dim, metadata FROM vectors WHERE memory_id IN (%s)`, ids)
	query, params = storage.InjectUserScope(query, userID, params)

	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("GetVectorsByIDs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]storage.VectorRow, len(ids))
	for rows.Next() {
		var r storage.VectorRow
		var user, meta []byte
		var blob []byte
		if err := rows.Scan(&r.MemoryID, &r.Sector, &user, &blob, &r.Dim, &meta); err != nil {
			return nil, fmt.Errorf("GetVectorsByIDs: scan: %w", err)
		}
		r.UserID = string(user)
		vec, err := vector.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("GetVectorsByIDs: %s/%s: %w", r.MemoryID, r.Sector, err)
		}
		r.Vec = vec
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &r.Metadata)
		}
		out[r.MemoryID] = append(out[r.MemoryID], r)
	}
	return out, rows.Err()
}

// IterateVectorIDs streams distinct memory ids holding at least one vector.
func (c *Client) IterateVectorIDs(ctx context.Context, userID string, fn func(id string) error) error {
	query, params := storage.InjectUserScope(`SELECT DISTINCT memory_id FROM vectors`, userID, nil)
	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("IterateVectorIDs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("IterateVectorIDs: scan: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteVector removes one sector vector.
func (c *Client) DeleteVector(ctx context.Context, memoryID, sector string) error {
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`DELETE FROM vectors WHERE memory_id = ? AND sector = ?`, memoryID, sector)
	if err != nil {
		return fmt.Errorf("DeleteVector: %w", err)
	}
	return nil
}

// DeleteVectors removes every sector vector of a memory.
func (c *Client) DeleteVectors(ctx context.Context, memoryID string) error {
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`DELETE FROM vectors WHERE memory_id = ?`, memoryID)
	if err != nil {
		return fmt.Errorf("DeleteVectors: %w", err)
	}
	return nil
}

// DeleteVectorsByUser removes a tenant's vectors.
func (c *Client) DeleteVectorsByUser(ctx context.Context, userID string) error {
	query, params := storage.InjectUserScope(`DELETE FROM vectors`, userID, nil)
	if _, err := storage.Querier(ctx, c.db).ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("DeleteVectorsByUser: %w", err)
	}
	return nil
}

// CleanupOrphanedVectors removes vector rows whose memory id is rejected by
// exists. With both stores on the same database the subquery path is exact;
// the exists callback still filters so mixed deployments behave the same.
func (c *Client) CleanupOrphanedVectors(ctx context.Context, userID string, exists func(id string) bool) (int, error) {
	var orphans []string
	err := c.IterateVectorIDs(ctx, userID, func(id string) error {
		if !exists(id) {
			orphans = append(orphans, id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("CleanupOrphanedVectors: %w", err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	removed := 0
	err = storage.RunInTx(ctx, c.db, func(ctx context.Context) error {
		for _, id := range orphans {
			if err := c.DeleteVectors(ctx, id); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

func (c *Client) checkDim(item storage.VectorItem) error {
	if item.Dim != len(item.Vec) || item.Dim < c.minDim || item.Dim > c.maxDim {
		return fmt.Errorf("StoreVector: %s/%s dim %d: %w",
			item.MemoryID, item.Sector, item.Dim, storage.ErrDimMismatch)
	}
	return nil
}

func encodeVectorMetadata(m map[string]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

// matchesFilter applies an exact-match metadata filter against the stored
// JSON blob. An empty filter matches everything.
func matchesFilter(meta []byte, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	if len(meta) == 0 {
		return false
	}
	var stored map[string]interface{}
	if err := json.Unmarshal(meta, &stored); err != nil {
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
