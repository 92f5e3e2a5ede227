package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/vector"
)

// storeVectorsChunk bounds the rows per multi-VALUES insert; seven
// parameters per row keeps the statement far below the wire limit.
const storeVectorsChunk = 2000

// StoreVector upserts one sector vector for a memory.
func (c *Client) StoreVector(ctx context.Context, item storage.VectorItem, userID string) error {
	return c.StoreVectors(ctx, []storage.VectorItem{item}, userID)
}

// StoreVectors batch-upserts sector vectors in chunked multi-row inserts,
// all inside one transaction.
func (c *Client) StoreVectors(ctx context.Context, items []storage.VectorItem, userID string) error {
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if err := c.checkDim(item); err != nil {
			return err
		}
	}
	return storage.RunInTx(ctx, c.db, func(ctx context.Context) error {
		for from := 0; from < len(items); from += storeVectorsChunk {
			to := from + storeVectorsChunk
			if to > len(items) {
				to = len(items)
			}
			if err := c.storeChunk(ctx, items[from:to], userID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Client) storeChunk(ctx context.Context, items []storage.VectorItem, userID string) error {
	var (
		values strings.Builder
		params []interface{}
	)
	cols := 6
	embUpdate := ""
	if c.pgvector {
		cols = 7
		embUpdate = ", emb = excluded.emb"
	}
	params = make([]interface{}, 0, cols*len(items))
	for i, item := range items {
		if i > 0 {
			values.WriteString(",")
		}
		if c.pgvector {
			values.WriteString("(?, ?, ?, ?, ?, ?, ?::vector)")
			params = append(params, item.MemoryID, item.Sector, nullable(userID),
				vector.Encode(item.Vec), item.Dim, encodeVectorMetadata(item.Metadata),
				vecLiteral(item.Vec))
		} else {
			values.WriteString("(?, ?, ?, ?, ?, ?)")
			params = append(params, item.MemoryID, item.Sector, nullable(userID),
				vector.Encode(item.Vec), item.Dim, encodeVectorMetadata(item.Metadata))
		}
	}

	columns := "memory_id, sector, user_id, v, dim, metadata"
	if c.pgvector {
		columns += ", emb"
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s
		 ON CONFLICT (memory_id, sector) DO UPDATE SET
			user_id = excluded.user_id,
			v = excluded.v,
			dim = excluded.dim,
			metadata = excluded.metadata%s`,
		c.tVectors, columns, values.String(), embUpdate)
	if _, err := c.exec(ctx, query, params...); err != nil {
		return fmt.Errorf("StoreVectors: %w", err)
	}
	return nil
}

// SearchSimilar ranks the sector's vectors by cosine similarity. With
// pgvector the ranking runs server-side over the `<=>` operator; otherwise
// the sector is loaded and ranked in memory.
func (c *Client) SearchSimilar(ctx context.Context, sector string, query []float32, topK int, userID string, filter map[string]interface{}) ([]storage.SimilarityHit, error) {
	if topK <= 0 || len(query) == 0 {
		return nil, nil
	}
	// The metadata filter has no server-side representation, so a filtered
	// search always takes the scan path.
	if c.pgvector && len(filter) == 0 {
		return c.searchKNN(ctx, sector, query, topK, userID)
	}
	return c.searchScan(ctx, sector, query, topK, userID, filter)
}

func (c *Client) searchKNN(ctx context.Context, sector string, query []float32, topK int, userID string) ([]storage.SimilarityHit, error) {
	lit := vecLiteral(query)
	q, params := storage.InjectUserScope(
		fmt.Sprintf(`SELECT memory_id, 1 - (emb <=> ?::vector) AS score
		 FROM %s WHERE sector = ? AND dim = ? AND emb IS NOT NULL`, c.tVectors),
		userID, []interface{}{lit, sector, len(query)})
	q += ` ORDER BY emb <=> ?::vector LIMIT ?`
	params = append(params, lit, topK)

	rows, err := c.query(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SimilarityHit
	for rows.Next() {
		var h storage.SimilarityHit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("SearchSimilar: scan: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (c *Client) searchScan(ctx context.Context, sector string, query []float32, topK int, userID string, filter map[string]interface{}) ([]storage.SimilarityHit, error) {
	q, params := storage.InjectUserScope(
		fmt.Sprintf(`SELECT memory_id, v, dim, metadata FROM %s WHERE sector = ?`, c.tVectors),
		userID, []interface{}{sector})
	rows, err := c.query(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("SearchSimilar: %w", err)
	}
	defer func() { _ = rows.Close() }()

	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var blob, meta []byte
		var dim int
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

// GetVectorsByIDs returns all sector vectors of the given memories.
func (c *Client) GetVectorsByIDs(ctx context.Context, ids []string, userID string) (map[string][]storage.VectorRow, error) {
	if len(ids) == 0 {
		return map[string][]storage.VectorRow{}, nil
	}
	query, params := inClause(
		fmt.Sprintf(`SELECT memory_id, sector, user_id, v, dim, metadata FROM %s WHERE memory_id IN (%%s)`, c.tVectors), ids)
	query, params = storage.InjectUserScope(query, userID, params)

	rows, err := c.query(ctx, query, params...)
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
	query, params := storage.InjectUserScope(
		fmt.Sprintf(`SELECT DISTINCT memory_id FROM %s`, c.tVectors), userID, nil)
	rows, err := c.query(ctx, query, params...)
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
	_, err := c.exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE memory_id = ? AND sector = ?`, c.tVectors),
		memoryID, sector)
	if err != nil {
		return fmt.Errorf("DeleteVector: %w", err)
	}
	return nil
}

// DeleteVectors removes every sector vector of a memory.
func (c *Client) DeleteVectors(ctx context.Context, memoryID string) error {
	_, err := c.exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE memory_id = ?`, c.tVectors), memoryID)
	if err != nil {
		return fmt.Errorf("DeleteVectors: %w", err)
	}
	return nil
}

// DeleteVectorsByUser removes a tenant's vectors.
func (c *Client) DeleteVectorsByUser(ctx context.Context, userID string) error {
	query, params := storage.InjectUserScope(fmt.Sprintf(`DELETE FROM %s`, c.tVectors), userID, nil)
	if _, err := c.exec(ctx, query, params...); err != nil {
		return fmt.Errorf("DeleteVectorsByUser: %w", err)
	}
	return nil
}

// CleanupOrphanedVectors removes vector rows whose memory id is rejected by
// exists.
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

// vecLiteral renders a pgvector input literal: [v1,v2,...].
func vecLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(12 * len(vec))
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
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
