package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openmemory/openmemory-go/pkg/storage"
)

// UpsertWaypoint inserts an associative edge or reinforces the existing one
// by eta, clamped at maxWeight.
func (c *Client) UpsertWaypoint(ctx context.Context, row *storage.WaypointRow, eta, maxWeight float64) error {
	if row.SrcID == row.DstID {
		return fmt.Errorf("UpsertWaypoint: self-edge %s", row.SrcID)
	}
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(src_id, dst_id, user_id) DO UPDATE SET
			weight = MIN(?, waypoints.weight + ?),
			updated_at = excluded.updated_at`,
		row.SrcID, row.DstID, row.UserID, row.Weight, row.CreatedAt, row.UpdatedAt,
		maxWeight, eta)
	if err != nil {
		return fmt.Errorf("UpsertWaypoint: %w", err)
	}
	return nil
}

// GetWaypointsTouching returns every edge with either endpoint in ids.
// Edges are undirected in meaning, so both directions are matched.
func (c *Client) GetWaypointsTouching(ctx context.Context, ids []string, userID string) ([]*storage.WaypointRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := ""
	params := make([]interface{}, 0, 2*len(ids)+1)
	for i, id := range ids {
		if i > 0 {
			marks += ","
		}
		marks += "?"
		params = append(params, id)
	}
	for _, id := range ids {
		params = append(params, id)
	}
	params = append(params, userID)
	query := fmt.Sprintf(
		`SELECT src_id, dst_id, user_id, weight, created_at, updated_at
		 FROM waypoints WHERE (src_id IN (%s) OR dst_id IN (%s)) AND user_id = ?`, marks, marks)

	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("GetWaypointsTouching: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.WaypointRow
	for rows.Next() {
		var w storage.WaypointRow
		var user sql.NullString
		if err := rows.Scan(&w.SrcID, &w.DstID, &user, &w.Weight, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.UserID = user.String
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ReinforceWaypoint bumps the weight of one edge (either direction).
func (c *Client) ReinforceWaypoint(ctx context.Context, srcID, dstID string, boost, maxWeight float64) error {
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`UPDATE waypoints SET weight = MIN(?, weight + ?), updated_at = ?
		 WHERE (src_id = ? AND dst_id = ?) OR (src_id = ? AND dst_id = ?)`,
		maxWeight, boost, time.Now().UnixMilli(), srcID, dstID, dstID, srcID)
	if err != nil {
		return fmt.Errorf("ReinforceWaypoint: %w", err)
	}
	return nil
}

// ScaleWaypoints multiplies the weight of idle edges by factor.
func (c *Client) ScaleWaypoints(ctx context.Context, notUpdatedSince int64, factor float64) (int, error) {
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`UPDATE waypoints SET weight = weight * ? WHERE updated_at < ?`, factor, notUpdatedSince)
	if err != nil {
		return 0, fmt.Errorf("ScaleWaypoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneWaypoints removes edges below the weight threshold and edges whose
// endpoint memory no longer exists.
func (c *Client) PruneWaypoints(ctx context.Context, threshold float64) (int, error) {
	q := storage.Querier(ctx, c.db)
	res, err := q.ExecContext(ctx, `DELETE FROM waypoints WHERE weight < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("PruneWaypoints: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = q.ExecContext(ctx,
		`DELETE FROM waypoints WHERE src_id NOT IN (SELECT id FROM memories)
			OR dst_id NOT IN (SELECT id FROM memories)`)
	if err != nil {
		return int(n), fmt.Errorf("PruneWaypoints: orphans: %w", err)
	}
	n2, _ := res.RowsAffected()
	return int(n + n2), nil
}

// DeleteWaypointsFor removes every edge touching memoryID, both directions.
func (c *Client) DeleteWaypointsFor(ctx context.Context, memoryID string) error {
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`DELETE FROM waypoints WHERE src_id = ? OR dst_id = ?`, memoryID, memoryID)
	if err != nil {
		return fmt.Errorf("DeleteWaypointsFor: %w", err)
	}
	return nil
}

const factColumns = `id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata`

// InsertFact inserts a bitemporal fact row and returns its id.
func (c *Client) InsertFact(ctx context.Context, row *storage.FactRow) (int64, error) {
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`INSERT INTO temporal_facts (id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableID(row.ID), nullable(row.UserID), row.Subject, row.Predicate, row.Object,
		row.ValidFrom, row.ValidTo, row.Confidence, row.LastUpdated, row.MetadataJSON)
	if err != nil {
		return 0, fmt.Errorf("InsertFact: %w", err)
	}
	if row.ID != 0 {
		return row.ID, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("InsertFact: %w", err)
	}
	return id, nil
}

// UpdateFact writes a fact row back by id.
func (c *Client) UpdateFact(ctx context.Context, row *storage.FactRow) error {
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`UPDATE temporal_facts SET valid_from = ?, valid_to = ?, confidence = ?, last_updated = ?, metadata = ?
		 WHERE id = ?`,
		row.ValidFrom, row.ValidTo, row.Confidence, row.LastUpdated, row.MetadataJSON, row.ID)
	if err != nil {
		return fmt.Errorf("UpdateFact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetOpenFact finds the open fact for (user, subject, predicate), if any.
// At most one can exist; if duplicates ever appear the newest wins.
func (c *Client) GetOpenFact(ctx context.Context, userID, subject, predicate string) (*storage.FactRow, error) {
	query, params := storage.InjectUserScope(
		`SELECT `+factColumns+` FROM temporal_facts
		 WHERE subject = ? AND predicate = ? AND valid_to = 0
		 ORDER BY valid_from DESC LIMIT 1`,
		userID, []interface{}{subject, predicate})
	return c.getFact(ctx, query, params)
}

// GetOpenFactExact finds the open fact matching object as well.
func (c *Client) GetOpenFactExact(ctx context.Context, userID, subject, predicate, object string) (*storage.FactRow, error) {
	query, params := storage.InjectUserScope(
		`SELECT `+factColumns+` FROM temporal_facts
		 WHERE subject = ? AND predicate = ? AND object = ? AND valid_to = 0
		 ORDER BY valid_from DESC LIMIT 1`,
		userID, []interface{}{subject, predicate, object})
	return c.getFact(ctx, query, params)
}

func (c *Client) getFact(ctx context.Context, query string, params []interface{}) (*storage.FactRow, error) {
	row := storage.Querier(ctx, c.db).QueryRowContext(ctx, query, params...)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getFact: %w", err)
	}
	return f, nil
}

// QueryFactsAtTime returns facts valid at the given instant, ordered by
// confidence descending then valid_from descending.
func (c *Client) QueryFactsAtTime(ctx context.Context, at int64, filter storage.FactFilter) ([]*storage.FactRow, error) {
	query := `SELECT ` + factColumns + ` FROM temporal_facts
		 WHERE valid_from <= ? AND (valid_to = 0 OR valid_to > ?)`
	params := []interface{}{at, at}
	if filter.Subject != "" {
		query += ` AND subject = ?`
		params = append(params, filter.Subject)
	}
	if filter.Predicate != "" {
		query += ` AND predicate = ?`
		params = append(params, filter.Predicate)
	}
	// Scope before appending tail clauses so placeholder order matches
	// parameter order.
	query, params = storage.InjectUserScope(query, filter.UserID, params)
	query += ` ORDER BY confidence DESC, valid_from DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		params = append(params, filter.Limit)
	}

	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("QueryFactsAtTime: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.FactRow
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListStaleFacts returns open facts not updated since the given stamp.
func (c *Client) ListStaleFacts(ctx context.Context, notUpdatedSince int64, limit int) ([]*storage.FactRow, error) {
	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx,
		`SELECT `+factColumns+` FROM temporal_facts
		 WHERE valid_to = 0 AND last_updated < ? ORDER BY last_updated LIMIT ?`,
		notUpdatedSince, limit)
	if err != nil {
		return nil, fmt.Errorf("ListStaleFacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.FactRow
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFactsByUser removes a tenant's facts.
func (c *Client) DeleteFactsByUser(ctx context.Context, userID string) error {
	query, params := storage.InjectUserScope(`DELETE FROM temporal_facts`, userID, nil)
	if _, err := storage.Querier(ctx, c.db).ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("DeleteFactsByUser: %w", err)
	}
	return nil
}

func scanFact(s scanner) (*storage.FactRow, error) {
	var f storage.FactRow
	var user, meta sql.NullString
	err := s.Scan(&f.ID, &user, &f.Subject, &f.Predicate, &f.Object,
		&f.ValidFrom, &f.ValidTo, &f.Confidence, &f.LastUpdated, &meta)
	if err != nil {
		return nil, err
	}
	f.UserID = user.String
	f.MetadataJSON = meta.String
	return &f, nil
}

const edgeColumns = `id, user_id, source_id, target_id, relation_type, valid_from, valid_to, weight, last_updated, metadata`

// InsertEdge inserts a bitemporal edge row and returns its id.
func (c *Client) InsertEdge(ctx context.Context, row *storage.EdgeRow) (int64, error) {
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`INSERT INTO temporal_edges (id, user_id, source_id, target_id, relation_type, valid_from, valid_to, weight, last_updated, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableID(row.ID), nullable(row.UserID), row.SourceID, row.TargetID, row.RelationType,
		row.ValidFrom, row.ValidTo, row.Weight, row.LastUpdated, row.MetadataJSON)
	if err != nil {
		return 0, fmt.Errorf("InsertEdge: %w", err)
	}
	if row.ID != 0 {
		return row.ID, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("InsertEdge: %w", err)
	}
	return id, nil
}

// UpdateEdge writes an edge row back by id.
func (c *Client) UpdateEdge(ctx context.Context, row *storage.EdgeRow) error {
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`UPDATE temporal_edges SET valid_from = ?, valid_to = ?, weight = ?, last_updated = ?, metadata = ?
		 WHERE id = ?`,
		row.ValidFrom, row.ValidTo, row.Weight, row.LastUpdated, row.MetadataJSON, row.ID)
	if err != nil {
		return fmt.Errorf("UpdateEdge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetOpenEdge finds the open edge for (user, source, target, relation).
func (c *Client) GetOpenEdge(ctx context.Context, userID, sourceID, targetID, relationType string) (*storage.EdgeRow, error) {
	query, params := storage.InjectUserScope(
		`SELECT `+edgeColumns+` FROM temporal_edges
		 WHERE source_id = ? AND target_id = ? AND relation_type = ? AND valid_to = 0
		 ORDER BY valid_from DESC LIMIT 1`,
		userID, []interface{}{sourceID, targetID, relationType})
	row := storage.Querier(ctx, c.db).QueryRowContext(ctx, query, params...)
	e, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetOpenEdge: %w", err)
	}
	return e, nil
}

// QueryEdgesAtTime returns edges valid at the given instant.
func (c *Client) QueryEdgesAtTime(ctx context.Context, at int64, userID string) ([]*storage.EdgeRow, error) {
	query, params := storage.InjectUserScope(
		`SELECT `+edgeColumns+` FROM temporal_edges
		 WHERE valid_from <= ? AND (valid_to = 0 OR valid_to > ?)
		 ORDER BY weight DESC`,
		userID, []interface{}{at, at})
	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("QueryEdgesAtTime: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.EdgeRow
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEdgesByUser removes a tenant's edges.
func (c *Client) DeleteEdgesByUser(ctx context.Context, userID string) error {
	query, params := storage.InjectUserScope(`DELETE FROM temporal_edges`, userID, nil)
	if _, err := storage.Querier(ctx, c.db).ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("DeleteEdgesByUser: %w", err)
	}
	return nil
}

func scanEdge(s scanner) (*storage.EdgeRow, error) {
	var e storage.EdgeRow
	var user, meta sql.NullString
	err := s.Scan(&e.ID, &user, &e.SourceID, &e.TargetID, &e.RelationType,
		&e.ValidFrom, &e.ValidTo, &e.Weight, &e.LastUpdated, &meta)
	if err != nil {
		return nil, err
	}
	e.UserID = user.String
	e.MetadataJSON = meta.String
	return &e, nil
}

// UpsertUserSummary writes the consolidated summary for a tenant.
func (c *Client) UpsertUserSummary(ctx context.Context, row *storage.UserSummaryRow) error {
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`INSERT INTO user_summaries (user_id, summary, reflection_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			summary = excluded.summary,
			reflection_count = excluded.reflection_count,
			updated_at = excluded.updated_at`,
		row.UserID, row.Summary, row.ReflectionCount, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("UpsertUserSummary: %w", err)
	}
	return nil
}

// GetUserSummary fetches the consolidated summary for a tenant.
func (c *Client) GetUserSummary(ctx context.Context, userID string) (*storage.UserSummaryRow, error) {
	var row storage.UserSummaryRow
	err := storage.Querier(ctx, c.db).QueryRowContext(ctx,
		`SELECT user_id, summary, reflection_count, created_at, updated_at
		 FROM user_summaries WHERE user_id = ?`, userID).
		Scan(&row.UserID, &row.Summary, &row.ReflectionCount, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetUserSummary: %w", err)
	}
	return &row, nil
}

// SaveClassifierModel persists a per-user learned head, bumping its version.
func (c *Client) SaveClassifierModel(ctx context.Context, row *storage.ClassifierModelRow) error {
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`INSERT INTO classifier_models (user_id, model, version, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			model = excluded.model,
			version = classifier_models.version + 1,
			updated_at = excluded.updated_at`,
		row.UserID, row.ModelJSON, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("SaveClassifierModel: %w", err)
	}
	return nil
}

// GetClassifierModel fetches a per-user learned head.
func (c *Client) GetClassifierModel(ctx context.Context, userID string) (*storage.ClassifierModelRow, error) {
	var row storage.ClassifierModelRow
	err := storage.Querier(ctx, c.db).QueryRowContext(ctx,
		`SELECT user_id, model, version, updated_at FROM classifier_models WHERE user_id = ?`, userID).
		Scan(&row.UserID, &row.ModelJSON, &row.Version, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetClassifierModel: %w", err)
	}
	return &row, nil
}

// nullableID maps a zero int64 id to NULL so SQLite assigns the rowid.
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
