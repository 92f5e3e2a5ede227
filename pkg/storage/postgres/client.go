// Package postgres implements the metadata and vector stores on PostgreSQL.
// Statements are written with `?` placeholders and translated to `$N` form
// on the way out; table names go through the validating resolver so a
// configured schema name can never smuggle SQL.
//
// When the pgvector extension is available, similarity search runs as a
// server-side KNN over the `<=>` cosine operator; otherwise the driver falls
// back to loading the sector and ranking in memory, same as SQLite.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/openmemory/openmemory-go/pkg/security"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

const schemaVersion = 3

// Client implements storage.MetadataStore and storage.VectorStore on a
// PostgreSQL database.
type Client struct {
	db       *sql.DB
	resolver *security.TableResolver

	minDim int
	maxDim int

	// pgvector reports whether the vector extension was installed.
	pgvector bool

	// Resolved table names, computed once at construction.
	tMemories    string
	tVectors     string
	tWaypoints   string
	tFacts       string
	tEdges       string
	tSummaries   string
	tClassifiers string
	tLocks       string
	tVersion     string
}

// Config contains configuration for creating a PostgreSQL client.
type Config struct {
	// DSN is the lib/pq connection string.
	DSN string

	// Schema is the schema holding the engine's tables. Empty means the
	// connection's default search path.
	Schema string

	// MinDim and MaxDim bound accepted vector dimensions.
	MinDim int
	MaxDim int

	// MaxOpenConns and MaxIdleConns tune the pool; zero keeps the
	// database/sql defaults.
	MaxOpenConns int
	MaxIdleConns int
}

// NewClient connects, validates the schema name, installs pgvector when the
// server allows it and initialises the schema idempotently.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.Schema != "" {
		if err := security.ValidateTableName(cfg.Schema); err != nil {
			return nil, fmt.Errorf("NewPostgresClient: %w", err)
		}
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: ping: %w", err)
	}

	c := &Client{
		db:       db,
		resolver: security.NewTableResolver(cfg.Schema),
		minDim:   cfg.MinDim,
		maxDim:   cfg.MaxDim,
	}
	if c.minDim <= 0 {
		c.minDim = 1
	}
	if c.maxDim <= 0 {
		c.maxDim = 4096
	}

	if err := c.resolveTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.initSchema(ctx, cfg.Schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) resolveTables() error {
	for _, t := range []struct {
		name string
		dst  *string
	}{
		{"memories", &c.tMemories},
		{"vectors", &c.tVectors},
		{"waypoints", &c.tWaypoints},
		{"temporal_facts", &c.tFacts},
		{"temporal_edges", &c.tEdges},
		{"user_summaries", &c.tSummaries},
		{"classifier_models", &c.tClassifiers},
		{"system_locks", &c.tLocks},
		{"schema_version", &c.tVersion},
	} {
		got, err := c.resolver.Resolve(t.name)
		if err != nil {
			return fmt.Errorf("resolveTables: %w", err)
		}
		*t.dst = got
	}
	return nil
}

func (c *Client) initSchema(ctx context.Context, schema string) error {
	if schema != "" {
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
			return fmt.Errorf("initSchema: create schema: %w", err)
		}
	}

	// pgvector is optional. Installation needs superuser on most managed
	// setups, so a failure just disables the server-side KNN path.
	if _, err := c.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err == nil {
		c.pgvector = true
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			segment BIGINT NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			simhash TEXT NOT NULL,
			primary_sector TEXT NOT NULL,
			tags TEXT,
			metadata TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_seen_at BIGINT NOT NULL,
			salience DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			decay_lambda DOUBLE PRECISION NOT NULL DEFAULT 0.005,
			version BIGINT NOT NULL DEFAULT 1,
			mean_dim INTEGER NOT NULL DEFAULT 0,
			mean_vec BYTEA,
			compressed_vec BYTEA,
			feedback_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			generated_summary TEXT NOT NULL DEFAULT '',
			coactivations BIGINT NOT NULL DEFAULT 0,
			key_version INTEGER NOT NULL DEFAULT 0
		)`, c.tMemories),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_memories_user ON %s (user_id)`, c.tMemories),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_memories_simhash ON %s (user_id, simhash)`, c.tMemories),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			memory_id TEXT NOT NULL,
			sector TEXT NOT NULL,
			user_id TEXT,
			v BYTEA NOT NULL,
			dim INTEGER NOT NULL,
			metadata TEXT,
			PRIMARY KEY (memory_id, sector)
		)`, c.tVectors),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_vectors_sector ON %s (sector, user_id)`, c.tVectors),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			src_id TEXT NOT NULL,
			dst_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			weight DOUBLE PRECISION NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (src_id, dst_id, user_id)
		)`, c.tWaypoints),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_waypoints_dst ON %s (dst_id)`, c.tWaypoints),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			valid_from BIGINT NOT NULL,
			valid_to BIGINT NOT NULL DEFAULT 0,
			confidence DOUBLE PRECISION NOT NULL,
			last_updated BIGINT NOT NULL,
			metadata TEXT
		)`, c.tFacts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_facts_open ON %s (user_id, subject, predicate, valid_to)`, c.tFacts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			valid_from BIGINT NOT NULL,
			valid_to BIGINT NOT NULL DEFAULT 0,
			weight DOUBLE PRECISION NOT NULL DEFAULT 1,
			last_updated BIGINT NOT NULL,
			metadata TEXT
		)`, c.tEdges),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_edges_open ON %s (user_id, source_id, target_id, relation_type, valid_to)`, c.tEdges),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			reflection_count BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, c.tSummaries),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at BIGINT NOT NULL
		)`, c.tClassifiers),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, c.tLocks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			applied_at BIGINT NOT NULL
		)`, c.tVersion),
	}
	if c.pgvector {
		stmts = append(stmts,
			fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS emb vector`, c.tVectors))
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initSchema: %w", err)
		}
	}

	_, err := c.db.ExecContext(ctx, storage.TranslatePlaceholders(fmt.Sprintf(
		`INSERT INTO %s (id, version, applied_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET version = excluded.version, applied_at = excluded.applied_at`,
		c.tVersion), 1),
		schemaVersion, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("initSchema: record version: %w", err)
	}
	return nil
}

// exec runs a `?`-form statement on the ctx transaction or the pool.
func (c *Client) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return storage.Querier(ctx, c.db).ExecContext(ctx, storage.TranslatePlaceholders(query, 1), args...)
}

// query runs a `?`-form query on the ctx transaction or the pool.
func (c *Client) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return storage.Querier(ctx, c.db).QueryContext(ctx, storage.TranslatePlaceholders(query, 1), args...)
}

// queryRow runs a `?`-form single-row query.
func (c *Client) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return storage.Querier(ctx, c.db).QueryRowContext(ctx, storage.TranslatePlaceholders(query, 1), args...)
}

// InTx runs fn inside a transaction scoped to ctx; nested calls reuse the
// parent's transaction.
func (c *Client) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return storage.RunInTx(ctx, c.db, fn)
}

// SchemaVersion reports the latest applied migration.
func (c *Client) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := c.queryRow(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE id = 1`, c.tVersion)).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("SchemaVersion: %w", err)
	}
	return v, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

const memoryColumns = `id, user_id, segment, content, simhash, primary_sector, tags, metadata,
	created_at, updated_at, last_seen_at, salience, decay_lambda, version,
	mean_dim, mean_vec, compressed_vec, feedback_score, generated_summary, coactivations, key_version`

// InsertMemory inserts one memory row.
func (c *Client) InsertMemory(ctx context.Context, row *storage.MemoryRow) error {
	_, err := c.exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.tMemories, memoryColumns),
		row.ID, nullable(row.UserID), row.Segment, row.Content, row.Simhash, row.PrimarySector,
		row.TagsJSON, row.MetadataJSON, row.CreatedAt, row.UpdatedAt, row.LastSeenAt,
		row.Salience, row.DecayLambda, row.Version, row.MeanDim, row.MeanVec,
		row.CompressedVec, row.FeedbackScore, row.Summary, row.Coactivations, row.KeyVersion)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}
	return nil
}

// GetMemory retrieves one memory row by id.
func (c *Client) GetMemory(ctx context.Context, id string) (*storage.MemoryRow, error) {
	row := c.queryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, memoryColumns, c.tMemories), id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetMemory: %w", err)
	}
	return m, nil
}

// GetMemoriesByIDs batch-fetches memory rows, scoped to userID.
func (c *Client) GetMemoriesByIDs(ctx context.Context, ids []string, userID string) ([]*storage.MemoryRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, params := inClause(
		fmt.Sprintf(`SELECT %s FROM %s WHERE id IN (%%s)`, memoryColumns, c.tMemories), ids)
	query, params = storage.InjectUserScope(query, userID, params)

	rows, err := c.query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("GetMemoriesByIDs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// GetMemoryBySimhash finds a memory of the same tenant with an identical
// fingerprint.
func (c *Client) GetMemoryBySimhash(ctx context.Context, userID, hash string) (*storage.MemoryRow, error) {
	query, params := storage.InjectUserScope(
		fmt.Sprintf(`SELECT %s FROM %s WHERE simhash = ?`, memoryColumns, c.tMemories),
		userID, []interface{}{hash})
	row := c.queryRow(ctx, query, params...)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetMemoryBySimhash: %w", err)
	}
	return m, nil
}

// UpdateMemory writes the full row back and bumps its version.
func (c *Client) UpdateMemory(ctx context.Context, row *storage.MemoryRow) error {
	res, err := c.exec(ctx,
		fmt.Sprintf(`UPDATE %s SET content = ?, simhash = ?, primary_sector = ?, tags = ?, metadata = ?,
			updated_at = ?, last_seen_at = ?, salience = ?, decay_lambda = ?,
			version = version + 1, mean_dim = ?, mean_vec = ?, compressed_vec = ?,
			feedback_score = ?, generated_summary = ?, coactivations = ?, key_version = ?
		 WHERE id = ?`, c.tMemories),
		row.Content, row.Simhash, row.PrimarySector, row.TagsJSON, row.MetadataJSON,
		row.UpdatedAt, row.LastSeenAt, row.Salience, row.DecayLambda,
		row.MeanDim, row.MeanVec, row.CompressedVec,
		row.FeedbackScore, row.Summary, row.Coactivations, row.KeyVersion, row.ID)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TouchMemory refreshes last_seen_at, bumps coactivations and reinforces
// salience, clamped at maxSalience.
func (c *Client) TouchMemory(ctx context.Context, id string, lastSeenAt int64, salienceDelta, maxSalience float64) error {
	res, err := c.exec(ctx,
		fmt.Sprintf(`UPDATE %s SET last_seen_at = ?, updated_at = ?,
			coactivations = coactivations + 1,
			salience = LEAST(?, salience + ?),
			version = version + 1
		 WHERE id = ?`, c.tMemories),
		lastSeenAt, lastSeenAt, maxSalience, salienceDelta, id)
	if err != nil {
		return fmt.Errorf("TouchMemory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteMemory removes a memory row.
func (c *Client) DeleteMemory(ctx context.Context, id string) error {
	res, err := c.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.tMemories), id)
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteMemoriesByUser removes every memory of a tenant.
func (c *Client) DeleteMemoriesByUser(ctx context.Context, userID string) error {
	query, params := storage.InjectUserScope(fmt.Sprintf(`DELETE FROM %s`, c.tMemories), userID, nil)
	if _, err := c.exec(ctx, query, params...); err != nil {
		return fmt.Errorf("DeleteMemoriesByUser: %w", err)
	}
	return nil
}

// ListMemories pages through a tenant's memories, newest first.
func (c *Client) ListMemories(ctx context.Context, userID string, limit, offset int) ([]*storage.MemoryRow, error) {
	query, params := storage.InjectUserScope(
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, memoryColumns, c.tMemories),
		userID, nil)
	params = append(params, limit, offset)
	rows, err := c.query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// CountMemories counts a tenant's memories.
func (c *Client) CountMemories(ctx context.Context, userID string) (int, error) {
	query, params := storage.InjectUserScope(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.tMemories), userID, nil)
	var n int
	if err := c.queryRow(ctx, query, params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("CountMemories: %w", err)
	}
	return n, nil
}

// RecentMemories returns the tenant's most recently seen memories.
func (c *Client) RecentMemories(ctx context.Context, userID string, limit int) ([]*storage.MemoryRow, error) {
	query, params := storage.InjectUserScope(
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY last_seen_at DESC LIMIT ?`, memoryColumns, c.tMemories),
		userID, nil)
	params = append(params, limit)
	rows, err := c.query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("RecentMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// SweepMemories pages through all memories in id order for maintenance.
func (c *Client) SweepMemories(ctx context.Context, offset, limit int) (*storage.SweepBatch, error) {
	rows, err := c.query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY id LIMIT ? OFFSET ?`, memoryColumns, c.tMemories),
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("SweepMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	got, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	next := -1
	if len(got) == limit {
		next = offset + limit
	}
	return &storage.SweepBatch{Rows: got, NextOffset: next}, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(s scanner) (*storage.MemoryRow, error) {
	var m storage.MemoryRow
	var userID, tags, metadata sql.NullString
	err := s.Scan(&m.ID, &userID, &m.Segment, &m.Content, &m.Simhash, &m.PrimarySector,
		&tags, &metadata, &m.CreatedAt, &m.UpdatedAt, &m.LastSeenAt,
		&m.Salience, &m.DecayLambda, &m.Version, &m.MeanDim, &m.MeanVec,
		&m.CompressedVec, &m.FeedbackScore, &m.Summary, &m.Coactivations, &m.KeyVersion)
	if err != nil {
		return nil, err
	}
	m.UserID = userID.String
	m.TagsJSON = tags.String
	m.MetadataJSON = metadata.String
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*storage.MemoryRow, error) {
	var out []*storage.MemoryRow
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func inClause(template string, values []string) (string, []interface{}) {
	marks := make([]byte, 0, 2*len(values))
	params := make([]interface{}, 0, len(values))
	for i, v := range values {
		if i > 0 {
			marks = append(marks, ',')
		}
		marks = append(marks, '?')
		params = append(params, v)
	}
	return fmt.Sprintf(template, string(marks)), params
}
