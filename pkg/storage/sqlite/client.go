// Package sqlite implements the metadata and vector stores over a single
// SQLite file. WAL mode keeps readers unblocked while one writer holds the
// exclusive lock; vectors are stored as little-endian float32 blobs and
// similarity search runs batch cosine in memory.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openmemory/openmemory-go/pkg/storage"
)

// schemaVersion is the latest migration this driver applies.
const schemaVersion = 3

// Client implements storage.MetadataStore and storage.VectorStore on one
// SQLite database.
type Client struct {
	db *sql.DB

	path     string
	testMode bool
	keepDB   bool

	minDim int
	maxDim int
}

// Config contains configuration for creating a SQLite client.
type Config struct {
	// Path is the location of the database file.
	Path string

	// MinDim and MaxDim bound accepted vector dimensions.
	MinDim int
	MaxDim int

	// TestMode deletes the database file on Close unless KeepDB is set.
	TestMode bool
	KeepDB   bool
}

// NewClient opens the database, applies pragmas (WAL, synchronous=NORMAL,
// foreign_keys=ON) and initialises the schema idempotently.
func NewClient(cfg *Config) (*Client, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: create directory: %w", err)
		}
	}

	dsn := cfg.Path + "?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway and a single
	// connection avoids SQLITE_BUSY churn under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	c := &Client{
		db:       db,
		path:     cfg.Path,
		testMode: cfg.TestMode,
		keepDB:   cfg.KeepDB,
		minDim:   cfg.MinDim,
		maxDim:   cfg.MaxDim,
	}
	if c.minDim <= 0 {
		c.minDim = 1
	}
	if c.maxDim <= 0 {
		c.maxDim = 4096
	}

	if err := c.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// initSchema creates all tables idempotently, applies best-effort ALTERs
// for forward-compatible columns and records the schema version.
func (c *Client) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			segment INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			simhash TEXT NOT NULL,
			primary_sector TEXT NOT NULL,
			tags TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			salience REAL NOT NULL DEFAULT 0.5,
			decay_lambda REAL NOT NULL DEFAULT 0.005,
			version INTEGER NOT NULL DEFAULT 1,
			mean_dim INTEGER NOT NULL DEFAULT 0,
			mean_vec BLOB,
			feedback_score REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_simhash ON memories(user_id, simhash)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_segment ON memories(segment)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			memory_id TEXT NOT NULL,
			sector TEXT NOT NULL,
			user_id TEXT,
			v BLOB NOT NULL,
			dim INTEGER NOT NULL,
			PRIMARY KEY (memory_id, sector)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_sector ON vectors(sector, user_id)`,
		`CREATE TABLE IF NOT EXISTS waypoints (
			src_id TEXT NOT NULL,
			dst_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			weight REAL NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (src_id, dst_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waypoints_dst ON waypoints(dst_id)`,
		`CREATE TABLE IF NOT EXISTS temporal_facts (
			id INTEGER PRIMARY KEY,
			user_id TEXT,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			valid_from INTEGER NOT NULL,
			valid_to INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL,
			last_updated INTEGER NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_open ON temporal_facts(user_id, subject, predicate, valid_to)`,
		`CREATE TABLE IF NOT EXISTS temporal_edges (
			id INTEGER PRIMARY KEY,
			user_id TEXT,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			valid_from INTEGER NOT NULL,
			valid_to INTEGER NOT NULL DEFAULT 0,
			weight REAL NOT NULL DEFAULT 1,
			last_updated INTEGER NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_open ON temporal_edges(user_id, source_id, target_id, relation_type, valid_to)`,
		`CREATE TABLE IF NOT EXISTS user_summaries (
			user_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			reflection_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS classifier_models (
			user_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_locks (
			key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			applied_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initSchema: %w", err)
		}
	}

	// Forward-compatible columns: older databases gain them via
	// best-effort ALTERs ("duplicate column" failures are expected).
	alters := []string{
		`ALTER TABLE memories ADD COLUMN generated_summary TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE memories ADD COLUMN coactivations INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE memories ADD COLUMN key_version INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE memories ADD COLUMN compressed_vec BLOB`,
		`ALTER TABLE vectors ADD COLUMN metadata TEXT`,
	}
	for _, stmt := range alters {
		_, _ = c.db.ExecContext(ctx, stmt)
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO schema_version (id, version, applied_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, applied_at = excluded.applied_at`,
		schemaVersion, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("initSchema: record version: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction scoped to ctx; nested calls reuse the
// parent's transaction.
func (c *Client) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return storage.RunInTx(ctx, c.db, fn)
}

// SchemaVersion reports the latest applied migration.
func (c *Client) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := c.db.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("SchemaVersion: %w", err)
	}
	return v, nil
}

// Close closes the handle. In test mode the database file (and its WAL
// sidecars) is deleted unless the keep flag was set.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	if c.testMode && !c.keepDB {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(c.path + suffix)
		}
	}
	return err
}

const memoryColumns = `id, user_id, segment, content, simhash, primary_sector, tags, metadata,
	created_at, updated_at, last_seen_at, salience, decay_lambda, version,
	mean_dim, mean_vec, compressed_vec, feedback_score, generated_summary, coactivations, key_version`

// InsertMemory inserts one memory row.
func (c *Client) InsertMemory(ctx context.Context, row *storage.MemoryRow) error {
	_, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	row := storage.Querier(ctx, c.db).QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
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
	query, params := inClause(`SELECT `+memoryColumns+` FROM memories WHERE id IN (%s)`, ids)
	query, params = storage.InjectUserScope(query, userID, params)

	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("GetMemoriesByIDs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// GetMemoryBySimhash finds a memory of the same tenant with an identical
// fingerprint (the dedup probe).
func (c *Client) GetMemoryBySimhash(ctx context.Context, userID, hash string) (*storage.MemoryRow, error) {
	query, params := storage.InjectUserScope(
		`SELECT `+memoryColumns+` FROM memories WHERE simhash = ?`,
		userID, []interface{}{hash})
	row := storage.Querier(ctx, c.db).QueryRowContext(ctx, query, params...)
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
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`UPDATE memories SET content = ?, simhash = ?, primary_sector = ?, tags = ?, metadata = ?,
			updated_at = ?, last_seen_at = ?, salience = ?, decay_lambda = ?,
			version = version + 1, mean_dim = ?, mean_vec = ?, compressed_vec = ?,
			feedback_score = ?, generated_summary = ?, coactivations = ?, key_version = ?
		 WHERE id = ?`,
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
// salience, clamped at maxSalience. The dedup fast path.
func (c *Client) TouchMemory(ctx context.Context, id string, lastSeenAt int64, salienceDelta, maxSalience float64) error {
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`UPDATE memories SET last_seen_at = ?, updated_at = ?,
			coactivations = coactivations + 1,
			salience = MIN(?, salience + ?),
			version = version + 1
		 WHERE id = ?`,
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
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
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
	query, params := storage.InjectUserScope(`DELETE FROM memories`, userID, nil)
	if _, err := storage.Querier(ctx, c.db).ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("DeleteMemoriesByUser: %w", err)
	}
	return nil
}

// ListMemories pages through a tenant's memories, newest first.
func (c *Client) ListMemories(ctx context.Context, userID string, limit, offset int) ([]*storage.MemoryRow, error) {
	query, params := storage.InjectUserScope(
		`SELECT `+memoryColumns+` FROM memories ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, nil)
	params = append(params, limit, offset)
	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// CountMemories counts a tenant's memories.
func (c *Client) CountMemories(ctx context.Context, userID string) (int, error) {
	query, params := storage.InjectUserScope(`SELECT COUNT(*) FROM memories`, userID, nil)
	var n int
	if err := storage.Querier(ctx, c.db).QueryRowContext(ctx, query, params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("CountMemories: %w", err)
	}
	return n, nil
}

// RecentMemories returns the tenant's most recently seen memories, used to
// seed waypoints for a new memory.
func (c *Client) RecentMemories(ctx context.Context, userID string, limit int) ([]*storage.MemoryRow, error) {
	query, params := storage.InjectUserScope(
		`SELECT `+memoryColumns+` FROM memories ORDER BY last_seen_at DESC LIMIT ?`,
		userID, nil)
	params = append(params, limit)
	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("RecentMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// SweepMemories pages through all memories in id order for maintenance.
func (c *Client) SweepMemories(ctx context.Context, offset, limit int) (*storage.SweepBatch, error) {
	rows, err := storage.Querier(ctx, c.db).QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
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

// scanner abstracts *sql.Row and *sql.Rows.
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

// nullable maps the empty tenant to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// inClause expands an IN (%s) template with one placeholder per value.
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
