// Package storage provides the persistence interfaces and row types of the
// memory engine, together with the SQL portability helpers shared by the
// SQLite and PostgreSQL drivers.
//
// Row types live here (not in core) so drivers never import their consumers.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors shared by every driver. Drivers translate backend-specific
// failures into these so callers can branch with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: row not found")

	// ErrDimMismatch indicates a vector whose length differs from its
	// declared dimension or from the store's configured dimension bounds.
	ErrDimMismatch = errors.New("storage: vector dimension mismatch")

	// ErrClosed indicates use of a store after Close.
	ErrClosed = errors.New("storage: store closed")
)

// MemoryRow is the persisted form of a memory. Content may be an encryption
// envelope; tags and metadata are stored as JSON text columns.
type MemoryRow struct {
	ID            string
	UserID        string
	Segment       int64
	Content       string
	Simhash       string
	PrimarySector string
	TagsJSON      string
	MetadataJSON  string
	CreatedAt     int64
	UpdatedAt     int64
	LastSeenAt    int64
	Salience      float64
	DecayLambda   float64
	Version       int64
	MeanDim       int
	MeanVec       []byte
	CompressedVec []byte
	FeedbackScore float64
	Summary       string
	Coactivations int64
	KeyVersion    int
}

// VectorItem is one sector vector bound for storage.
type VectorItem struct {
	MemoryID string
	Sector   string
	Vec      []float32
	Dim      int
	Metadata map[string]interface{}
}

// VectorRow is a stored sector vector.
type VectorRow struct {
	MemoryID string
	Sector   string
	UserID   string
	Vec      []float32
	Dim      int
	Metadata map[string]interface{}
}

// SimilarityHit is one ANN/cosine search result.
type SimilarityHit struct {
	ID    string
	Score float64
}

// WaypointRow is one directed half of an associative edge.
type WaypointRow struct {
	SrcID     string
	DstID     string
	UserID    string
	Weight    float64
	CreatedAt int64
	UpdatedAt int64
}

// FactRow is a bitemporal fact. ValidTo == 0 means the fact is still open.
type FactRow struct {
	ID           int64
	UserID       string
	Subject      string
	Predicate    string
	Object       string
	ValidFrom    int64
	ValidTo      int64
	Confidence   float64
	LastUpdated  int64
	MetadataJSON string
}

// EdgeRow is a bitemporal graph edge. ValidTo == 0 means the edge is open.
type EdgeRow struct {
	ID           int64
	UserID       string
	SourceID     string
	TargetID     string
	RelationType string
	ValidFrom    int64
	ValidTo      int64
	Weight       float64
	LastUpdated  int64
	MetadataJSON string
}

// UserSummaryRow is the consolidated per-user summary.
type UserSummaryRow struct {
	UserID          string
	Summary         string
	ReflectionCount int64
	CreatedAt       int64
	UpdatedAt       int64
}

// ClassifierModelRow is a persisted per-user logistic-regression head.
type ClassifierModelRow struct {
	UserID    string
	ModelJSON string
	Version   int64
	UpdatedAt int64
}

// FactFilter narrows temporal queries. Zero-valued fields match everything.
type FactFilter struct {
	UserID    string
	Subject   string
	Predicate string
	Limit     int
}

// SweepBatch is one page of a maintenance sweep.
type SweepBatch struct {
	Rows []*MemoryRow

	// NextOffset is the offset of the following batch; -1 when exhausted.
	NextOffset int
}

// MetadataStore is the repository surface over memory rows, waypoints,
// temporal facts/edges, user summaries and classifier models.
//
// Write methods participate in the transaction carried by ctx (see RunInTx);
// outside a transaction each call is atomic on its own.
type MetadataStore interface {
	// InTx runs fn inside a transaction scoped to ctx. Nested calls reuse
	// the parent's transaction. The transaction commits when fn returns
	// nil and rolls back on error or panic.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Memories.
	InsertMemory(ctx context.Context, row *MemoryRow) error
	GetMemory(ctx context.Context, id string) (*MemoryRow, error)
	GetMemoriesByIDs(ctx context.Context, ids []string, userID string) ([]*MemoryRow, error)
	GetMemoryBySimhash(ctx context.Context, userID, simhash string) (*MemoryRow, error)
	UpdateMemory(ctx context.Context, row *MemoryRow) error
	TouchMemory(ctx context.Context, id string, lastSeenAt int64, salienceDelta, maxSalience float64) error
	DeleteMemory(ctx context.Context, id string) error
	DeleteMemoriesByUser(ctx context.Context, userID string) error
	ListMemories(ctx context.Context, userID string, limit, offset int) ([]*MemoryRow, error)
	CountMemories(ctx context.Context, userID string) (int, error)
	RecentMemories(ctx context.Context, userID string, limit int) ([]*MemoryRow, error)
	SweepMemories(ctx context.Context, offset, limit int) (*SweepBatch, error)

	// Waypoints.
	UpsertWaypoint(ctx context.Context, row *WaypointRow, eta, maxWeight float64) error
	GetWaypointsTouching(ctx context.Context, ids []string, userID string) ([]*WaypointRow, error)
	ReinforceWaypoint(ctx context.Context, srcID, dstID string, boost, maxWeight float64) error
	ScaleWaypoints(ctx context.Context, notUpdatedSince int64, factor float64) (int, error)
	PruneWaypoints(ctx context.Context, threshold float64) (int, error)
	DeleteWaypointsFor(ctx context.Context, memoryID string) error

	// Temporal facts.
	InsertFact(ctx context.Context, row *FactRow) (int64, error)
	UpdateFact(ctx context.Context, row *FactRow) error
	GetOpenFact(ctx context.Context, userID, subject, predicate string) (*FactRow, error)
	GetOpenFactExact(ctx context.Context, userID, subject, predicate, object string) (*FactRow, error)
	QueryFactsAtTime(ctx context.Context, at int64, filter FactFilter) ([]*FactRow, error)
	ListStaleFacts(ctx context.Context, notUpdatedSince int64, limit int) ([]*FactRow, error)
	DeleteFactsByUser(ctx context.Context, userID string) error

	// Temporal edges.
	InsertEdge(ctx context.Context, row *EdgeRow) (int64, error)
	UpdateEdge(ctx context.Context, row *EdgeRow) error
	GetOpenEdge(ctx context.Context, userID, sourceID, targetID, relationType string) (*EdgeRow, error)
	QueryEdgesAtTime(ctx context.Context, at int64, userID string) ([]*EdgeRow, error)
	DeleteEdgesByUser(ctx context.Context, userID string) error

	// User summaries.
	UpsertUserSummary(ctx context.Context, row *UserSummaryRow) error
	GetUserSummary(ctx context.Context, userID string) (*UserSummaryRow, error)

	// Classifier models.
	SaveClassifierModel(ctx context.Context, row *ClassifierModelRow) error
	GetClassifierModel(ctx context.Context, userID string) (*ClassifierModelRow, error)

	// SchemaVersion reports the latest applied migration.
	SchemaVersion(ctx context.Context) (int, error)

	// Close releases the store's handles. In test mode the SQLite driver
	// also deletes its database file unless the keep flag is set.
	Close() error
}

// VectorStore is the uniform interface over the three vector backends.
type VectorStore interface {
	// StoreVector upserts one sector vector on (memoryID, sector).
	StoreVector(ctx context.Context, item VectorItem, userID string) error

	// StoreVectors batch-upserts vectors for one tenant.
	StoreVectors(ctx context.Context, items []VectorItem, userID string) error

	// SearchSimilar returns up to topK hits for a sector, ordered by
	// cosine similarity descending, ties broken by id ascending.
	SearchSimilar(ctx context.Context, sector string, query []float32, topK int, userID string, filter map[string]interface{}) ([]SimilarityHit, error)

	// GetVectorsByIDs returns every sector vector of the given memories.
	GetVectorsByIDs(ctx context.Context, ids []string, userID string) (map[string][]VectorRow, error)

	// IterateVectorIDs streams distinct memory ids for maintenance
	// sweeps. fn returning an error stops the iteration.
	IterateVectorIDs(ctx context.Context, userID string, fn func(id string) error) error

	DeleteVector(ctx context.Context, memoryID, sector string) error
	DeleteVectors(ctx context.Context, memoryID string) error
	DeleteVectorsByUser(ctx context.Context, userID string) error

	// CleanupOrphanedVectors removes vector rows whose memory id is not
	// accepted by exists. Returns the number of rows removed.
	CleanupOrphanedVectors(ctx context.Context, userID string, exists func(id string) bool) (int, error)

	Close() error
}
