package core

import "time"

// Sector is the cognitive category of a memory. The sector drives the decay
// rate, the embedding slot and the retrieval weighting of a memory.
type Sector string

const (
	// SectorEpisodic holds events and temporal experiences.
	SectorEpisodic Sector = "episodic"

	// SectorSemantic holds facts and knowledge.
	SectorSemantic Sector = "semantic"

	// SectorProcedural holds skills and how-to content.
	SectorProcedural Sector = "procedural"

	// SectorEmotional holds feelings and sentiments.
	SectorEmotional Sector = "emotional"

	// SectorReflective holds insights and meta-cognition.
	SectorReflective Sector = "reflective"
)

// AllSectors lists every sector in a stable order.
var AllSectors = []Sector{
	SectorEpisodic,
	SectorSemantic,
	SectorProcedural,
	SectorEmotional,
	SectorReflective,
}

// ValidSector reports whether s names a known sector.
func ValidSector(s Sector) bool {
	switch s {
	case SectorEpisodic, SectorSemantic, SectorProcedural, SectorEmotional, SectorReflective:
		return true
	}
	return false
}

// Memory is the API-facing memory record.
//
// Content is always plaintext at this level: the client decrypts the stored
// envelope during hydration when encryption is enabled.
type Memory struct {
	// ID is the stable UUID of the memory.
	ID string `json:"id"`

	// UserID identifies the owning tenant. Empty means the null tenant.
	UserID string `json:"user_id,omitempty"`

	// Segment is the partition id used to batch maintenance sweeps.
	Segment int64 `json:"segment"`

	// Content is the text content of the memory.
	Content string `json:"content"`

	// Simhash is the 64-bit content fingerprint in hex, used for dedup.
	Simhash string `json:"simhash"`

	// PrimarySector is the sector the classifier assigned.
	PrimarySector Sector `json:"primary_sector"`

	// Tags is the set of user-supplied tags.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional structured information about the memory.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt, UpdatedAt and LastSeenAt are millisecond epoch timestamps.
	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`
	LastSeenAt int64 `json:"last_seen_at"`

	// Salience is the importance scalar in [0, 1], reinforced on recall
	// and decayed over time.
	Salience float64 `json:"salience"`

	// DecayLambda is the per-memory decay rate, seeded from the sector.
	DecayLambda float64 `json:"decay_lambda"`

	// Version increases monotonically on every mutation.
	Version int64 `json:"version"`

	// FeedbackScore accumulates explicit user feedback.
	FeedbackScore float64 `json:"feedback_score"`

	// GeneratedSummary is the consolidated short form, when produced.
	GeneratedSummary string `json:"generated_summary,omitempty"`

	// Coactivations counts dedup hits and co-recalls.
	Coactivations int64 `json:"coactivations"`

	// KeyVersion is the encryption key version the stored content was
	// sealed with (0 when stored in plaintext).
	KeyVersion int `json:"key_version,omitempty"`
}

// QueryResult is a scored memory returned from HSGQuery.
type QueryResult struct {
	// Memory is the hydrated memory record.
	Memory *Memory `json:"memory"`

	// Score is the composite HSG score.
	Score float64 `json:"score"`

	// Similarity is the best cosine similarity across the candidate's
	// sector vectors (0 when retrieval fell back to keywords).
	Similarity float64 `json:"similarity"`

	// Path lists the memory ids traversed to reach this result. Direct
	// vector hits carry a single-element path.
	Path []string `json:"path,omitempty"`
}

// Clock abstracts time for deterministic tests. Components receive a Clock
// instead of calling time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation of Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// NowMillis converts a Clock reading into a millisecond epoch stamp.
func NowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}
