package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/openmemory/openmemory-go/pkg/security"
)

// Tier names a configuration profile selecting vector dimension, cache
// segmentation and concurrency caps.
type Tier string

const (
	TierFast   Tier = "fast"
	TierSmart  Tier = "smart"
	TierDeep   Tier = "deep"
	TierHybrid Tier = "hybrid"
)

// TierProfile is the concrete shape a tier selects.
type TierProfile struct {
	// VecDim is the embedding dimension for the tier.
	VecDim int

	// CacheSegments is the number of vector-cache segments.
	CacheSegments int

	// MaxActive caps concurrently active retrieval candidates.
	MaxActive int
}

// tierProfiles maps each tier to its profile.
var tierProfiles = map[Tier]TierProfile{
	TierFast:   {VecDim: 768, CacheSegments: 2, MaxActive: 32},
	TierSmart:  {VecDim: 768, CacheSegments: 5, MaxActive: 64},
	TierDeep:   {VecDim: 1024, CacheSegments: 10, MaxActive: 128},
	TierHybrid: {VecDim: 768, CacheSegments: 8, MaxActive: 100},
}

// ScoringWeights are the blend weights of the hybrid semantic graph score.
type ScoringWeights struct {
	Similarity float64 `json:"similarity"`
	Overlap    float64 `json:"overlap"`
	Waypoint   float64 `json:"waypoint"`
	Recency    float64 `json:"recency"`
	TagMatch   float64 `json:"tag_match"`
	Salience   float64 `json:"salience"`
	Keyword    float64 `json:"keyword"`

	// RecencyTauDays is the time constant of the recency term
	// exp(-ageDays/tau). Zero falls back to the default.
	RecencyTauDays float64 `json:"recency_tau_days"`
}

// DefaultScoringWeights returns the standard HSG blend.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Similarity:     1.0,
		Overlap:        0.5,
		Waypoint:       0.3,
		Recency:        0.2,
		TagMatch:       0.4,
		Salience:       0.1,
		Keyword:        0.05,
		RecencyTauDays: 50,
	}
}

// DynamicsConfig holds the cognitive dynamics coefficients.
type DynamicsConfig struct {
	// AlphaRecall is the salience boost factor applied on recall.
	AlphaRecall float64 `json:"alpha_recall"`

	// BetaEmotional amplifies reinforcement for emotional memories.
	BetaEmotional float64 `json:"beta_emotional"`

	// GammaGraph is the propagation factor of spreading activation.
	GammaGraph float64 `json:"gamma_graph"`

	// ThetaConsolidation is the consolidation trigger threshold.
	ThetaConsolidation float64 `json:"theta_consolidation"`

	// EtaTrace is the waypoint weight increment on co-activation.
	EtaTrace float64 `json:"eta_trace"`

	// TauEnergy is the spreading-activation termination threshold.
	TauEnergy float64 `json:"tau_energy"`
}

// DefaultDynamics returns the standard dynamics coefficients.
func DefaultDynamics() DynamicsConfig {
	return DynamicsConfig{
		AlphaRecall:        0.1,
		BetaEmotional:      1.5,
		GammaGraph:         0.4,
		ThetaConsolidation: 0.75,
		EtaTrace:           0.05,
		TauEnergy:          0.01,
	}
}

// ReinforcementConfig bounds salience and waypoint reinforcement.
type ReinforcementConfig struct {
	// SalienceBoost is the per-recall salience increment factor.
	SalienceBoost float64 `json:"salience_boost"`

	// WaypointBoost is the per-traversal waypoint weight increment.
	WaypointBoost float64 `json:"waypoint_boost"`

	// MaxSalience clamps salience from above.
	MaxSalience float64 `json:"max_salience"`

	// MaxWaypointWeight clamps waypoint weight from above.
	MaxWaypointWeight float64 `json:"max_waypoint_weight"`

	// PruneThreshold is the weight below which waypoints are pruned.
	PruneThreshold float64 `json:"prune_threshold"`
}

// DefaultReinforcement returns the standard reinforcement bounds.
func DefaultReinforcement() ReinforcementConfig {
	return ReinforcementConfig{
		SalienceBoost:     0.05,
		WaypointBoost:     0.02,
		MaxSalience:       1.0,
		MaxWaypointWeight: 1.0,
		PruneThreshold:    0.05,
	}
}

// DecayConfig controls the scheduled decay sweep.
type DecayConfig struct {
	// ColdThreshold is the salience below which a memory is flagged cold
	// and becomes eligible for deletion.
	ColdThreshold float64 `json:"cold_threshold"`

	// SegmentSize is the batch size of one sweep step.
	SegmentSize int `json:"segment_size"`

	// Ratio caps the fraction of total rows one sweep may touch.
	Ratio float64 `json:"ratio"`

	// SleepMs is the pause between batches, bounding sweep I/O.
	SleepMs int `json:"sleep_ms"`
}

// DefaultDecay returns the standard sweep parameters.
func DefaultDecay() DecayConfig {
	return DecayConfig{
		ColdThreshold: 0.05,
		SegmentSize:   200,
		Ratio:         0.25,
		SleepMs:       50,
	}
}

// SectorDecayLambda maps each sector to its decay rate per minute.
var SectorDecayLambda = map[Sector]float64{
	SectorEpisodic:   0.015,
	SectorSemantic:   0.005,
	SectorProcedural: 0.008,
	SectorEmotional:  0.02,
	SectorReflective: 0.001,
}

// Backend selects a persistence driver.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendValkey   Backend = "valkey"
)

// Config is the validated, immutable runtime configuration of the engine.
// Build one with LoadConfigFromEnv or fill the fields and call Validate.
type Config struct {
	// Tier selects the profile for dimension, cache and concurrency.
	Tier Tier `json:"tier"`

	// MetadataBackend selects the metadata persistence driver.
	MetadataBackend Backend `json:"metadata_backend"`

	// VectorBackend selects the vector persistence driver.
	VectorBackend Backend `json:"vector_backend"`

	// DBPath is the SQLite database file location.
	DBPath string `json:"db_path"`

	// PGDSN is the Postgres connection string.
	PGDSN string `json:"pg_dsn,omitempty"`

	// PGSchema is the Postgres schema for all tables.
	PGSchema string `json:"pg_schema"`

	// PGTable is the Postgres table prefix.
	PGTable string `json:"pg_table"`

	// RedisURL points at the Valkey/Redis instance used for the vector
	// store, locks and cache when configured.
	RedisURL string `json:"redis_url,omitempty"`

	// EmbedProvider selects the embedding adapter: openai, ollama, or
	// local (deterministic hashed projection, no network).
	EmbedProvider string `json:"embed_provider"`

	// EmbedAPIKey authenticates the embedding provider.
	EmbedAPIKey string `json:"embed_api_key,omitempty"`

	// EmbedModel names the embedding model.
	EmbedModel string `json:"embed_model,omitempty"`

	// EmbedBaseURL overrides the provider endpoint.
	EmbedBaseURL string `json:"embed_base_url,omitempty"`

	// LLMProvider selects the generator adapter (openai, ollama, none).
	LLMProvider string `json:"llm_provider,omitempty"`

	// LLMAPIKey authenticates the generator provider.
	LLMAPIKey string `json:"llm_api_key,omitempty"`

	// LLMModel names the generator model.
	LLMModel string `json:"llm_model,omitempty"`

	// EncryptionEnabled turns on the AES-GCM content envelope.
	EncryptionEnabled bool `json:"encryption_enabled"`

	// EncryptionKey and EncryptionSalt derive the content key. Both must
	// be non-default when encryption is enabled.
	EncryptionKey  string `json:"-"`
	EncryptionSalt string `json:"-"`

	// Weights is the HSG scoring blend.
	Weights ScoringWeights `json:"weights"`

	// Dynamics holds the cognitive dynamics coefficients.
	Dynamics DynamicsConfig `json:"dynamics"`

	// Reinforcement bounds salience and waypoint updates.
	Reinforcement ReinforcementConfig `json:"reinforcement"`

	// Decay controls the scheduled decay sweep.
	Decay DecayConfig `json:"decay"`

	// MinVectorDim and MaxVectorDim bound accepted vector dimensions.
	MinVectorDim int `json:"min_vector_dim"`
	MaxVectorDim int `json:"max_vector_dim"`

	// MaxPayloadSize bounds accepted content length in bytes.
	MaxPayloadSize int `json:"max_payload_size"`

	// MaxRetries bounds storage retries on idempotent operations.
	MaxRetries int `json:"max_retries"`

	// EventMaxListeners caps handlers per topic on the event bus.
	EventMaxListeners int `json:"event_max_listeners"`

	// ClassifierOverrideThreshold is the learned-head confidence needed
	// to override the rule classifier.
	ClassifierOverrideThreshold float64 `json:"classifier_override_threshold"`

	// TestMode relaxes lifecycle behaviour: the SQLite file is deleted on
	// close unless TestKeepDB is set.
	TestMode   bool `json:"test_mode,omitempty"`
	TestKeepDB bool `json:"test_keep_db,omitempty"`
}

// Profile returns the tier profile for the configured tier.
func (c *Config) Profile() TierProfile {
	return tierProfiles[c.Tier]
}

// DefaultConfig returns a configuration with every tunable at its default:
// smart tier, SQLite everywhere, local embedder, encryption off.
func DefaultConfig() *Config {
	return &Config{
		Tier:                        TierSmart,
		MetadataBackend:             BackendSQLite,
		VectorBackend:               BackendSQLite,
		DBPath:                      "./data/openmemory.sqlite",
		PGSchema:                    "public",
		PGTable:                     "openmemory_memories",
		EmbedProvider:               "local",
		Weights:                     DefaultScoringWeights(),
		Dynamics:                    DefaultDynamics(),
		Reinforcement:               DefaultReinforcement(),
		Decay:                       DefaultDecay(),
		MinVectorDim:                8,
		MaxVectorDim:                4096,
		MaxPayloadSize:              1 << 20,
		MaxRetries:                  3,
		EventMaxListeners:           100,
		ClassifierOverrideThreshold: 0.6,
	}
}

// LoadConfigFromEnv loads configuration from environment variables,
// after loading a .env file when one is found (searching up to 5 directory
// levels, matching the behaviour of the Python SDK).
//
// Recognised variables include:
//   - OM_TIER (fast, smart, deep, hybrid)
//   - OM_METADATA_BACKEND, OM_VECTOR_BACKEND (sqlite, postgres, valkey)
//   - OM_DB_PATH, OM_PG_DSN, OM_PG_SCHEMA, OM_PG_TABLE, OM_REDIS_URL
//   - OM_EMBED_PROVIDER, OM_EMBED_API_KEY, OM_EMBED_MODEL, OM_EMBED_BASE_URL
//   - OM_LLM_PROVIDER, OM_LLM_API_KEY, OM_LLM_MODEL
//   - OM_ENCRYPTION (true/false), OM_ENCRYPTION_KEY, OM_ENCRYPTION_SALT
//
// The returned configuration has passed Validate.
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := findEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()

	if v := os.Getenv("OM_TIER"); v != "" {
		cfg.Tier = Tier(v)
	}
	if v := os.Getenv("OM_METADATA_BACKEND"); v != "" {
		cfg.MetadataBackend = Backend(v)
	}
	if v := os.Getenv("OM_VECTOR_BACKEND"); v != "" {
		cfg.VectorBackend = Backend(v)
	}
	cfg.DBPath = getEnvOrDefault("OM_DB_PATH", cfg.DBPath)
	cfg.PGDSN = os.Getenv("OM_PG_DSN")
	cfg.PGSchema = getEnvOrDefault("OM_PG_SCHEMA", cfg.PGSchema)
	cfg.PGTable = getEnvOrDefault("OM_PG_TABLE", cfg.PGTable)
	cfg.RedisURL = os.Getenv("OM_REDIS_URL")

	cfg.EmbedProvider = getEnvOrDefault("OM_EMBED_PROVIDER", cfg.EmbedProvider)
	cfg.EmbedAPIKey = os.Getenv("OM_EMBED_API_KEY")
	cfg.EmbedModel = os.Getenv("OM_EMBED_MODEL")
	cfg.EmbedBaseURL = os.Getenv("OM_EMBED_BASE_URL")

	cfg.LLMProvider = os.Getenv("OM_LLM_PROVIDER")
	cfg.LLMAPIKey = os.Getenv("OM_LLM_API_KEY")
	cfg.LLMModel = os.Getenv("OM_LLM_MODEL")

	cfg.EncryptionEnabled = os.Getenv("OM_ENCRYPTION") == "true"
	cfg.EncryptionKey = os.Getenv("OM_ENCRYPTION_KEY")
	cfg.EncryptionSalt = os.Getenv("OM_ENCRYPTION_SALT")

	if v := os.Getenv("OM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and returns ErrInvalidConfig on the
// first violation. It never mutates the receiver.
func (c *Config) Validate() error {
	if _, ok := tierProfiles[c.Tier]; !ok {
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown tier %q", ErrInvalidConfig, c.Tier))
	}
	for _, b := range []Backend{c.MetadataBackend, c.VectorBackend} {
		switch b {
		case BackendSQLite, BackendPostgres, BackendValkey:
		default:
			return NewMemoryError("Validate", fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, b))
		}
	}
	// Valkey holds vectors only; metadata needs a relational backend.
	if c.MetadataBackend == BackendValkey {
		return NewMemoryError("Validate", fmt.Errorf("%w: valkey cannot serve as metadata backend", ErrInvalidConfig))
	}
	if c.EncryptionEnabled {
		if c.EncryptionKey == "" || c.EncryptionSalt == "" {
			return NewMemoryError("Validate", fmt.Errorf("%w: encryption enabled without key and salt", ErrInvalidConfig))
		}
		if c.EncryptionKey == "default" || c.EncryptionSalt == "default" {
			return NewMemoryError("Validate", fmt.Errorf("%w: encryption key and salt must be non-default", ErrInvalidConfig))
		}
	}
	switch c.EmbedProvider {
	case "openai", "ollama", "local":
	default:
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown embed provider %q", ErrInvalidConfig, c.EmbedProvider))
	}
	if err := security.ValidateTableName(c.PGTable); err != nil {
		return NewMemoryError("Validate", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	if err := security.ValidateTableName(c.PGSchema); err != nil {
		return NewMemoryError("Validate", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	if c.MinVectorDim <= 0 || c.MaxVectorDim < c.MinVectorDim {
		return NewMemoryError("Validate", fmt.Errorf("%w: bad vector dimension bounds", ErrInvalidConfig))
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// findEnvFile searches the current directory and up to 5 parents for a .env
// or .env.example file.
func findEnvFile() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 5; i++ {
		for _, name := range []string{".env", ".env.example"} {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
