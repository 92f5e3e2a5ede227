package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown tier", func(c *Config) { c.Tier = "turbo" }},
		{"unknown backend", func(c *Config) { c.MetadataBackend = "mongodb" }},
		{"valkey metadata", func(c *Config) { c.MetadataBackend = BackendValkey }},
		{"unknown embedder", func(c *Config) { c.EmbedProvider = "psychic" }},
		{"encryption without key", func(c *Config) { c.EncryptionEnabled = true }},
		{"default encryption key", func(c *Config) {
			c.EncryptionEnabled = true
			c.EncryptionKey = "default"
			c.EncryptionSalt = "salt"
		}},
		{"bad table name", func(c *Config) { c.PGTable = "memories; drop table users" }},
		{"inverted dim bounds", func(c *Config) {
			c.MinVectorDim = 100
			c.MaxVectorDim = 10
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestDefaultScoringWeights(t *testing.T) {
	w := DefaultScoringWeights()
	assert.InDelta(t, 1.0, w.Similarity, 1e-9)
	assert.InDelta(t, 50.0, w.RecencyTauDays, 1e-9)
}

func TestTierProfiles(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 768, cfg.Profile().VecDim)

	cfg.Tier = TierDeep
	assert.Equal(t, 1024, cfg.Profile().VecDim)
	assert.Equal(t, 128, cfg.Profile().MaxActive)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewMemoryError("op", ErrStorageOperation)))
	assert.True(t, IsRetryable(&RateLimitError{}))
	assert.False(t, IsRetryable(NewMemoryError("op", ErrNotFound)))
	assert.False(t, IsRetryable(ErrSecurity))
	assert.False(t, IsRetryable(nil))
}
