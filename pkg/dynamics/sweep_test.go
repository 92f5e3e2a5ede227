package dynamics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/storage/sqlite"
	"github.com/openmemory/openmemory-go/pkg/vector"
)

func newSweepFixture(t *testing.T) (*sqlite.Client, *Decay, int64) {
	t.Helper()
	c, err := sqlite.NewClient(&sqlite.Config{
		Path:     filepath.Join(t.TempDir(), "dynamics_test.db"),
		TestMode: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	d := NewDecay(c, c, nil, nil, nil, Config{
		SegmentSize:   10,
		Ratio:         1,
		ColdThreshold: 0.05,
	})
	now := time.Now().UnixMilli()
	d.SetNow(func() int64 { return now })
	return c, d, now
}

func sweepRow(id string, lastSeen int64, salience, lambda float64) *storage.MemoryRow {
	return &storage.MemoryRow{
		ID:            id,
		UserID:        "u1",
		Content:       "content of " + id,
		Simhash:       "hash-" + id,
		PrimarySector: "episodic",
		CreatedAt:     lastSeen,
		UpdatedAt:     lastSeen,
		LastSeenAt:    lastSeen,
		Salience:      salience,
		DecayLambda:   lambda,
		Version:       1,
	}
}

func TestSweepDecaysStaleMemories(t *testing.T) {
	c, d, now := newSweepFixture(t)
	ctx := context.Background()

	stale := sweepRow("stale", now-100*time.Minute.Milliseconds(), 0.5, 0.015)
	fresh := sweepRow("fresh", now, 0.5, 0.015)
	require.NoError(t, c.InsertMemory(ctx, stale))
	require.NoError(t, c.InsertMemory(ctx, fresh))

	stats, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Decayed)
	assert.Zero(t, stats.Compressed)

	got, err := c.GetMemory(ctx, "stale")
	require.NoError(t, err)
	// 100 minutes at lambda 0.015 retains exp(-1.5) of the salience.
	assert.InDelta(t, 0.5*DecayFactor(0.015, 100), got.Salience, 1e-6)

	got, err = c.GetMemory(ctx, "fresh")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Salience, 1e-9)
}

func TestSweepCompressesColdMemories(t *testing.T) {
	c, d, now := newSweepFixture(t)
	ctx := context.Background()

	mean := []float32{0.5, -0.25, 0.75, 0.1}
	cold := sweepRow("cold", now-100*time.Minute.Milliseconds(), 0.06, 0.015)
	cold.MeanDim = len(mean)
	cold.MeanVec = vector.Encode(mean)
	require.NoError(t, c.InsertMemory(ctx, cold))
	require.NoError(t, c.StoreVector(ctx, storage.VectorItem{
		MemoryID: "cold", Sector: "episodic", Vec: mean, Dim: len(mean),
	}, "u1"))

	stats, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Compressed)

	got, err := c.GetMemory(ctx, "cold")
	require.NoError(t, err)
	assert.Less(t, got.Salience, 0.05)
	assert.Empty(t, got.MeanVec)
	require.NotEmpty(t, got.CompressedVec)

	// Quantisation keeps the mean recoverable within tolerance.
	back, err := vector.Dequantize(got.CompressedVec)
	require.NoError(t, err)
	require.Len(t, back, len(mean))
	for i := range mean {
		assert.InDelta(t, float64(mean[i]), float64(back[i]), 0.02)
	}

	// Sector vectors are dropped with the compression.
	vecs, err := c.GetVectorsByIDs(ctx, []string{"cold"}, "u1")
	require.NoError(t, err)
	assert.Empty(t, vecs["cold"])
}

func TestSweepSkipsTinyDeltas(t *testing.T) {
	c, d, now := newSweepFixture(t)
	ctx := context.Background()

	// One millisecond of elapsed time decays below MinDelta.
	require.NoError(t, c.InsertMemory(ctx, sweepRow("recent", now-1, 0.5, 0.015)))

	stats, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Zero(t, stats.Decayed)
}
