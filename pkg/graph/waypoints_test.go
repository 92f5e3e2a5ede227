package graph

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

func newTestStore(t *testing.T) *sqlite.Client {
	t.Helper()
	c, err := sqlite.NewClient(&sqlite.Config{
		Path:     filepath.Join(t.TempDir(), "graph_test.db"),
		TestMode: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func memRow(id, userID string, at int64, mean []float32) *storage.MemoryRow {
	return &storage.MemoryRow{
		ID:            id,
		UserID:        userID,
		Content:       "content of " + id,
		Simhash:       "hash-" + id,
		PrimarySector: "semantic",
		CreatedAt:     at,
		UpdatedAt:     at,
		LastSeenAt:    at,
		Salience:      0.5,
		DecayLambda:   0.005,
		Version:       1,
		MeanVec:       vector.Encode(mean),
	}
}

func TestLinkNewCreatesWeightedEdges(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, nil, 0.05, 1.0, 0.05, 5)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, store.InsertMemory(ctx, memRow("old1", "u1", now, []float32{1, 0})))
	require.NoError(t, store.InsertMemory(ctx, memRow("old2", "u1", now, []float32{0, 1})))

	fresh := memRow("fresh", "u1", now, []float32{1, 0})
	require.NoError(t, store.InsertMemory(ctx, fresh))
	require.NoError(t, m.LinkNew(ctx, fresh, []float32{1, 0}))

	edges, err := store.GetWaypointsTouching(ctx, []string{"fresh"}, "u1")
	require.NoError(t, err)
	require.Len(t, edges, 2)

	weights := map[string]float64{}
	for _, e := range edges {
		weights[e.DstID] = e.Weight
	}
	// Identical mean vector plus zero time gap saturates the blend; the
	// orthogonal neighbour gets proximity credit only.
	assert.InDelta(t, 1.0, weights["old1"], 1e-6)
	assert.InDelta(t, 0.4, weights["old2"], 1e-6)
}

func TestLinkNewSkipsBelowPruneThreshold(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, nil, 0.05, 1.0, 0.9, 5)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	// No mean vector on the neighbour caps the edge at the proximity term.
	require.NoError(t, store.InsertMemory(ctx, memRow("old1", "u1", now, nil)))
	fresh := memRow("fresh", "u1", now, nil)
	require.NoError(t, store.InsertMemory(ctx, fresh))
	require.NoError(t, m.LinkNew(ctx, fresh, nil))

	edges, err := store.GetWaypointsTouching(ctx, []string{"fresh"}, "u1")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestLinkNewScopedToTenant(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, nil, 0.05, 1.0, 0.05, 5)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, store.InsertMemory(ctx, memRow("other", "u2", now, []float32{1, 0})))
	fresh := memRow("fresh", "u1", now, []float32{1, 0})
	require.NoError(t, store.InsertMemory(ctx, fresh))
	require.NoError(t, m.LinkNew(ctx, fresh, []float32{1, 0}))

	edges, err := store.GetWaypointsTouching(ctx, []string{"fresh"}, "u1")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestReinforceCoRecallStrengthensExistingOnly(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, nil, 0.05, 1.0, 0.05, 5)
	ctx := context.Background()

	require.NoError(t, store.UpsertWaypoint(ctx, &storage.WaypointRow{
		SrcID: "a", DstID: "b", UserID: "u1",
		Weight: 0.5, CreatedAt: 1000, UpdatedAt: 1000,
	}, m.Eta, m.MaxWeight))

	require.NoError(t, m.ReinforceCoRecall(ctx, []string{"a", "b", "c"}, 0.2))

	edges, err := store.GetWaypointsTouching(ctx, []string{"a", "b", "c"}, "u1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.7, edges[0].Weight, 1e-9)
}

func TestDecaySweepScalesAndPrunes(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, nil, 0.05, 1.0, 0.05, 5)
	ctx := context.Background()

	require.NoError(t, store.InsertMemory(ctx, memRow("a", "u1", 1000, nil)))
	require.NoError(t, store.InsertMemory(ctx, memRow("b", "u1", 1000, nil)))
	require.NoError(t, store.InsertMemory(ctx, memRow("c", "u1", 1000, nil)))

	for _, e := range []struct {
		src, dst string
		w        float64
	}{{"a", "b", 0.8}, {"b", "c", 0.08}} {
		require.NoError(t, store.UpsertWaypoint(ctx, &storage.WaypointRow{
			SrcID: e.src, DstID: e.dst, UserID: "u1",
			Weight: e.w, CreatedAt: 1000, UpdatedAt: 1000,
		}, m.Eta, m.MaxWeight))
	}

	scaled, pruned, err := m.DecaySweep(ctx, time.Hour, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, scaled)
	assert.Equal(t, 1, pruned)

	edges, err := store.GetWaypointsTouching(ctx, []string{"a", "b", "c"}, "u1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.4, edges[0].Weight, 1e-9)
}

func TestNeighboursExcludesSeeds(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, nil, 0.05, 1.0, 0.05, 5)
	ctx := context.Background()

	for _, e := range []struct {
		src, dst string
		w        float64
	}{{"a", "b", 0.5}, {"c", "a", 0.7}, {"b", "c", 0.3}} {
		require.NoError(t, store.UpsertWaypoint(ctx, &storage.WaypointRow{
			SrcID: e.src, DstID: e.dst, UserID: "u1",
			Weight: e.w, CreatedAt: 1000, UpdatedAt: 1000,
		}, m.Eta, m.MaxWeight))
	}

	out, err := m.Neighbours(ctx, []string{"a"}, "u1")
	require.NoError(t, err)
	assert.NotContains(t, out, "a")
	assert.InDelta(t, 0.5, out["b"], 1e-9)
	assert.InDelta(t, 0.7, out["c"], 1e-9)
}
