package temporal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/events"
	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/storage/sqlite"
)

func newTestGraph(t *testing.T) *Graph {
	g, _ := newTestGraphWithBus(t)
	return g
}

func newTestGraphWithBus(t *testing.T) (*Graph, *events.Bus) {
	t.Helper()
	c, err := sqlite.NewClient(&sqlite.Config{
		Path:     filepath.Join(t.TempDir(), "temporal_test.db"),
		TestMode: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	bus := events.NewBus(nil)
	return NewGraph(c, bus, nil), bus
}

func TestRecordFactValidation(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	_, err := g.RecordFact(ctx, "u1", "", "works_at", "acme", 0.9, 1000)
	assert.Error(t, err)
	_, err = g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0, 1000)
	assert.Error(t, err)
	_, err = g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 1.5, 1000)
	assert.Error(t, err)
}

func TestRecordFactAbsorbsSameObject(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	first, err := g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0.6, 1000)
	require.NoError(t, err)

	// Same object again keeps the window open and takes the max confidence.
	second, err := g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0.9, 2000)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, 0.9, second.Confidence, 1e-9)

	// A weaker re-assertion never lowers confidence.
	third, err := g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0.3, 3000)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.InDelta(t, 0.9, third.Confidence, 1e-9)
}

func TestRecordFactClosesContradiction(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	old, err := g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0.9, 1000)
	require.NoError(t, err)

	repl, err := g.RecordFact(ctx, "u1", "alice", "works_at", "globex", 0.8, 5000)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, repl.ID)

	cur, err := g.CurrentFact(ctx, "u1", "alice", "works_at")
	require.NoError(t, err)
	assert.Equal(t, "globex", cur.Object)

	// Historical queries still see the closed window.
	past, err := g.FactsAtTime(ctx, 3000, storage.FactFilter{
		UserID: "u1", Subject: "alice", Predicate: "works_at",
	})
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, "acme", past[0].Object)
	assert.Equal(t, int64(5000), past[0].ValidTo)
}

func TestInvalidateFact(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	_, err := g.RecordFact(ctx, "u1", "alice", "lives_in", "berlin", 0.9, 1000)
	require.NoError(t, err)
	require.NoError(t, g.InvalidateFact(ctx, "u1", "alice", "lives_in", 4000))

	_, err = g.CurrentFact(ctx, "u1", "alice", "lives_in")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, g.InvalidateFact(ctx, "u1", "alice", "lives_in", 5000), storage.ErrNotFound)
}

func TestDecaySweepClosesFaintFacts(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	_, err := g.RecordFact(ctx, "u1", "alice", "likes", "tea", 0.08, 1000)
	require.NoError(t, err)
	_, err = g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0.9, 1000)
	require.NoError(t, err)

	// Halving drops "likes tea" to 0.04, below the close floor.
	decayed, closed, err := g.DecaySweep(ctx, 2000, 0.5, 3000, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, decayed)
	assert.Equal(t, 1, closed)

	_, err = g.CurrentFact(ctx, "u1", "alice", "likes")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cur, err := g.CurrentFact(ctx, "u1", "alice", "works_at")
	require.NoError(t, err)
	assert.InDelta(t, 0.45, cur.Confidence, 1e-9)
}

func TestRecordEdgeAbsorbAndClose(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	id, err := g.RecordEdge(ctx, "u1", "alice", "acme", "employed_by", 0.5, 1000)
	require.NoError(t, err)

	// Re-assertion keeps the edge and takes the max weight.
	again, err := g.RecordEdge(ctx, "u1", "alice", "acme", "employed_by", 0.8, 2000)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	edges, err := g.EdgesAtTime(ctx, 2500, "u1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.8, edges[0].Weight, 1e-9)

	require.NoError(t, g.CloseEdge(ctx, "u1", "alice", "acme", "employed_by", 5000))
	edges, err = g.EdgesAtTime(ctx, 6000, "u1")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestDeleteUser(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	_, err := g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0.9, 1000)
	require.NoError(t, err)
	_, err = g.RecordEdge(ctx, "u1", "alice", "acme", "employed_by", 0.5, 1000)
	require.NoError(t, err)
	_, err = g.RecordFact(ctx, "u2", "bob", "works_at", "globex", 0.9, 1000)
	require.NoError(t, err)

	require.NoError(t, g.DeleteUser(ctx, "u1"))

	facts, err := g.FactsAtTime(ctx, 2000, storage.FactFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, facts)
	edges, err := g.EdgesAtTime(ctx, 2000, "u1")
	require.NoError(t, err)
	assert.Empty(t, edges)

	facts, err = g.FactsAtTime(ctx, 2000, storage.FactFilter{UserID: "u2"})
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestFactLifecycleEmitsEvents(t *testing.T) {
	g, bus := newTestGraphWithBus(t)
	ctx := context.Background()

	var got []events.Envelope
	for _, topic := range []string{events.FactCreated, events.FactUpdated, events.FactDeleted} {
		require.NoError(t, bus.Subscribe(topic, func(ev events.Envelope) {
			got = append(got, ev)
		}))
	}

	// First assertion opens a window.
	fact, err := g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0.9, 1000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.FactCreated, got[0].Type)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, fact.ID, got[0].Payload["fact_id"])
	assert.Equal(t, "acme", got[0].Payload["object"])

	// Re-assertion with the same object absorbs.
	got = got[:0]
	_, err = g.RecordFact(ctx, "u1", "alice", "works_at", "acme", 0.95, 2000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.FactUpdated, got[0].Type)

	// A contradicting object closes the old window and opens a new one.
	got = got[:0]
	_, err = g.RecordFact(ctx, "u1", "alice", "works_at", "globex", 0.9, 5000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events.FactDeleted, got[0].Type)
	assert.Equal(t, "acme", got[0].Payload["object"])
	assert.Equal(t, events.FactCreated, got[1].Type)
	assert.Equal(t, "globex", got[1].Payload["object"])

	// Invalidation closes without replacement.
	got = got[:0]
	require.NoError(t, g.InvalidateFact(ctx, "u1", "alice", "works_at", 9000))
	require.Len(t, got, 1)
	assert.Equal(t, events.FactDeleted, got[0].Type)
}

func TestEdgeLifecycleEmitsEvents(t *testing.T) {
	g, bus := newTestGraphWithBus(t)
	ctx := context.Background()

	var types []string
	for _, topic := range []string{events.EdgeCreated, events.EdgeUpdated, events.EdgeDeleted} {
		require.NoError(t, bus.Subscribe(topic, func(ev events.Envelope) {
			types = append(types, ev.Type)
		}))
	}

	_, err := g.RecordEdge(ctx, "u1", "alice", "acme", "employed_by", 0.5, 1000)
	require.NoError(t, err)
	_, err = g.RecordEdge(ctx, "u1", "alice", "acme", "employed_by", 0.8, 2000)
	require.NoError(t, err)
	require.NoError(t, g.CloseEdge(ctx, "u1", "alice", "acme", "employed_by", 5000))

	assert.Equal(t, []string{events.EdgeCreated, events.EdgeUpdated, events.EdgeDeleted}, types)
}

func TestDecaySweepEmitsFactEvents(t *testing.T) {
	g, bus := newTestGraphWithBus(t)
	ctx := context.Background()

	var types []string
	for _, topic := range []string{events.FactUpdated, events.FactDeleted} {
		require.NoError(t, bus.Subscribe(topic, func(ev events.Envelope) {
			types = append(types, ev.Type)
		}))
	}

	_, err := g.RecordFact(ctx, "u1", "alice", "likes", "tea", 0.9, 1000)
	require.NoError(t, err)
	_, err = g.RecordFact(ctx, "u1", "bob", "likes", "ash", 0.08, 1000)
	require.NoError(t, err)

	types = types[:0]
	decayed, closed, err := g.DecaySweep(ctx, 2000, 0.5, 3000, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, decayed)
	assert.Equal(t, 1, closed)

	// One survivor decays in place, one falls below the floor and closes.
	assert.ElementsMatch(t, []string{events.FactUpdated, events.FactDeleted}, types)
}
