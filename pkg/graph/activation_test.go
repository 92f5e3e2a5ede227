package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/storage"
)

func edge(src, dst string, w float64) *storage.WaypointRow {
	return &storage.WaypointRow{SrcID: src, DstID: dst, Weight: w}
}

func TestSpreadReachesNeighbours(t *testing.T) {
	edges := []*storage.WaypointRow{
		edge("a", "b", 0.5),
		edge("b", "c", 0.5),
	}
	energy := Spread(edges, map[string]float64{"a": 1}, 0.4, 0.01)

	assert.InDelta(t, 1.0, energy["a"], 0.3) // seeds keep their energy, inflow may add
	assert.Greater(t, energy["b"], 0.0)
	assert.Greater(t, energy["c"], 0.0)
	// Energy attenuates with distance from the seed.
	assert.Greater(t, energy["b"], energy["c"])
}

func TestSpreadBidirectional(t *testing.T) {
	edges := []*storage.WaypointRow{edge("a", "b", 0.8)}

	fromSrc := Spread(edges, map[string]float64{"a": 1}, 0.4, 0.01)
	assert.Greater(t, fromSrc["b"], 0.0)

	fromDst := Spread(edges, map[string]float64{"b": 1}, 0.4, 0.01)
	assert.Greater(t, fromDst["a"], 0.0)
}

func TestSpreadClampsAtOne(t *testing.T) {
	edges := []*storage.WaypointRow{
		edge("a", "x", 1),
		edge("b", "x", 1),
		edge("c", "x", 1),
	}
	seeds := map[string]float64{"a": 1, "b": 1, "c": 1}
	energy := Spread(edges, seeds, 1.0, 0.001)
	assert.LessOrEqual(t, energy["x"], 1.0)
}

func TestSpreadNoEdges(t *testing.T) {
	energy := Spread(nil, map[string]float64{"a": 0.7}, 0.4, 0.01)
	require.Len(t, energy, 1)
	assert.InDelta(t, 0.7, energy["a"], 1e-9)
}

func TestSpreadZeroGamma(t *testing.T) {
	edges := []*storage.WaypointRow{edge("a", "b", 0.9)}
	energy := Spread(edges, map[string]float64{"a": 1}, 0, 0.01)
	assert.Zero(t, energy["b"])
}

func TestSpreadSeedEnergyClamped(t *testing.T) {
	energy := Spread(nil, map[string]float64{"a": 3}, 0.4, 0.01)
	assert.InDelta(t, 1.0, energy["a"], 1e-9)
}
