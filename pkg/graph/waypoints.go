// Package graph maintains the associative waypoint graph: edge creation for
// new memories, reinforcement on recall, decay, and spreading activation
// over the edge structure.
package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/vector"
)

// Manager creates and maintains waypoint edges.
type Manager struct {
	store  storage.MetadataStore
	logger *zap.Logger

	// Eta is the reinforcement increment per co-recall.
	Eta float64

	// MaxWeight clamps edge weights.
	MaxWeight float64

	// PruneThreshold drops edges that decay below it.
	PruneThreshold float64

	// LinkRecentN is how many recent memories a new memory links to.
	LinkRecentN int
}

// NewManager creates a waypoint manager with the given dynamics parameters.
func NewManager(store storage.MetadataStore, logger *zap.Logger, eta, maxWeight, pruneThreshold float64, linkRecentN int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if linkRecentN <= 0 {
		linkRecentN = 5
	}
	return &Manager{
		store:          store,
		logger:         logger,
		Eta:            eta,
		MaxWeight:      maxWeight,
		PruneThreshold: pruneThreshold,
		LinkRecentN:    linkRecentN,
	}
}

// LinkNew connects a freshly stored memory to the tenant's most recent
// memories. Edge weight blends semantic similarity of the mean vectors with
// temporal proximity; edges born below the prune threshold are not created.
func (m *Manager) LinkNew(ctx context.Context, row *storage.MemoryRow, meanVec []float32) error {
	recent, err := m.store.RecentMemories(ctx, row.UserID, m.LinkRecentN+1)
	if err != nil {
		return fmt.Errorf("LinkNew: %w", err)
	}

	now := row.CreatedAt
	linked := 0
	for _, r := range recent {
		if r.ID == row.ID {
			continue
		}
		w := m.edgeWeight(meanVec, r, now)
		if w < m.PruneThreshold {
			continue
		}
		wp := &storage.WaypointRow{
			SrcID:     row.ID,
			DstID:     r.ID,
			UserID:    row.UserID,
			Weight:    w,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.UpsertWaypoint(ctx, wp, m.Eta, m.MaxWeight); err != nil {
			return fmt.Errorf("LinkNew: %w", err)
		}
		linked++
	}
	if linked > 0 {
		m.logger.Debug("linked new memory",
			zap.String("memory_id", row.ID),
			zap.Int("edges", linked))
	}
	return nil
}

// edgeWeight blends mean-vector similarity with temporal proximity. A
// neighbour without a stored mean vector falls back to proximity alone.
func (m *Manager) edgeWeight(meanVec []float32, neighbour *storage.MemoryRow, now int64) float64 {
	gapDays := float64(now-neighbour.LastSeenAt) / float64(24*time.Hour.Milliseconds())
	if gapDays < 0 {
		gapDays = 0
	}
	proximity := 1 / (1 + gapDays)

	if len(meanVec) == 0 || len(neighbour.MeanVec) == 0 {
		return 0.4 * proximity
	}
	nv, err := vector.Decode(neighbour.MeanVec)
	if err != nil || len(nv) != len(meanVec) {
		return 0.4 * proximity
	}
	sim := vector.Cosine(meanVec, nv)
	if sim < 0 {
		sim = 0
	}
	w := 0.6*sim + 0.4*proximity
	if w > m.MaxWeight {
		w = m.MaxWeight
	}
	return w
}

// ReinforceCoRecall bumps the edges between memories recalled together.
// Every pair in ids is reinforced; missing edges stay missing (recall does
// not create structure, only strengthens it).
func (m *Manager) ReinforceCoRecall(ctx context.Context, ids []string, boost float64) error {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := m.store.ReinforceWaypoint(ctx, ids[i], ids[j], boost, m.MaxWeight); err != nil {
				return fmt.Errorf("ReinforceCoRecall: %w", err)
			}
		}
	}
	return nil
}

// DecaySweep scales idle edges by factor and prunes the ones that fell
// below the threshold. Returns scaled and pruned counts.
func (m *Manager) DecaySweep(ctx context.Context, idle time.Duration, factor float64) (scaled, pruned int, err error) {
	cutoff := time.Now().Add(-idle).UnixMilli()
	scaled, err = m.store.ScaleWaypoints(ctx, cutoff, factor)
	if err != nil {
		return 0, 0, fmt.Errorf("DecaySweep: %w", err)
	}
	pruned, err = m.store.PruneWaypoints(ctx, m.PruneThreshold)
	if err != nil {
		return scaled, 0, fmt.Errorf("DecaySweep: %w", err)
	}
	return scaled, pruned, nil
}

// Neighbours returns the one-hop neighbourhood of ids with edge weights,
// excluding the seed ids themselves.
func (m *Manager) Neighbours(ctx context.Context, ids []string, userID string) (map[string]float64, error) {
	edges, err := m.store.GetWaypointsTouching(ctx, ids, userID)
	if err != nil {
		return nil, fmt.Errorf("Neighbours: %w", err)
	}
	seed := make(map[string]bool, len(ids))
	for _, id := range ids {
		seed[id] = true
	}
	out := make(map[string]float64)
	for _, e := range edges {
		for _, pair := range [][2]string{{e.SrcID, e.DstID}, {e.DstID, e.SrcID}} {
			if seed[pair[0]] && !seed[pair[1]] {
				if e.Weight > out[pair[1]] {
					out[pair[1]] = e.Weight
				}
			}
		}
	}
	return out, nil
}
