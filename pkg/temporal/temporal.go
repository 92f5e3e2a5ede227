// Package temporal maintains the bitemporal knowledge graph: facts and
// edges with validity windows. At most one fact per (user, subject,
// predicate) is open at any instant; recording a contradicting fact closes
// the old window and opens a new one, so history is never overwritten.
package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openmemory/openmemory-go/pkg/events"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

// closeConfidence is the floor below which a decaying open fact is closed.
const closeConfidence = 0.05

// Graph manages bitemporal facts and edges.
type Graph struct {
	store  storage.MetadataStore
	bus    *events.Bus
	logger *zap.Logger
}

// NewGraph creates a temporal graph manager. A nil bus disables event
// emission.
func NewGraph(store storage.MetadataStore, bus *events.Bus, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{store: store, bus: bus, logger: logger}
}

func (g *Graph) publish(topic, userID string, payload map[string]interface{}) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, userID, payload)
}

func factPayload(r *storage.FactRow) map[string]interface{} {
	return map[string]interface{}{
		"fact_id":    r.ID,
		"subject":    r.Subject,
		"predicate":  r.Predicate,
		"object":     r.Object,
		"valid_from": r.ValidFrom,
		"valid_to":   r.ValidTo,
		"confidence": r.Confidence,
	}
}

func edgePayload(r *storage.EdgeRow) map[string]interface{} {
	return map[string]interface{}{
		"edge_id":    r.ID,
		"source_id":  r.SourceID,
		"target_id":  r.TargetID,
		"relation":   r.RelationType,
		"valid_from": r.ValidFrom,
		"valid_to":   r.ValidTo,
		"weight":     r.Weight,
	}
}

// Fact is the caller-facing form of a bitemporal fact.
type Fact struct {
	ID         int64
	UserID     string
	Subject    string
	Predicate  string
	Object     string
	ValidFrom  int64
	ValidTo    int64 // 0 while open
	Confidence float64
}

func factFromRow(r *storage.FactRow) *Fact {
	return &Fact{
		ID:         r.ID,
		UserID:     r.UserID,
		Subject:    r.Subject,
		Predicate:  r.Predicate,
		Object:     r.Object,
		ValidFrom:  r.ValidFrom,
		ValidTo:    r.ValidTo,
		Confidence: r.Confidence,
	}
}

// RecordFact asserts (subject, predicate, object) at the given instant.
//
// An open fact with the same object absorbs the assertion: its confidence
// rises to the larger of the two values. An open fact with a different
// object is closed at `at` and a new window opens. The close and insert run
// in one transaction so the one-open-fact invariant holds even under
// concurrent writers.
func (g *Graph) RecordFact(ctx context.Context, userID, subject, predicate, object string, confidence float64, at int64) (*Fact, error) {
	if subject == "" || predicate == "" || object == "" {
		return nil, fmt.Errorf("RecordFact: empty triple component")
	}
	if confidence <= 0 || confidence > 1 {
		return nil, fmt.Errorf("RecordFact: confidence %v out of range", confidence)
	}

	var out *Fact
	var absorbed *storage.FactRow
	var superseded *storage.FactRow
	var inserted *storage.FactRow
	err := g.store.InTx(ctx, func(ctx context.Context) error {
		absorbed, superseded, inserted = nil, nil, nil

		existing, err := g.store.GetOpenFactExact(ctx, userID, subject, predicate, object)
		if err == nil {
			if confidence > existing.Confidence {
				existing.Confidence = confidence
			}
			existing.LastUpdated = at
			if err := g.store.UpdateFact(ctx, existing); err != nil {
				return err
			}
			absorbed = existing
			out = factFromRow(existing)
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		open, err := g.store.GetOpenFact(ctx, userID, subject, predicate)
		if err == nil {
			open.ValidTo = at
			open.LastUpdated = at
			if err := g.store.UpdateFact(ctx, open); err != nil {
				return err
			}
			superseded = open
			g.logger.Debug("closed superseded fact",
				zap.String("subject", subject),
				zap.String("predicate", predicate),
				zap.String("old_object", open.Object))
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		row := &storage.FactRow{
			UserID:      userID,
			Subject:     subject,
			Predicate:   predicate,
			Object:      object,
			ValidFrom:   at,
			Confidence:  confidence,
			LastUpdated: at,
		}
		id, err := g.store.InsertFact(ctx, row)
		if err != nil {
			return err
		}
		row.ID = id
		inserted = row
		out = factFromRow(row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("RecordFact: %w", err)
	}

	// Events go out only after the transaction commits.
	if absorbed != nil {
		g.publish(events.FactUpdated, userID, factPayload(absorbed))
	}
	if superseded != nil {
		g.publish(events.FactDeleted, userID, factPayload(superseded))
	}
	if inserted != nil {
		g.publish(events.FactCreated, userID, factPayload(inserted))
	}
	return out, nil
}

// InvalidateFact closes the open fact for (subject, predicate) at the given
// instant without asserting a replacement.
func (g *Graph) InvalidateFact(ctx context.Context, userID, subject, predicate string, at int64) error {
	open, err := g.store.GetOpenFact(ctx, userID, subject, predicate)
	if err != nil {
		return fmt.Errorf("InvalidateFact: %w", err)
	}
	open.ValidTo = at
	open.LastUpdated = at
	if err := g.store.UpdateFact(ctx, open); err != nil {
		return fmt.Errorf("InvalidateFact: %w", err)
	}
	g.publish(events.FactDeleted, userID, factPayload(open))
	return nil
}

// FactsAtTime returns the facts valid at the given instant, most confident
// first.
func (g *Graph) FactsAtTime(ctx context.Context, at int64, filter storage.FactFilter) ([]*Fact, error) {
	rows, err := g.store.QueryFactsAtTime(ctx, at, filter)
	if err != nil {
		return nil, fmt.Errorf("FactsAtTime: %w", err)
	}
	out := make([]*Fact, len(rows))
	for i, r := range rows {
		out[i] = factFromRow(r)
	}
	return out, nil
}

// CurrentFact returns the open fact for (subject, predicate).
func (g *Graph) CurrentFact(ctx context.Context, userID, subject, predicate string) (*Fact, error) {
	row, err := g.store.GetOpenFact(ctx, userID, subject, predicate)
	if err != nil {
		return nil, fmt.Errorf("CurrentFact: %w", err)
	}
	return factFromRow(row), nil
}

// DecaySweep multiplies the confidence of stale open facts by factor and
// closes the ones that fall below the floor. Returns decayed and closed
// counts.
func (g *Graph) DecaySweep(ctx context.Context, notUpdatedSince int64, factor float64, now int64, batch int) (decayed, closed int, err error) {
	if batch <= 0 {
		batch = 200
	}
	rows, err := g.store.ListStaleFacts(ctx, notUpdatedSince, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("DecaySweep: %w", err)
	}
	for _, row := range rows {
		row.Confidence *= factor
		row.LastUpdated = now
		wasClosed := false
		if row.Confidence < closeConfidence {
			row.ValidTo = now
			wasClosed = true
			closed++
		}
		if err := g.store.UpdateFact(ctx, row); err != nil {
			return decayed, closed, fmt.Errorf("DecaySweep: %w", err)
		}
		decayed++
		if wasClosed {
			g.publish(events.FactDeleted, row.UserID, factPayload(row))
		} else {
			g.publish(events.FactUpdated, row.UserID, factPayload(row))
		}
	}
	return decayed, closed, nil
}

// RecordEdge asserts a relation between two entities. An open edge for the
// same (source, target, relation) absorbs the assertion with the larger
// weight; otherwise a new open edge is inserted.
func (g *Graph) RecordEdge(ctx context.Context, userID, sourceID, targetID, relationType string, weight float64, at int64) (int64, error) {
	if sourceID == "" || targetID == "" || relationType == "" {
		return 0, fmt.Errorf("RecordEdge: empty component")
	}
	var id int64
	var absorbed, inserted *storage.EdgeRow
	err := g.store.InTx(ctx, func(ctx context.Context) error {
		absorbed, inserted = nil, nil

		existing, err := g.store.GetOpenEdge(ctx, userID, sourceID, targetID, relationType)
		if err == nil {
			if weight > existing.Weight {
				existing.Weight = weight
			}
			existing.LastUpdated = at
			if err := g.store.UpdateEdge(ctx, existing); err != nil {
				return err
			}
			absorbed = existing
			id = existing.ID
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		row := &storage.EdgeRow{
			UserID:       userID,
			SourceID:     sourceID,
			TargetID:     targetID,
			RelationType: relationType,
			ValidFrom:    at,
			Weight:       weight,
			LastUpdated:  at,
		}
		id, err = g.store.InsertEdge(ctx, row)
		if err != nil {
			return err
		}
		row.ID = id
		inserted = row
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("RecordEdge: %w", err)
	}

	if absorbed != nil {
		g.publish(events.EdgeUpdated, userID, edgePayload(absorbed))
	}
	if inserted != nil {
		g.publish(events.EdgeCreated, userID, edgePayload(inserted))
	}
	return id, nil
}

// CloseEdge ends the open edge for (source, target, relation) at the given
// instant.
func (g *Graph) CloseEdge(ctx context.Context, userID, sourceID, targetID, relationType string, at int64) error {
	open, err := g.store.GetOpenEdge(ctx, userID, sourceID, targetID, relationType)
	if err != nil {
		return fmt.Errorf("CloseEdge: %w", err)
	}
	open.ValidTo = at
	open.LastUpdated = at
	if err := g.store.UpdateEdge(ctx, open); err != nil {
		return fmt.Errorf("CloseEdge: %w", err)
	}
	g.publish(events.EdgeDeleted, userID, edgePayload(open))
	return nil
}

// EdgesAtTime returns the edges valid at the given instant, heaviest first.
func (g *Graph) EdgesAtTime(ctx context.Context, at int64, userID string) ([]*storage.EdgeRow, error) {
	rows, err := g.store.QueryEdgesAtTime(ctx, at, userID)
	if err != nil {
		return nil, fmt.Errorf("EdgesAtTime: %w", err)
	}
	return rows, nil
}

// DeleteUser removes every fact and edge of a tenant.
func (g *Graph) DeleteUser(ctx context.Context, userID string) error {
	return g.store.InTx(ctx, func(ctx context.Context) error {
		if err := g.store.DeleteFactsByUser(ctx, userID); err != nil {
			return err
		}
		return g.store.DeleteEdgesByUser(ctx, userID)
	})
}
