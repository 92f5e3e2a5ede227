// Package dynamics implements the cognitive forgetting and reinforcement
// model: exponential salience decay, cold-memory compression, and the
// salience arithmetic the recall path applies.
package dynamics

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/openmemory/openmemory-go/pkg/events"
	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/vector"
)

// DecayFactor is the retention multiplier after elapsed minutes under decay
// rate lambda (per minute).
func DecayFactor(lambda, minutes float64) float64 {
	if lambda <= 0 || minutes <= 0 {
		return 1
	}
	return math.Exp(-lambda * minutes)
}

// ReinforcedSalience applies a recall boost, saturating towards max: the
// closer a memory already is to max, the smaller the gain.
func ReinforcedSalience(salience, boost, max float64) float64 {
	s := salience + boost*(max-salience)
	if s > max {
		s = max
	}
	return s
}

// Config tunes the decay sweep.
type Config struct {
	// SegmentSize is the rows fetched per batch.
	SegmentSize int

	// Ratio caps the fraction of the corpus updated per sweep.
	Ratio float64

	// SleepMs pauses between batches so sweeps never monopolise the
	// single SQLite writer.
	SleepMs int

	// ColdThreshold is the salience below which a memory is compressed:
	// its sector vectors are dropped and only the quantised mean kept.
	ColdThreshold float64

	// MinDelta skips writes for changes smaller than this.
	MinDelta float64
}

// Stats summarises one sweep.
type Stats struct {
	Scanned    int
	Decayed    int
	Compressed int
}

// Decay runs salience sweeps over the whole corpus.
type Decay struct {
	meta   storage.MetadataStore
	vecs   storage.VectorStore
	cache  *vector.Cache
	bus    *events.Bus
	logger *zap.Logger
	cfg    Config

	now func() int64
}

// NewDecay creates a decay sweeper. cache and bus may be nil.
func NewDecay(meta storage.MetadataStore, vecs storage.VectorStore, cache *vector.Cache, bus *events.Bus, logger *zap.Logger, cfg Config) *Decay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 200
	}
	if cfg.Ratio <= 0 || cfg.Ratio > 1 {
		cfg.Ratio = 0.25
	}
	if cfg.ColdThreshold <= 0 {
		cfg.ColdThreshold = 0.05
	}
	if cfg.MinDelta <= 0 {
		cfg.MinDelta = 1e-4
	}
	return &Decay{
		meta:   meta,
		vecs:   vecs,
		cache:  cache,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNow overrides the clock, for tests.
func (d *Decay) SetNow(now func() int64) { d.now = now }

// Sweep walks the corpus in batches, applying exponential decay to every
// memory's salience based on time since last recall. At most Ratio of the
// corpus is updated per sweep; the rest waits for the next tick.
func (d *Decay) Sweep(ctx context.Context) (*Stats, error) {
	total, err := d.meta.CountMemories(ctx, "")
	if err != nil {
		// An unscoped count only exists for the nil tenant; fall back
		// to an uncapped sweep when it fails.
		total = 0
	}
	maxUpdates := int(math.MaxInt32)
	if total > 0 {
		if capped := int(d.cfg.Ratio * float64(total)); capped > 0 {
			maxUpdates = capped
		}
	}

	stats := &Stats{}
	now := d.now()
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := d.meta.SweepMemories(ctx, offset, d.cfg.SegmentSize)
		if err != nil {
			return stats, err
		}
		for _, row := range batch.Rows {
			stats.Scanned++
			if stats.Decayed >= maxUpdates {
				continue
			}
			if err := d.decayOne(ctx, row, now, stats); err != nil {
				return stats, err
			}
		}
		if batch.NextOffset < 0 || stats.Decayed >= maxUpdates {
			break
		}
		offset = batch.NextOffset
		if d.cfg.SleepMs > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(time.Duration(d.cfg.SleepMs) * time.Millisecond):
			}
		}
	}

	if d.bus != nil && stats.Decayed > 0 {
		d.bus.Publish(events.MemoryDecayed, "", map[string]interface{}{
			"scanned":    stats.Scanned,
			"decayed":    stats.Decayed,
			"compressed": stats.Compressed,
		})
	}
	d.logger.Debug("decay sweep",
		zap.Int("scanned", stats.Scanned),
		zap.Int("decayed", stats.Decayed),
		zap.Int("compressed", stats.Compressed))
	return stats, nil
}

func (d *Decay) decayOne(ctx context.Context, row *storage.MemoryRow, now int64, stats *Stats) error {
	minutes := float64(now-row.LastSeenAt) / float64(time.Minute.Milliseconds())
	next := row.Salience * DecayFactor(row.DecayLambda, minutes)
	if row.Salience-next < d.cfg.MinDelta {
		return nil
	}

	row.Salience = next
	row.UpdatedAt = now
	wasCold := len(row.CompressedVec) > 0

	if next < d.cfg.ColdThreshold && !wasCold && row.MeanDim > 0 && len(row.MeanVec) > 0 {
		if err := d.compress(ctx, row); err != nil {
			return err
		}
		stats.Compressed++
	}

	if err := d.meta.UpdateMemory(ctx, row); err != nil {
		return err
	}
	stats.Decayed++
	return nil
}

// compress quantises the mean vector into compressed_vec and drops the
// memory's sector vectors. Recall can still rank the memory by its
// dequantised mean; a later reinforcement re-embeds it.
func (d *Decay) compress(ctx context.Context, row *storage.MemoryRow) error {
	mean, err := vector.Decode(row.MeanVec)
	if err != nil {
		return err
	}
	row.CompressedVec = vector.Quantize(mean)
	row.MeanVec = nil

	if d.vecs != nil {
		if err := d.vecs.DeleteVectors(ctx, row.ID); err != nil {
			return err
		}
	}
	if d.cache != nil {
		d.cache.Invalidate(row.ID)
	}
	d.logger.Debug("compressed cold memory", zap.String("memory_id", row.ID))
	return nil
}
