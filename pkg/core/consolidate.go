package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/openmemory/openmemory-go/pkg/events"
	"github.com/openmemory/openmemory-go/pkg/llm"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

// consolidateSampleSize is how many high-salience memories feed one
// consolidation round.
const consolidateSampleSize = 20

// consolidateMaxTokens bounds the generated summary length.
const consolidateMaxTokens = 512

const summarySystemPrompt = "You distill a user's stored memories into a compact profile. " +
	"Write a third-person summary of durable facts, preferences and themes. " +
	"No speculation, no filler."

const reflectionSystemPrompt = "You extract one insight from a user's recent memories. " +
	"State a single durable pattern or lesson in one or two sentences."

// ConsolidationResult reports what one consolidation round produced.
type ConsolidationResult struct {
	// Summary is the refreshed user profile summary.
	Summary string

	// ReflectionID is the id of the reflective memory created this round,
	// empty when no memory crossed the consolidation threshold.
	ReflectionID string

	// Sampled is how many memories fed the round.
	Sampled int
}

// Consolidate refreshes the tenant's profile summary from its most recent
// memories and, when the sample's peak salience crosses the consolidation
// threshold, distils a reflective memory from it.
//
// Requires a configured generation provider; without one the call returns
// ErrProvider.
func (c *Client) Consolidate(ctx context.Context, userID string) (*ConsolidationResult, error) {
	if c.gen == nil {
		return nil, NewMemoryError("Consolidate", fmt.Errorf("%w: no generation provider configured", ErrProvider))
	}

	rows, err := c.meta.ListMemories(ctx, userID, consolidateSampleSize, 0)
	if err != nil {
		return nil, NewMemoryError("Consolidate", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	if len(rows) == 0 {
		return &ConsolidationResult{}, nil
	}

	var sb strings.Builder
	peak := 0.0
	for _, row := range rows {
		plain, err := c.plaintext(row)
		if err != nil {
			return nil, NewMemoryError("Consolidate", err)
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", row.PrimarySector, plain)
		if row.Salience > peak {
			peak = row.Salience
		}
	}
	corpus := sb.String()

	summary, err := c.gen.Generate(ctx, llm.Request{
		System:    summarySystemPrompt,
		Prompt:    "Memories:\n" + corpus,
		MaxTokens: consolidateMaxTokens,
	})
	if err != nil {
		return nil, NewMemoryError("Consolidate", fmt.Errorf("%w: %v", ErrProvider, err))
	}
	summary = strings.TrimSpace(summary)

	now := NowMillis(c.clock)
	prev, err := c.meta.GetUserSummary(ctx, userID)
	reflections := int64(0)
	createdAt := now
	if err == nil {
		reflections = prev.ReflectionCount
		createdAt = prev.CreatedAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, NewMemoryError("Consolidate", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}

	result := &ConsolidationResult{Summary: summary, Sampled: len(rows)}

	// A sample whose peak salience crosses theta earns a reflective memory.
	if peak >= c.cfg.Dynamics.ThetaConsolidation {
		reflection, err := c.gen.Generate(ctx, llm.Request{
			System:    reflectionSystemPrompt,
			Prompt:    "Memories:\n" + corpus,
			MaxTokens: 128,
		})
		if err != nil {
			c.logger.Warn("reflection generation failed",
				zap.String("user_id", userID), zap.Error(err))
		} else if reflection = strings.TrimSpace(reflection); reflection != "" {
			mem, err := c.Add(ctx, &AddRequest{
				Content: reflection,
				UserID:  userID,
				Sector:  SectorReflective,
				Tags:    []string{"reflection"},
			})
			if err != nil {
				c.logger.Warn("reflective memory store failed",
					zap.String("user_id", userID), zap.Error(err))
			} else {
				result.ReflectionID = mem.ID
				reflections++
			}
		}
	}

	if err := c.meta.UpsertUserSummary(ctx, &storage.UserSummaryRow{
		UserID:          userID,
		Summary:         summary,
		ReflectionCount: reflections,
		CreatedAt:       createdAt,
		UpdatedAt:       now,
	}); err != nil {
		return nil, NewMemoryError("Consolidate", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}

	c.bus.Publish(events.MemoryConsolidated, userID, map[string]interface{}{
		"sampled":    result.Sampled,
		"reflection": result.ReflectionID != "",
	})
	return result, nil
}

// Summary returns the tenant's consolidated profile summary, or ErrNotFound
// before the first consolidation.
func (c *Client) Summary(ctx context.Context, userID string) (string, error) {
	row, err := c.meta.GetUserSummary(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", NewMemoryError("Summary", ErrNotFound)
	}
	if err != nil {
		return "", NewMemoryError("Summary", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	return row.Summary, nil
}
