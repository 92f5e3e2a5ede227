package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/llm"
)

// scriptedLLM answers summary and reflection prompts with fixed text.
type scriptedLLM struct {
	summary    string
	reflection string
}

func (s scriptedLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	if strings.Contains(req.System, "insight") {
		return s.reflection, nil
	}
	return s.summary, nil
}

func (s scriptedLLM) GenerateStream(_ context.Context, _ llm.Request, fn func(string) error) error {
	return fn(s.summary)
}

func (scriptedLLM) Provider() string { return "scripted" }

func TestConsolidateRequiresProvider(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Consolidate(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrProvider)
}

func TestConsolidateEmptyTenant(t *testing.T) {
	c := newTestClient(t, WithLLM(scriptedLLM{summary: "nothing yet"}))
	res, err := c.Consolidate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, res.Summary)
	assert.Zero(t, res.Sampled)
}

func TestConsolidateWritesSummary(t *testing.T) {
	c := newTestClient(t, WithLLM(scriptedLLM{
		summary: "Prefers tea over coffee and cycles to work.",
	}))
	ctx := context.Background()

	for _, content := range []string{
		"I switched from coffee to green tea",
		"cycled to the office again today",
	} {
		_, err := c.Add(ctx, &AddRequest{Content: content, UserID: "u1"})
		require.NoError(t, err)
	}

	res, err := c.Consolidate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Prefers tea over coffee and cycles to work.", res.Summary)
	assert.Equal(t, 2, res.Sampled)
	// Default salience sits below the consolidation threshold.
	assert.Empty(t, res.ReflectionID)

	got, err := c.Summary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, res.Summary, got)
}

func TestConsolidateCreatesReflection(t *testing.T) {
	c := newTestClient(t, WithLLM(scriptedLLM{
		summary:    "Training hard for the marathon.",
		reflection: "Consistent morning runs are paying off.",
	}))
	ctx := context.Background()

	_, err := c.Add(ctx, &AddRequest{
		Content:  "ran twenty kilometres before sunrise",
		UserID:   "u1",
		Salience: 0.9,
	})
	require.NoError(t, err)

	res, err := c.Consolidate(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, res.ReflectionID)

	reflection, err := c.Get(ctx, res.ReflectionID, "u1")
	require.NoError(t, err)
	assert.Equal(t, SectorReflective, reflection.PrimarySector)
	assert.Contains(t, reflection.Tags, "reflection")
	assert.Equal(t, "Consistent morning runs are paying off.", reflection.Content)
}

func TestSummaryBeforeConsolidation(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Summary(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}
