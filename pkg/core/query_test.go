package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/events"
)

// brokenEmbedder fails every call, forcing the keyword fallback path.
type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder offline")
}
func (brokenEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedder offline")
}
func (brokenEmbedder) Dimensions() int  { return 768 }
func (brokenEmbedder) Provider() string { return "broken" }

func TestQueryValidation(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Query(context.Background(), &QueryRequest{Query: "", UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.Query(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestQueryEmptyTenant(t *testing.T) {
	c := newTestClient(t)
	results, err := c.Query(context.Background(), &QueryRequest{
		Query: "anything at all", UserID: "nobody",
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryRanksExactContentFirst(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	target, err := c.Add(ctx, &AddRequest{
		Content: "the recipe for sourdough needs a mature starter",
		UserID:  "u1",
	})
	require.NoError(t, err)
	_, err = c.Add(ctx, &AddRequest{
		Content: "parking downtown is impossible on weekends",
		UserID:  "u1",
	})
	require.NoError(t, err)

	results, err := c.Query(ctx, &QueryRequest{
		Query:  "the recipe for sourdough needs a mature starter",
		UserID: "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, target.ID, results[0].Memory.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Equal(t, []string{target.ID}, results[0].Path)
}

func TestQueryScopedToTenant(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Add(ctx, &AddRequest{
		Content: "the safe combination is behind the painting",
		UserID:  "alice",
	})
	require.NoError(t, err)

	results, err := c.Query(ctx, &QueryRequest{
		Query:  "the safe combination is behind the painting",
		UserID: "bob",
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryRespectsLimitAndMinScore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, content := range []string{
		"grocery list with apples and oranges",
		"grocery list with bread and butter",
		"grocery list with milk and eggs",
	} {
		_, err := c.Add(ctx, &AddRequest{Content: content, UserID: "u1"})
		require.NoError(t, err)
	}

	results, err := c.Query(ctx, &QueryRequest{
		Query: "grocery list", UserID: "u1", Limit: 2,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 2)

	results, err = c.Query(ctx, &QueryRequest{
		Query: "grocery list", UserID: "u1", MinScore: 100,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryReinforcesRecall(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{
		Content: "the library closes early on fridays",
		UserID:  "u1",
	})
	require.NoError(t, err)

	// A read-only query leaves salience untouched.
	_, err = c.Query(ctx, &QueryRequest{
		Query: "the library closes early on fridays", UserID: "u1",
		SkipReinforce: true,
	})
	require.NoError(t, err)
	got, err := c.Get(ctx, mem.ID, "u1")
	require.NoError(t, err)
	assert.InDelta(t, defaultSalience, got.Salience, 1e-9)

	// A normal query touches the recalled memory. Different text avoids
	// the identical-query result cache.
	_, err = c.Query(ctx, &QueryRequest{
		Query: "when does the library close on fridays", UserID: "u1",
	})
	require.NoError(t, err)
	got, err = c.Get(ctx, mem.ID, "u1")
	require.NoError(t, err)
	assert.Greater(t, got.Salience, defaultSalience)
}

func TestQueryResultCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Add(ctx, &AddRequest{
		Content: "the thermostat lives in the hallway",
		UserID:  "u1",
	})
	require.NoError(t, err)

	var executed atomic.Int64
	require.NoError(t, c.Events().Subscribe(events.QueryExecuted, func(events.Envelope) {
		executed.Add(1)
	}))

	req := &QueryRequest{Query: "the thermostat lives in the hallway", UserID: "u1"}
	first, err := c.Query(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// The identical query is served from the cache: same ids, no event.
	second, err := c.Query(ctx, req)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Memory.ID, second[i].Memory.ID)
		assert.InDelta(t, first[i].Score, second[i].Score, 1e-9)
	}
	assert.Equal(t, int64(1), executed.Load())
}

func TestQueryKeywordFallback(t *testing.T) {
	c := newTestClient(t, WithEmbedder(brokenEmbedder{}))
	ctx := context.Background()

	// With embedding down the row is stored without vectors.
	mem, err := c.Add(ctx, &AddRequest{
		Content: "the spare key is under the blue flowerpot",
		UserID:  "u1",
	})
	require.NoError(t, err)

	results, err := c.Query(ctx, &QueryRequest{
		Query: "where is the spare key", UserID: "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, mem.ID, results[0].Memory.ID)
	assert.Zero(t, results[0].Similarity)
}

func TestQuerySectorRestriction(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Add(ctx, &AddRequest{
		Content: "the meeting notes from tuesday",
		UserID:  "u1",
		Sector:  SectorEpisodic,
	})
	require.NoError(t, err)

	// Restricting to a sector the memory has no vector in misses in the
	// similarity stage and degrades to keyword matching.
	results, err := c.Query(ctx, &QueryRequest{
		Query:   "the meeting notes from tuesday",
		UserID:  "u1",
		Sectors: []Sector{SectorReflective},
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Zero(t, results[0].Similarity)
}

func TestScoreCandidatesUsesTagHints(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	starred, err := c.Add(ctx, &AddRequest{
		Content: "the garden hose lives in the shed",
		UserID:  "u1",
		Tags:    []string{"starred"},
	})
	require.NoError(t, err)
	plain, err := c.Add(ctx, &AddRequest{
		Content: "the ladder leans against the fence",
		UserID:  "u1",
	})
	require.NoError(t, err)

	// Equal similarity isolates the tag hint as the only separating signal.
	cands := map[string]*candidate{
		starred.ID: {sim: 0.8, direct: true, path: []string{starred.ID}},
		plain.ID:   {sim: 0.8, direct: true, path: []string{plain.ID}},
	}
	req := &QueryRequest{UserID: "u1", TagHints: []string{"starred"}}
	results, err := c.scoreCandidates(ctx, req, cands, nil, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := make(map[string]float64, len(results))
	for _, r := range results {
		byID[r.Memory.ID] = r.Score
	}
	assert.InDelta(t, c.cfg.Weights.TagMatch, byID[starred.ID]-byID[plain.ID], 1e-3)
}

func TestSpreadLinksDirectCandidates(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	// Consecutive adds are linked by the add pipeline; the third has its
	// edges removed to serve as the unlinked control.
	first, err := c.Add(ctx, &AddRequest{Content: "the train leaves from platform nine", UserID: "u1"})
	require.NoError(t, err)
	second, err := c.Add(ctx, &AddRequest{Content: "the ticket office opens at seven", UserID: "u1"})
	require.NoError(t, err)
	third, err := c.Add(ctx, &AddRequest{Content: "the cafeteria serves lunch at noon", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, c.meta.DeleteWaypointsFor(ctx, third.ID))

	cands := map[string]*candidate{
		first.ID:  {sim: 0.8, direct: true, path: []string{first.ID}},
		second.ID: {sim: 0.8, direct: true, path: []string{second.ID}},
		third.ID:  {sim: 0.8, direct: true, path: []string{third.ID}},
	}
	require.NoError(t, c.spreadCandidates(ctx, &QueryRequest{UserID: "u1"}, cands))

	// Direct hits joined by an edge carry its weight; the control does not.
	assert.Greater(t, cands[first.ID].link, 0.0)
	assert.Greater(t, cands[second.ID].link, 0.0)
	assert.Zero(t, cands[third.ID].link)

	results, err := c.scoreCandidates(ctx, &QueryRequest{UserID: "u1"}, cands, nil, 1)
	require.NoError(t, err)
	require.Len(t, results, 3)
	byID := make(map[string]float64, len(results))
	for _, r := range results {
		byID[r.Memory.ID] = r.Score
	}
	assert.Greater(t, byID[first.ID], byID[third.ID])
}

func TestSpreadExpandAdmitsNeighbours(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	first, err := c.Add(ctx, &AddRequest{Content: "the projector remote is in the top drawer", UserID: "u1"})
	require.NoError(t, err)
	second, err := c.Add(ctx, &AddRequest{Content: "the conference room is on the third floor", UserID: "u1"})
	require.NoError(t, err)

	// Without Expand the linked neighbour stays out of the candidate set,
	// so no candidate pair exists to earn a waypoint boost.
	cands := map[string]*candidate{
		first.ID: {sim: 0.9, direct: true, path: []string{first.ID}},
	}
	require.NoError(t, c.spreadCandidates(ctx, &QueryRequest{UserID: "u1"}, cands))
	assert.NotContains(t, cands, second.ID)
	assert.Zero(t, cands[first.ID].link)

	cands = map[string]*candidate{
		first.ID: {sim: 0.9, direct: true, path: []string{first.ID}},
	}
	require.NoError(t, c.spreadCandidates(ctx, &QueryRequest{UserID: "u1", Expand: true}, cands))
	require.Contains(t, cands, second.ID)
	assert.Greater(t, cands[second.ID].energy, 0.0)
	assert.False(t, cands[second.ID].direct)
	assert.Equal(t, []string{first.ID, second.ID}, cands[second.ID].path)
	assert.Greater(t, cands[first.ID].link, 0.0)
}

func TestQueryTagHintsBypassCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Add(ctx, &AddRequest{
		Content: "the printer jams on thick paper",
		UserID:  "u1",
	})
	require.NoError(t, err)

	var executed atomic.Int64
	require.NoError(t, c.Events().Subscribe(events.QueryExecuted, func(events.Envelope) {
		executed.Add(1)
	}))

	// Hinted queries never touch the result cache, so both runs execute.
	req := &QueryRequest{
		Query: "the printer jams on thick paper", UserID: "u1",
		TagHints: []string{"hardware"},
	}
	_, err = c.Query(ctx, req)
	require.NoError(t, err)
	_, err = c.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), executed.Load())
}
