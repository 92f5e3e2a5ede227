package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "core_test.db")
	cfg.TestMode = true
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAddAndGet(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{
		Content: "the espresso machine needs descaling every month",
		UserID:  "u1",
		Tags:    []string{"kitchen"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, mem.ID)
	assert.Equal(t, "u1", mem.UserID)
	assert.Equal(t, "the espresso machine needs descaling every month", mem.Content)
	assert.True(t, ValidSector(mem.PrimarySector))
	assert.Contains(t, mem.Tags, "kitchen")
	assert.InDelta(t, defaultSalience, mem.Salience, 1e-9)
	assert.Equal(t, int64(1), mem.Version)

	got, err := c.Get(ctx, mem.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, mem.ID, got.ID)
	assert.Equal(t, mem.Content, got.Content)
}

func TestAddValidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Add(ctx, &AddRequest{Content: "", UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.Add(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.Add(ctx, &AddRequest{Content: "x", Sector: "imaginary"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAddDeduplicates(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	first, err := c.Add(ctx, &AddRequest{Content: "my dentist is on elm street", UserID: "u1"})
	require.NoError(t, err)

	// Same fingerprint reinforces the existing memory instead of inserting.
	second, err := c.Add(ctx, &AddRequest{Content: "my dentist is on elm street", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), second.Coactivations)
	assert.Greater(t, second.Salience, first.Salience)

	n, err := c.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The same content under another tenant is a distinct memory.
	other, err := c.Add(ctx, &AddRequest{Content: "my dentist is on elm street", UserID: "u2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAddSectorOverride(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{
		Content: "always write down the oven temperature",
		UserID:  "u1",
		Sector:  SectorProcedural,
	})
	require.NoError(t, err)
	assert.Equal(t, SectorProcedural, mem.PrimarySector)
	assert.InDelta(t, SectorDecayLambda[SectorProcedural], mem.DecayLambda, 1e-9)
}

func TestAddBatch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mems, err := c.AddBatch(ctx, []*AddRequest{
		{Content: "first note about the garden", UserID: "u1"},
		{Content: "second note about the garage", UserID: "u1"},
		{Content: "third note about the attic", UserID: "u1"},
	})
	require.NoError(t, err)
	require.Len(t, mems, 3)
	seen := map[string]bool{}
	for _, m := range mems {
		require.NotNil(t, m)
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
	}

	n, err := c.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetTenantIsolation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{Content: "a private thought", UserID: "alice"})
	require.NoError(t, err)

	_, err = c.Get(ctx, mem.ID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, mem.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "no-such-id", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateContentReembeds(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{Content: "the wifi password is swordfish", UserID: "u1"})
	require.NoError(t, err)

	content := "the wifi password changed to hunter2"
	updated, err := c.Update(ctx, mem.ID, "u1", &UpdateRequest{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, content, updated.Content)
	assert.NotEqual(t, mem.Simhash, updated.Simhash)
	assert.Greater(t, updated.Version, mem.Version)
}

func TestUpdateValidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{Content: "some content", UserID: "u1"})
	require.NoError(t, err)

	_, err = c.Update(ctx, mem.ID, "u1", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	bad := 1.5
	_, err = c.Update(ctx, mem.ID, "u1", &UpdateRequest{Salience: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.Update(ctx, mem.ID, "u2", &UpdateRequest{Tags: []string{"x"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSalienceAndTags(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{Content: "remember to water the ferns", UserID: "u1"})
	require.NoError(t, err)

	s := 0.9
	updated, err := c.Update(ctx, mem.ID, "u1", &UpdateRequest{
		Salience: &s,
		Tags:     []string{"plants"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, updated.Salience, 1e-9)
	assert.Equal(t, []string{"plants"}, updated.Tags)
	// Content untouched.
	assert.Equal(t, mem.Content, updated.Content)
	assert.Equal(t, mem.Simhash, updated.Simhash)
}

func TestDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{Content: "ephemeral note", UserID: "u1"})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Delete(ctx, mem.ID, "u2"), ErrNotFound)
	require.NoError(t, c.Delete(ctx, mem.ID, "u1"))
	_, err = c.Get(ctx, mem.ID, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, mem.ID, "u1"), ErrNotFound)
}

func TestDeleteAll(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, content := range []string{"note one", "note two", "note three"} {
		_, err := c.Add(ctx, &AddRequest{Content: content, UserID: "u1"})
		require.NoError(t, err)
	}
	_, err := c.Add(ctx, &AddRequest{Content: "unrelated tenant note", UserID: "u2"})
	require.NoError(t, err)

	require.NoError(t, c.DeleteAll(ctx, "u1"))

	n, err := c.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.Count(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListPagesNewestFirst(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, content := range []string{"oldest entry", "middle entry", "newest entry"} {
		_, err := c.Add(ctx, &AddRequest{Content: content, UserID: "u1"})
		require.NoError(t, err)
	}

	mems, err := c.List(ctx, "u1", 2, 0)
	require.NoError(t, err)
	require.Len(t, mems, 2)

	rest, err := c.List(ctx, "u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}

func TestFeedback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	mem, err := c.Add(ctx, &AddRequest{Content: "the train leaves at seven", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, c.Feedback(ctx, mem.ID, "u1", 1.0))
	require.NoError(t, c.Feedback(ctx, mem.ID, "u1", -0.5))

	got, err := c.Get(ctx, mem.ID, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.FeedbackScore, 1e-9)

	assert.ErrorIs(t, c.Feedback(ctx, mem.ID, "u2", 1.0), ErrNotFound)
}

func TestMergeTags(t *testing.T) {
	out := mergeTags([]string{"a", "b"}, []string{"b", "c", ""})
	assert.Equal(t, []string{"a", "b", "c"}, out)
	assert.Empty(t, mergeTags(nil, nil))
}
