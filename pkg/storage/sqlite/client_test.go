package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/storage"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		Path:     filepath.Join(t.TempDir(), "openmemory_test.db"),
		TestMode: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testMemoryRow(id, userID string) *storage.MemoryRow {
	return &storage.MemoryRow{
		ID:            id,
		UserID:        userID,
		Content:       "content of " + id,
		Simhash:       "hash-" + id,
		PrimarySector: "semantic",
		CreatedAt:     1000,
		UpdatedAt:     1000,
		LastSeenAt:    1000,
		Salience:      0.5,
		DecayLambda:   0.005,
		Version:       1,
	}
}

func TestSchemaVersion(t *testing.T) {
	c := newTestClient(t)
	v, err := c.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestMemoryCRUD(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	row := testMemoryRow("m1", "u1")
	row.TagsJSON = `["coffee"]`
	require.NoError(t, c.InsertMemory(ctx, row))

	got, err := c.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "content of m1", got.Content)
	assert.Equal(t, `["coffee"]`, got.TagsJSON)
	assert.Equal(t, int64(1), got.Version)

	got.Content = "rewritten"
	got.UpdatedAt = 2000
	require.NoError(t, c.UpdateMemory(ctx, got))

	got, err = c.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "rewritten", got.Content)
	assert.Equal(t, int64(2), got.Version)

	require.NoError(t, c.DeleteMemory(ctx, "m1"))
	_, err = c.GetMemory(ctx, "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryNotFound(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetMemory(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, c.DeleteMemory(ctx, "nope"), storage.ErrNotFound)
	assert.ErrorIs(t, c.UpdateMemory(ctx, testMemoryRow("nope", "u1")), storage.ErrNotFound)
	assert.ErrorIs(t, c.TouchMemory(ctx, "nope", 1, 0.1, 1), storage.ErrNotFound)
}

func TestTouchMemoryClampsSalience(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	row := testMemoryRow("m1", "u1")
	row.Salience = 0.95
	require.NoError(t, c.InsertMemory(ctx, row))
	require.NoError(t, c.TouchMemory(ctx, "m1", 5000, 0.2, 1.0))

	got, err := c.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Salience, 1e-9)
	assert.Equal(t, int64(5000), got.LastSeenAt)
	assert.Equal(t, int64(1), got.Coactivations)
}

func TestGetMemoryBySimhashScoping(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	alice := testMemoryRow("m1", "alice")
	alice.Simhash = "shared-hash"
	require.NoError(t, c.InsertMemory(ctx, alice))

	got, err := c.GetMemoryBySimhash(ctx, "alice", "shared-hash")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)

	// Another tenant never sees alice's fingerprint.
	_, err = c.GetMemoryBySimhash(ctx, "bob", "shared-hash")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Nor does the nil tenant.
	_, err = c.GetMemoryBySimhash(ctx, "", "shared-hash")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNilTenantIsolation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	anon := testMemoryRow("m-anon", "")
	anon.Simhash = "anon-hash"
	require.NoError(t, c.InsertMemory(ctx, anon))

	got, err := c.GetMemoryBySimhash(ctx, "", "anon-hash")
	require.NoError(t, err)
	assert.Equal(t, "m-anon", got.ID)

	n, err := c.CountMemories(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.CountMemories(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListMemoriesOrderAndPaging(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		row := testMemoryRow(fmt.Sprintf("m%d", i), "u1")
		row.CreatedAt = int64(i * 1000)
		require.NoError(t, c.InsertMemory(ctx, row))
	}

	rows, err := c.ListMemories(ctx, "u1", 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m5", rows[0].ID)
	assert.Equal(t, "m4", rows[1].ID)

	rows, err = c.ListMemories(ctx, "u1", 2, 4)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "m1", rows[0].ID)
}

func TestGetMemoriesByIDsScoped(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.InsertMemory(ctx, testMemoryRow("m1", "u1")))
	require.NoError(t, c.InsertMemory(ctx, testMemoryRow("m2", "u2")))

	rows, err := c.GetMemoriesByIDs(ctx, []string{"m1", "m2"}, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "m1", rows[0].ID)

	rows, err = c.GetMemoriesByIDs(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSweepMemoriesPagination(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.InsertMemory(ctx, testMemoryRow(fmt.Sprintf("m%d", i), "u1")))
	}

	batch, err := c.SweepMemories(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Rows, 2)
	assert.Equal(t, 2, batch.NextOffset)

	batch, err = c.SweepMemories(ctx, 4, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Rows, 1)
	assert.Equal(t, -1, batch.NextOffset)
}

func TestDeleteMemoriesByUser(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.InsertMemory(ctx, testMemoryRow("m1", "u1")))
	require.NoError(t, c.InsertMemory(ctx, testMemoryRow("m2", "u1")))
	require.NoError(t, c.InsertMemory(ctx, testMemoryRow("m3", "u2")))

	require.NoError(t, c.DeleteMemoriesByUser(ctx, "u1"))

	n, err := c.CountMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.CountMemories(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInTxRollsBack(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	err := c.InTx(ctx, func(ctx context.Context) error {
		if err := c.InsertMemory(ctx, testMemoryRow("m1", "u1")); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	_, err = c.GetMemory(ctx, "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
