package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockFreeAndContended(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "sweep", "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Live lock stays with its holder.
	ok, err = c.AcquireLock(ctx, "sweep", "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different key is independent.
	ok, err = c.AcquireLock(ctx, "consolidate", "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLockStealsExpired(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "sweep", "token-a", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = c.AcquireLock(ctx, "sweep", "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLockChecksToken(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "sweep", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.ReleaseLock(ctx, "sweep", "token-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.ReleaseLock(ctx, "sweep", "token-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Released lock is free again.
	ok, err = c.AcquireLock(ctx, "sweep", "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
