package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsPeriodically(t *testing.T) {
	s := New(nil)
	defer s.StopAll(time.Second)

	var runs atomic.Int64
	s.Register("tick", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		time.Second, 5*time.Millisecond)
}

func TestSchedulerCountsFailures(t *testing.T) {
	s := New(nil)
	defer s.StopAll(time.Second)

	s.Register("failing", 10*time.Millisecond, func(context.Context) error {
		return errors.New("boom")
	})

	assert.Eventually(t, func() bool {
		for _, st := range s.Status() {
			if st.Name == "failing" && st.Failures >= 2 && st.LastError == "boom" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRecoversPanic(t *testing.T) {
	s := New(nil)
	defer s.StopAll(time.Second)

	var after atomic.Int64
	s.Register("panicky", 10*time.Millisecond, func(context.Context) error {
		if after.Add(1) == 1 {
			panic("first run explodes")
		}
		return nil
	})

	// The loop survives the panic and keeps ticking.
	assert.Eventually(t, func() bool { return after.Load() >= 3 },
		time.Second, 5*time.Millisecond)
}

func TestSchedulerReplaceStopsOld(t *testing.T) {
	s := New(nil)
	defer s.StopAll(time.Second)

	var old, repl atomic.Int64
	s.Register("job", 10*time.Millisecond, func(context.Context) error {
		old.Add(1)
		return nil
	})
	s.Register("job", 10*time.Millisecond, func(context.Context) error {
		repl.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return repl.Load() >= 2 },
		time.Second, 5*time.Millisecond)
	frozen := old.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, old.Load())
	assert.Len(t, s.Status(), 1)
}

func TestSchedulerStop(t *testing.T) {
	s := New(nil)
	var runs atomic.Int64
	s.Register("job", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Stop("job")
	frozen := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, runs.Load())
	assert.Empty(t, s.Status())
}

func TestSchedulerStopAllBlocksNewRegistrations(t *testing.T) {
	s := New(nil)
	assert.True(t, s.StopAll(time.Second))

	s.Register("late", 10*time.Millisecond, func(context.Context) error { return nil })
	assert.Empty(t, s.Status())
}
