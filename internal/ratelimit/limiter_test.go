package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gauge struct {
	cur atomic.Int64
	max atomic.Int64
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

func TestPerUserCap(t *testing.T) {
	l := New(Config{Global: 100, PerUser: 3})
	var g gauge

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(t.Context(), "u1", func(context.Context) error {
				g.enter()
				defer g.leave()
				time.Sleep(2 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, g.max.Load(), int64(3))
	assert.Equal(t, int64(0), g.cur.Load())
}

func TestGlobalCap(t *testing.T) {
	l := New(Config{Global: 4, PerUser: 10})
	var g gauge

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := string(rune('a' + i%8))
			_ = l.Do(t.Context(), user, func(context.Context) error {
				g.enter()
				defer g.leave()
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, g.max.Load(), int64(4))
	assert.Equal(t, 8, l.Users())
}

func TestAcquireWaitsUntilCancelled(t *testing.T) {
	l := New(Config{Global: 10, PerUser: 1})
	release, err := l.Acquire(t.Context(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "u1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// other users are unaffected
	other, err := l.Acquire(t.Context(), "u2")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Acquire(t.Context(), "u1")
	require.NoError(t, err)
	again()
}

func TestSweepAndReset(t *testing.T) {
	l := New(Config{PerUser: 2, IdleTTL: time.Minute})
	require.NoError(t, l.Do(t.Context(), "idle", func(context.Context) error { return nil }))

	busy, err := l.Acquire(t.Context(), "busy")
	require.NoError(t, err)

	assert.Equal(t, 0, l.Sweep(time.Now()))
	assert.Equal(t, 1, l.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 1, l.Users())

	assert.Equal(t, 0, l.Reset())
	busy()
	assert.Equal(t, 1, l.Reset())
	assert.Equal(t, 0, l.Users())
}
