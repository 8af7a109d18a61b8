package governor

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"relay/internal/obs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHeap(v *atomic.Uint64) func(*runtime.MemStats) {
	return func(m *runtime.MemStats) {
		m.HeapAlloc = v.Load()
	}
}

func TestCheckShedsOverLimit(t *testing.T) {
	var heap atomic.Uint64
	var gcs, sheds atomic.Int32
	m := obs.NewMetrics()

	g := New(Config{HeapLimit: 100}, m, Target{Name: "registry", Shed: func() int { sheds.Add(1); return 3 }})
	g.read = fakeHeap(&heap)
	g.gc = func() { gcs.Add(1) }

	heap.Store(50)
	assert.False(t, g.Check())
	assert.Equal(t, int32(0), sheds.Load())

	heap.Store(150)
	assert.True(t, g.Check())
	assert.Equal(t, int32(1), sheds.Load())
	assert.Equal(t, int32(1), gcs.Load())
	assert.Equal(t, uint64(1), m.Snapshot().Sheds)
}

func TestShedPanicDoesNotStopOthers(t *testing.T) {
	var heap atomic.Uint64
	heap.Store(10)
	var ran atomic.Bool

	g := New(Config{HeapLimit: 1}, nil,
		Target{Name: "broken", Shed: func() int { panic("boom") }},
	)
	g.Add(Target{Name: "limiter", Shed: func() int { ran.Store(true); return 0 }})
	g.read = fakeHeap(&heap)
	g.gc = func() { panic("gc boom") }

	require.NotPanics(t, func() { g.Check() })
	assert.True(t, ran.Load())
}

func TestRunStopsWithContext(t *testing.T) {
	var heap atomic.Uint64
	heap.Store(10)
	var gcs atomic.Int32

	g := New(Config{Interval: time.Millisecond, GCEvery: time.Millisecond, HeapLimit: 1 << 20}, obs.NewMetrics())
	g.read = fakeHeap(&heap)
	g.gc = func() { gcs.Add(1) }

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() { g.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return gcs.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("governor did not stop")
	}
}

func TestBytesCarry(t *testing.T) {
	cases := []struct {
		in   uint64
		want uint64
		unit string
	}{
		{in: 10, want: 10, unit: "B"},
		{in: 64 << 10, want: 64, unit: "KB"},
		{in: 64 << 20, want: 64, unit: "MB"},
		{in: 64 << 30, want: 64, unit: "GB"},
	}
	for _, c := range cases {
		v, unit := bytesCarry(c.in)
		assert.Equal(t, c.want, v)
		assert.Equal(t, c.unit, unit)
	}
}
