// Package governor watches process memory and sheds volatile caches when the
// heap grows past a limit. It never stops the process.
package governor

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"relay/internal/obs"

	"github.com/yanun0323/logs"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultGCEvery   = 5 * time.Minute
	DefaultHeapLimit = 1 << 30
)

type Config struct {
	Interval time.Duration
	GCEvery  time.Duration
	// HeapLimit is the HeapAlloc in bytes above which caches are shed.
	HeapLimit uint64
}

// Target is one cache the governor may drop. Shed returns how many entries
// went away, or -1 when it cannot tell.
type Target struct {
	Name string
	Shed func() int
}

type Governor struct {
	cfg     Config
	metrics *obs.Metrics

	mu      sync.Mutex
	targets []Target
	sample  memSample

	read func(*runtime.MemStats)
	gc   func()
	now  func() time.Time
}

func New(cfg Config, metrics *obs.Metrics, targets ...Target) *Governor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.GCEvery <= 0 {
		cfg.GCEvery = DefaultGCEvery
	}
	if cfg.HeapLimit == 0 {
		cfg.HeapLimit = DefaultHeapLimit
	}
	return &Governor{
		cfg:     cfg,
		metrics: metrics,
		targets: targets,
		read:    runtime.ReadMemStats,
		gc: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
		now: time.Now,
	}
}

// Add registers another shed target.
func (g *Governor) Add(t Target) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets = append(g.targets, t)
}

// Check samples memory once and sheds when over the limit. It reports
// whether it shed.
func (g *Governor) Check() (shed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sample.take(g.read, g.now())
	heap := g.sample.curr.HeapAlloc
	if heap <= g.cfg.HeapLimit {
		return false
	}

	logs.Warnf("heap over limit alloc=%d limit=%d, shedding %d caches", heap, g.cfg.HeapLimit, len(g.targets))
	for _, t := range g.targets {
		g.shedOne(t)
	}
	g.metrics.IncShed()
	g.collect()
	return true
}

func (g *Governor) shedOne(t Target) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("shed %s panicked, err: %v", t.Name, r)
		}
	}()
	n := t.Shed()
	logs.Infof("shed cache=%s entries=%d", t.Name, n)
}

func (g *Governor) collect() {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("forced gc panicked, err: %v", r)
		}
	}()
	g.gc()
}

// Run checks every Interval and forces a GC every GCEvery until ctx ends.
func (g *Governor) Run(ctx context.Context) {
	check := time.NewTicker(g.cfg.Interval)
	defer check.Stop()
	gc := time.NewTicker(g.cfg.GCEvery)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			g.tick()
		case <-gc.C:
			g.collect()
		}
	}
}

func (g *Governor) tick() {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("governor check panicked, err: %v", r)
		}
	}()
	g.Check()

	g.mu.Lock()
	line := g.sample.line()
	g.mu.Unlock()

	s := g.metrics.Snapshot()
	logs.Infof("governor %s signals=%d outcomes=%v rejects=%v panics=%d sheds=%d dispatch_avg=%s confirm_avg=%s",
		line, s.Signals, s.Outcomes, s.Rejects, s.Panics, s.Sheds, s.Dispatch.Avg, s.Confirm.Avg)
}
