// Package ratelimit bounds broker calls with a global in-flight cap and a
// per-user cap. Waiting for a permit only fails when the context ends.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"relay/internal/errors"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultGlobal  = 1000
	DefaultPerUser = 10
	DefaultIdleTTL = 10 * time.Minute
)

type Config struct {
	Global  int64
	PerUser int64
	IdleTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Global <= 0 {
		c.Global = DefaultGlobal
	}
	if c.PerUser <= 0 {
		c.PerUser = DefaultPerUser
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	return c
}

type slot struct {
	sem      *semaphore.Weighted
	refs     int
	lastUsed time.Time
}

type Limiter struct {
	cfg    Config
	global *semaphore.Weighted

	mu    sync.Mutex
	slots map[string]*slot
}

func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:    cfg,
		global: semaphore.NewWeighted(cfg.Global),
		slots:  make(map[string]*slot),
	}
}

func (l *Limiter) ref(userID string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[userID]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(l.cfg.PerUser)}
		l.slots[userID] = s
	}
	s.refs++
	return s
}

func (l *Limiter) unref(s *slot) {
	l.mu.Lock()
	s.refs--
	s.lastUsed = time.Now()
	l.mu.Unlock()
}

// Acquire blocks until both a user permit and a global permit are held. The
// user permit is taken first so one busy user cannot park global permits.
func (l *Limiter) Acquire(ctx context.Context, userID string) (release func(), err error) {
	s := l.ref(userID)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		l.unref(s)
		return nil, errors.Wrapf(err, "acquire user permit %s", userID)
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		s.sem.Release(1)
		l.unref(s)
		return nil, errors.Wrap(err, "acquire global permit")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.global.Release(1)
			s.sem.Release(1)
			l.unref(s)
		})
	}, nil
}

// Do runs fn while holding permits for userID.
func (l *Limiter) Do(ctx context.Context, userID string, fn func(context.Context) error) error {
	release, err := l.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Users returns how many per-user slots exist.
func (l *Limiter) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Sweep drops slots idle for longer than the configured TTL.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, s := range l.slots {
		if s.refs == 0 && now.Sub(s.lastUsed) >= l.cfg.IdleTTL {
			delete(l.slots, id)
			removed++
		}
	}
	return removed
}

// Reset drops every slot that holds no permit. Slots in use are kept so
// their holders release into the same semaphore.
func (l *Limiter) Reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, s := range l.slots {
		if s.refs == 0 {
			delete(l.slots, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle slots until ctx ends.
func (l *Limiter) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = l.cfg.IdleTTL
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := l.Sweep(now); n > 0 {
				logs.Debugf("rate limiter swept %d idle users", n)
			}
		}
	}
}
