package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay/internal/schema"
	"relay/internal/store"
	"relay/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ ns atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.ns.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *clock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *clock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

func creds(key string) json.RawMessage {
	return json.RawMessage(`{"exchange":"paper","api_key":"` + key + `","api_secret":"s"}`)
}

func user(id string, raw json.RawMessage) memstore.User {
	return memstore.User{
		Approved:    true,
		APIVerified: true,
		UserRecord: store.UserRecord{
			ID:               id,
			Active:           true,
			AvailableBalance: decimal.NewFromInt(1000),
			Credentials:      raw,
			Subscriptions: map[string]schema.Subscription{
				"s": {Multiplier: decimal.NewFromInt(1), Status: schema.SubscriptionStatusActive},
			},
		},
	}
}

func TestEligibleUsersCachesAndSkipsMalformed(t *testing.T) {
	users := memstore.New()
	users.PutUser(user("a", creds("a")))
	users.PutUser(user("b", json.RawMessage(`{"exchange":`)))
	users.PutUser(user("c", json.RawMessage(`{"exchange":"paper"}`)))

	r, err := New(users, Config{TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	got, err := r.EligibleUsers(t.Context(), "s")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "paper", got[0].Credentials.Exchange)
	assert.Equal(t, int64(2), r.Skipped())

	_, err = r.EligibleUsers(t.Context(), "s")
	require.NoError(t, err)
	assert.Equal(t, 1, users.EligibleQueries())
}

func TestStaleSnapshotServedDuringRefresh(t *testing.T) {
	users := memstore.New()
	users.PutUser(user("a", creds("a")))

	r, err := New(users, Config{TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()
	clk := newClock()
	r.now = clk.Now

	var mu sync.Mutex
	rebuilt := map[string]int{}
	r.OnRebuild(func(strategy string, _ []schema.UserAccount) {
		mu.Lock()
		rebuilt[strategy]++
		mu.Unlock()
	})

	_, err = r.EligibleUsers(t.Context(), "s")
	require.NoError(t, err)

	users.PutUser(user("b", creds("b")))
	clk.Advance(2 * time.Minute)

	got, err := r.EligibleUsers(t.Context(), "s")
	require.NoError(t, err)
	assert.Len(t, got, 1, "stale snapshot is served immediately")

	require.Eventually(t, func() bool { return r.Rebuilds() == 2 }, time.Second, 5*time.Millisecond)
	got, err = r.EligibleUsers(t.Context(), "s")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	mu.Lock()
	assert.Equal(t, 2, rebuilt["s"])
	mu.Unlock()
}

func TestClearForcesReload(t *testing.T) {
	users := memstore.New()
	users.PutUser(user("a", creds("a")))

	r, err := New(users, Config{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.EligibleUsers(t.Context(), "s")
	require.NoError(t, err)
	r.Clear()
	_, err = r.EligibleUsers(t.Context(), "s")
	require.NoError(t, err)
	assert.Equal(t, 2, users.EligibleQueries())
}

type gatedStore struct {
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedStore) EligibleUsers(ctx context.Context, strategy string) ([]store.UserRecord, error) {
	g.calls.Add(1)
	<-g.release
	return []store.UserRecord{user("a", creds("a")).UserRecord}, nil
}

func TestConcurrentLoadsShareQuery(t *testing.T) {
	g := &gatedStore{release: make(chan struct{})}
	r, err := New(g, Config{})
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.EligibleUsers(t.Context(), "s")
			assert.NoError(t, err)
			assert.Len(t, got, 1)
		}()
	}
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(g.release)
	wg.Wait()

	assert.Equal(t, int32(1), g.calls.Load())
}

func TestLoadCallerCancelled(t *testing.T) {
	g := &gatedStore{release: make(chan struct{})}
	r, err := New(g, Config{})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = r.EligibleUsers(ctx, "s")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(g.release)
	require.Eventually(t, func() bool { return r.Rebuilds() == 1 }, time.Second, time.Millisecond)
}
