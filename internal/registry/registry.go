// Package registry caches, per strategy, the snapshot of users eligible to
// copy it. Entries are served until TTL; after that the stale snapshot keeps
// serving while a single background rebuild runs.
package registry

import (
	"context"
	"sync/atomic"
	"time"

	"relay/internal/errors"
	"relay/internal/schema"
	"relay/internal/store"
	"relay/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/ristretto"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL           = 5 * time.Minute
	defaultMaxStrategies = 1 << 12
)

type Config struct {
	TTL time.Duration
	// MaxStrategies bounds how many strategy snapshots stay cached.
	MaxStrategies int64
}

type entry struct {
	users    []schema.UserAccount
	loadedAt time.Time
}

// RebuildHook is told which users a fresh snapshot covers.
type RebuildHook func(strategy string, users []schema.UserAccount)

type Registry struct {
	users store.UserStore
	ttl   time.Duration
	cache *ristretto.Cache
	group singleflight.Group

	onRebuild RebuildHook
	now       func() time.Time

	rebuilds atomic.Int64
	skipped  atomic.Int64
}

func New(users store.UserStore, cfg Config) (*Registry, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxStrategies <= 0 {
		cfg.MaxStrategies = defaultMaxStrategies
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxStrategies * 10,
		MaxCost:     cfg.MaxStrategies,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new registry cache")
	}

	return &Registry{
		users: users,
		ttl:   cfg.TTL,
		cache: cache,
		now:   time.Now,
	}, nil
}

// OnRebuild registers a hook run after every successful rebuild.
func (r *Registry) OnRebuild(hook RebuildHook) {
	r.onRebuild = hook
}

// EligibleUsers returns the cached users subscribed to strategy, loading
// them on first use.
func (r *Registry) EligibleUsers(ctx context.Context, strategy string) ([]schema.UserAccount, error) {
	if e, ok := r.lookup(strategy); ok {
		if r.now().Sub(e.loadedAt) >= r.ttl {
			go r.refresh(context.WithoutCancel(ctx), strategy)
		}
		return e.users, nil
	}
	return r.Load(ctx, strategy)
}

// Load rebuilds the strategy snapshot now. Concurrent callers share one
// query; a caller whose ctx ends stops waiting but the rebuild completes.
func (r *Registry) Load(ctx context.Context, strategy string) ([]schema.UserAccount, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(strategy, func() (any, error) {
		return r.rebuild(detached, strategy)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]schema.UserAccount), nil
	}
}

func (r *Registry) refresh(ctx context.Context, strategy string) {
	_, err, _ := r.group.Do(strategy, func() (any, error) {
		if e, ok := r.lookup(strategy); ok && r.now().Sub(e.loadedAt) < r.ttl {
			return e.users, nil
		}
		return r.rebuild(ctx, strategy)
	})
	if err != nil {
		logs.Errorf("refresh registry strategy=%s, serving stale snapshot, err: %+v", strategy, err)
	}
}

func (r *Registry) rebuild(ctx context.Context, strategy string) ([]schema.UserAccount, error) {
	records, err := r.users.EligibleUsers(ctx, strategy)
	if err != nil {
		return nil, errors.Wrapf(err, "load users for %s", strategy)
	}

	users := make([]schema.UserAccount, 0, len(records))
	for _, rec := range records {
		u, err := Decode(rec)
		if err != nil {
			r.skipped.Add(1)
			logs.Warnf("skip user=%s strategy=%s, err: %+v", rec.ID, strategy, err)
			continue
		}
		users = append(users, u)
	}

	e := &entry{users: users, loadedAt: r.now()}
	r.cache.SetWithTTL(strategy, e, 1, 2*r.ttl)
	r.cache.Wait()
	r.rebuilds.Add(1)

	if r.onRebuild != nil {
		r.onRebuild(strategy, users)
	}
	logs.Infof("registry rebuilt strategy=%s users=%d skipped=%d", strategy, len(users), len(records)-len(users))
	return users, nil
}

func (r *Registry) lookup(strategy string) (*entry, bool) {
	v, ok := r.cache.Get(strategy)
	if !ok {
		return nil, false
	}
	e, ok := v.(*entry)
	return e, ok
}

// Invalidate drops one strategy snapshot.
func (r *Registry) Invalidate(strategy string) {
	r.cache.Del(strategy)
}

// Clear drops every snapshot; the next lookup reloads.
func (r *Registry) Clear() {
	r.cache.Clear()
}

// Rebuilds counts completed rebuilds.
func (r *Registry) Rebuilds() int64 {
	return r.rebuilds.Load()
}

// Skipped counts user documents dropped for malformed credentials.
func (r *Registry) Skipped() int64 {
	return r.skipped.Load()
}

func (r *Registry) Close() {
	r.cache.Close()
}

// Decode turns a stored user document into a snapshot, rejecting unusable
// credential documents.
func Decode(rec store.UserRecord) (schema.UserAccount, error) {
	if len(rec.Credentials) == 0 {
		return schema.UserAccount{}, errors.Wrap(exception.ErrBrokerInvalidCredential, "missing credentials")
	}
	var creds schema.Credentials
	if err := sonic.Unmarshal(rec.Credentials, &creds); err != nil {
		return schema.UserAccount{}, errors.Wrapf(exception.ErrBrokerInvalidCredential, "decode credentials: %v", err)
	}
	if !creds.Valid() {
		return schema.UserAccount{}, errors.Wrap(exception.ErrBrokerInvalidCredential, "incomplete credentials")
	}

	return schema.UserAccount{
		ID:               rec.ID,
		Email:            rec.Email,
		Active:           rec.Active,
		MarginCurrency:   rec.MarginCurrency,
		AvailableBalance: rec.AvailableBalance,
		UsedMargin:       rec.UsedMargin,
		Credentials:      creds,
		Subscriptions:    rec.Subscriptions,
	}, nil
}
