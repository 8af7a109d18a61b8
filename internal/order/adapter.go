package order

import (
	"context"
	"sync"

	"relay/internal/broker"
	"relay/internal/ratelimit"
	"relay/internal/schema"

	"github.com/shopspring/decimal"
)

// limited runs every call of one user's adapter under rate-limit permits.
type limited struct {
	next    broker.Adapter
	limiter *ratelimit.Limiter
	userID  string
}

var _ broker.Adapter = (*limited)(nil)

func (l *limited) PlaceOrder(ctx context.Context, req broker.OrderRequest) (resp broker.OrderResponse, err error) {
	err = l.limiter.Do(ctx, l.userID, func(ctx context.Context) error {
		resp, err = l.next.PlaceOrder(ctx, req)
		return err
	})
	return resp, err
}

func (l *limited) GetOrderStatus(ctx context.Context, symbol, orderID string) (resp broker.OrderResponse, err error) {
	err = l.limiter.Do(ctx, l.userID, func(ctx context.Context) error {
		resp, err = l.next.GetOrderStatus(ctx, symbol, orderID)
		return err
	})
	return resp, err
}

func (l *limited) CancelOrder(ctx context.Context, symbol, orderID string) (ok bool, err error) {
	err = l.limiter.Do(ctx, l.userID, func(ctx context.Context) error {
		ok, err = l.next.CancelOrder(ctx, symbol, orderID)
		return err
	})
	return ok, err
}

func (l *limited) GetBalance(ctx context.Context, currency string) (bal decimal.Decimal, err error) {
	err = l.limiter.Do(ctx, l.userID, func(ctx context.Context) error {
		bal, err = l.next.GetBalance(ctx, currency)
		return err
	})
	return bal, err
}

type cachedAdapter struct {
	fingerprint string
	adapter     broker.Adapter
}

// adapterCache keeps one adapter per user, rebuilt when credentials change.
type adapterCache struct {
	factory broker.Factory
	limiter *ratelimit.Limiter

	mu    sync.Mutex
	byUID map[string]cachedAdapter
}

func newAdapterCache(factory broker.Factory, limiter *ratelimit.Limiter) *adapterCache {
	return &adapterCache{factory: factory, limiter: limiter, byUID: make(map[string]cachedAdapter)}
}

func (c *adapterCache) get(user schema.UserAccount) (broker.Adapter, error) {
	fp := user.Credentials.Fingerprint()

	c.mu.Lock()
	cached, ok := c.byUID[user.ID]
	c.mu.Unlock()
	if ok && cached.fingerprint == fp {
		return cached.adapter, nil
	}

	a, err := c.factory.New(user.Credentials)
	if err != nil {
		return nil, err
	}
	wrapped := &limited{next: a, limiter: c.limiter, userID: user.ID}

	c.mu.Lock()
	c.byUID[user.ID] = cachedAdapter{fingerprint: fp, adapter: wrapped}
	c.mu.Unlock()
	return wrapped, nil
}

func (c *adapterCache) lookup(userID string) (broker.Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.byUID[userID]
	return cached.adapter, ok
}

func (c *adapterCache) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.byUID)
	c.byUID = make(map[string]cachedAdapter)
	return n
}
