package paper

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/broker"
	"relay/internal/schema"
	"relay/pkg/exception"

	"github.com/shopspring/decimal"
)

// Script decides how one placed order evolves. The first response answers
// PlaceOrder and each later one answers one GetOrderStatus call; the last
// response repeats.
type Script func(req broker.OrderRequest) []broker.OrderResponse

// Config controls the simulated exchange.
type Config struct {
	Latency time.Duration
	Script  Script
}

// Placement records one accepted PlaceOrder call.
type Placement struct {
	Account string
	OrderID string
	Request broker.OrderRequest
}

type order struct {
	account   string
	req       broker.OrderRequest
	responses []broker.OrderResponse
	cursor    int
	cancelled bool
}

func (o *order) current() broker.OrderResponse {
	return o.responses[o.cursor]
}

type gauge struct {
	inFlight atomic.Int64
	max      atomic.Int64
}

func (g *gauge) enter() {
	n := g.inFlight.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) exit() {
	g.inFlight.Add(-1)
}

// Exchange is an in-process exchange shared by every paper account. Orders
// are idempotent per (account, client order id).
type Exchange struct {
	cfg Config

	mu         sync.Mutex
	seq        int64
	orders     map[string]*order
	byClientID map[string]string
	balances   map[string]decimal.Decimal
	failures   map[string]error
	placed     []Placement
	cancels    map[string]int
	gauges     map[string]*gauge
	total      gauge
}

func NewExchange(cfg Config) *Exchange {
	if cfg.Script == nil {
		cfg.Script = FillImmediately
	}
	return &Exchange{
		cfg:        cfg,
		orders:     make(map[string]*order),
		byClientID: make(map[string]string),
		balances:   make(map[string]decimal.Decimal),
		failures:   make(map[string]error),
		cancels:    make(map[string]int),
		gauges:     make(map[string]*gauge),
	}
}

// Factory binds paper accounts to credentials; the API key names the account.
func (e *Exchange) Factory() broker.Factory {
	return broker.FactoryFunc(func(creds schema.Credentials) (broker.Adapter, error) {
		if !creds.Valid() {
			return nil, exception.ErrBrokerInvalidCredential
		}
		return &Account{ex: e, name: creds.APIKey}, nil
	})
}

// SetBalance sets an account balance returned by GetBalance.
func (e *Exchange) SetBalance(account, currency string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[account+"|"+currency] = amount
}

// FailPlacements makes every PlaceOrder of the account return err. A nil err
// clears it.
func (e *Exchange) FailPlacements(account string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, account)
		return
	}
	e.failures[account] = err
}

// Placements returns a copy of every accepted placement in order.
func (e *Exchange) Placements() []Placement {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Placement, len(e.placed))
	copy(out, e.placed)
	return out
}

// CancelCount returns how many CancelOrder calls hit the order.
func (e *Exchange) CancelCount(orderID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels[orderID]
}

// MaxInFlight returns the highest number of concurrent calls seen for an
// account.
func (e *Exchange) MaxInFlight(account string) int64 {
	return e.gauge(account).max.Load()
}

// MaxInFlightTotal returns the highest number of concurrent calls seen across
// all accounts.
func (e *Exchange) MaxInFlightTotal() int64 {
	return e.total.max.Load()
}

func (e *Exchange) gauge(account string) *gauge {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gauges[account]
	if !ok {
		g = &gauge{}
		e.gauges[account] = g
	}
	return g
}

func (e *Exchange) call(ctx context.Context, account string) (func(), error) {
	g := e.gauge(account)
	g.enter()
	e.total.enter()
	done := func() {
		e.total.exit()
		g.exit()
	}
	if e.cfg.Latency <= 0 {
		return done, nil
	}
	timer := time.NewTimer(e.cfg.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		done()
		return nil, ctx.Err()
	case <-timer.C:
		return done, nil
	}
}

func (e *Exchange) place(account string, req broker.OrderRequest) (broker.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err, ok := e.failures[account]; ok {
		return broker.OrderResponse{}, err
	}

	clientKey := account + "|" + req.ClientOrderID
	if id, ok := e.byClientID[clientKey]; ok && req.ClientOrderID != "" {
		return e.orders[id].current(), nil
	}

	e.seq++
	id := "P" + strconv.FormatInt(e.seq, 10)
	responses := e.cfg.Script(req)
	if len(responses) == 0 {
		responses = FillImmediately(req)
	}
	for i := range responses {
		responses[i].OrderID = id
	}
	e.orders[id] = &order{account: account, req: req, responses: responses}
	e.byClientID[clientKey] = id
	e.placed = append(e.placed, Placement{Account: account, OrderID: id, Request: req})
	return responses[0], nil
}

func (e *Exchange) status(account, orderID string) (broker.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.account != account {
		return broker.OrderResponse{}, exception.ErrBrokerOrderNotFound
	}
	if o.cancelled {
		resp := o.current()
		resp.Status = broker.StatusCancelled
		return resp, nil
	}
	if o.cursor < len(o.responses)-1 {
		o.cursor++
	}
	return o.current(), nil
}

func (e *Exchange) cancel(account, orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancels[orderID]++
	o, ok := e.orders[orderID]
	if !ok || o.account != account {
		return false, exception.ErrBrokerOrderNotFound
	}
	if o.cancelled || o.current().Status.IsTerminal() {
		return false, nil
	}
	o.cancelled = true
	return true, nil
}

func (e *Exchange) balance(account, currency string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[account+"|"+currency]
}
