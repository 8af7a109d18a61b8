// Package og confirms placed orders against the exchange and persists their
// outcomes idempotently.
package og

import (
	"context"
	"sync"
	"time"

	"relay/internal/broker"
	"relay/internal/errors"
	"relay/internal/notify"
	"relay/internal/obs"
	"relay/internal/schema"
	"relay/internal/store"
	"relay/pkg/exception"

	"github.com/yanun0323/logs"
)

const (
	DefaultPollDelay    = 2 * time.Second
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 3
)

type Config struct {
	// PollDelay is the wait before the first status check of an open order.
	PollDelay    time.Duration
	PollInterval time.Duration
	MaxPolls     int
}

func (c Config) withDefaults() Config {
	if c.PollDelay <= 0 {
		c.PollDelay = DefaultPollDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	return c
}

// Resubmit places an intent through the single-user dispatch path.
type Resubmit func(ctx context.Context, intent schema.OrderIntent) schema.OrderOutcome

// TerminalHook observes every terminal outcome once it is persisted.
type TerminalHook func(outcome schema.OrderOutcome)

type Reconciler struct {
	cfg       Config
	outcomes  store.OutcomeStore
	signals   store.SignalStore
	publisher notify.Publisher
	metrics   *obs.Metrics

	hookMu     sync.RWMutex
	onTerminal []TerminalHook

	mu    sync.Mutex
	polls map[string]context.CancelFunc
	// stopped remembers stops that arrived before their poll started.
	stopped map[string]time.Time
}

func NewReconciler(cfg Config, outcomes store.OutcomeStore, signals store.SignalStore, publisher notify.Publisher, metrics *obs.Metrics) *Reconciler {
	if publisher == nil {
		publisher = notify.Noop{}
	}
	return &Reconciler{
		cfg:       cfg.withDefaults(),
		outcomes:  outcomes,
		signals:   signals,
		publisher: publisher,
		metrics:   metrics,
		polls:     make(map[string]context.CancelFunc),
		stopped:   make(map[string]time.Time),
	}
}

// OnTerminal registers a hook for persisted terminal outcomes.
func (r *Reconciler) OnTerminal(hook TerminalHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onTerminal = append(r.onTerminal, hook)
}

func pollKey(userID, orderID string) string {
	return userID + "|" + orderID
}

// Record persists an outcome and, when it changed anything, mirrors it into
// the signal's per-user status. Store failures are logged; the caller's view
// of the outcome stays authoritative for this run.
func (r *Reconciler) Record(ctx context.Context, outcome schema.OrderOutcome) bool {
	if outcome.UpdatedAt.IsZero() {
		outcome.UpdatedAt = time.Now().UTC()
	}

	applied, err := r.outcomes.UpsertOutcome(ctx, outcome)
	if err != nil {
		logs.Errorf("upsert outcome signal=%s user=%s order=%s status=%s, err: %+v",
			outcome.SignalID, outcome.UserID, outcome.OrderID, outcome.Status, err)
		return false
	}
	if !applied {
		return false
	}
	r.metrics.ObserveOutcome(outcome.Status)

	status := schema.UserSignalStatus{
		Status:    outcome.Status,
		OrderID:   outcome.OrderID,
		Reason:    outcome.Reason,
		UpdatedAt: outcome.UpdatedAt,
	}
	if err := r.signals.SetUserStatus(ctx, outcome.SignalID, outcome.UserID, status); err != nil {
		logs.Errorf("set user status signal=%s user=%s, err: %+v", outcome.SignalID, outcome.UserID, err)
	}

	if !outcome.Status.IsTerminal() {
		return true
	}

	err = r.publisher.Publish(ctx, outcome)
	r.metrics.ObservePublish(err)
	if err != nil {
		logs.Warnf("publish outcome signal=%s user=%s order=%s, err: %+v", outcome.SignalID, outcome.UserID, outcome.OrderID, err)
	}

	r.hookMu.RLock()
	hooks := r.onTerminal
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(outcome)
	}
	return true
}

// StopPolling ends the status loop of one order. A loop that has not
// started yet ends as soon as it starts. The order's outcome is then left to
// whoever stopped it. It reports whether a running loop was stopped.
func (r *Reconciler) StopPolling(userID, orderID string) bool {
	key := pollKey(userID, orderID)
	r.mu.Lock()
	cancel, ok := r.polls[key]
	if !ok {
		r.stopped[key] = time.Now()
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Resume drops a pending stop so the next poll of the order runs.
func (r *Reconciler) Resume(userID, orderID string) {
	r.mu.Lock()
	delete(r.stopped, pollKey(userID, orderID))
	r.mu.Unlock()
}

// Shed forgets stops older than age whose poll never started.
func (r *Reconciler) Shed(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, at := range r.stopped {
		if at.Before(cutoff) {
			delete(r.stopped, key)
			n++
		}
	}
	return n
}

// polling reports whether a status loop runs for the order.
func (r *Reconciler) polling(userID, orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.polls[pollKey(userID, orderID)]
	return ok
}

func (r *Reconciler) track(ctx context.Context, userID, orderID string) (context.Context, func()) {
	pollCtx, cancel := context.WithCancel(ctx)
	key := pollKey(userID, orderID)
	r.mu.Lock()
	r.polls[key] = cancel
	if _, ok := r.stopped[key]; ok {
		delete(r.stopped, key)
		cancel()
	}
	r.mu.Unlock()
	return pollCtx, func() {
		r.mu.Lock()
		delete(r.polls, key)
		r.mu.Unlock()
		cancel()
	}
}

// Confirm drives a placed order to a terminal outcome. A terminal response
// is consumed as is; an open one is polled after PollDelay, every
// PollInterval, at most MaxPolls times before it is marked ERROR. A partial
// fill cancels the remainder and resubmits it once as a market order.
func (r *Reconciler) Confirm(ctx context.Context, adapter broker.Adapter, intent schema.OrderIntent, resp broker.OrderResponse, resubmit Resubmit) schema.OrderOutcome {
	start := time.Now()
	defer func() { r.metrics.ObserveConfirm(time.Since(start)) }()

	outcome := schema.NewOutcome(intent)
	outcome, terminal := Resolve(outcome, resp)
	if !terminal {
		var stopped bool
		outcome, terminal, stopped = r.poll(ctx, adapter, intent, outcome)
		if stopped {
			return outcome
		}
		if !terminal {
			return r.settle(ctx, outcome)
		}
	}

	if outcome.Status == schema.OrderStatusPartiallyFilled {
		return r.partial(ctx, adapter, intent, outcome, resubmit)
	}
	return r.settle(ctx, outcome)
}

// settle records the outcome. When the store already holds a terminal
// record for the order, that record wins and is returned instead.
func (r *Reconciler) settle(ctx context.Context, outcome schema.OrderOutcome) schema.OrderOutcome {
	if r.Record(ctx, outcome) {
		return outcome
	}
	return r.persisted(ctx, outcome)
}

func (r *Reconciler) persisted(ctx context.Context, outcome schema.OrderOutcome) schema.OrderOutcome {
	stored, found, err := r.outcomes.Outcome(ctx, outcome.UserID, outcome.OrderID)
	if err != nil || !found || !stored.Status.IsTerminal() {
		return outcome
	}
	return stored
}

func (r *Reconciler) poll(ctx context.Context, adapter broker.Adapter, intent schema.OrderIntent, outcome schema.OrderOutcome) (schema.OrderOutcome, bool, bool) {
	if outcome.BrokerOrderID == "" {
		outcome.Status = schema.OrderStatusError
		outcome.Error = errors.Wrap(exception.ErrBrokerEmptyOrderID, "placement acknowledged").Error()
		return outcome, false, false
	}

	pollCtx, done := r.track(ctx, intent.UserID, intent.ClientOrderID)
	defer done()

	timer := time.NewTimer(r.cfg.PollDelay)
	defer timer.Stop()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxPolls; attempt++ {
		select {
		case <-pollCtx.Done():
			return outcome, false, true
		case <-timer.C:
		}

		resp, err := adapter.GetOrderStatus(pollCtx, intent.Symbol, outcome.BrokerOrderID)
		switch {
		case pollCtx.Err() != nil:
			return outcome, false, true
		case err != nil:
			lastErr = err
			logs.Warnf("order status signal=%s user=%s order=%s attempt=%d, err: %+v",
				intent.SignalID, intent.UserID, outcome.BrokerOrderID, attempt, err)
		default:
			var terminal bool
			if outcome, terminal = Resolve(outcome, resp); terminal {
				return outcome, true, false
			}
		}
		timer.Reset(r.cfg.PollInterval)
	}

	err := errors.Wrapf(exception.ErrOrderUnconfirmed, "no terminal status after %d polls", r.cfg.MaxPolls)
	if lastErr != nil {
		err = errors.Wrapf(exception.ErrOrderUnconfirmed, "no terminal status after %d polls, last status error %v", r.cfg.MaxPolls, lastErr)
	}
	outcome.Status = schema.OrderStatusError
	outcome.Error = err.Error()
	logs.Errorf("order unconfirmed signal=%s user=%s order=%s, %s", intent.SignalID, intent.UserID, outcome.BrokerOrderID, outcome.Error)
	return outcome, false, false
}

// partial cancels the open remainder of a partially filled order, re-reads
// the order to pick up fills that raced the cancel, and resubmits what is
// still unfilled once as a market order. The remainder is only replaced when
// the exchange confirms it is no longer working.
func (r *Reconciler) partial(ctx context.Context, adapter broker.Adapter, intent schema.OrderIntent, outcome schema.OrderOutcome, resubmit Resubmit) schema.OrderOutcome {
	if intent.Replacement || resubmit == nil || !intent.Qty.Sub(outcome.FilledQty).IsPositive() {
		return r.settle(ctx, outcome)
	}

	stored, found, err := r.outcomes.Outcome(ctx, outcome.UserID, outcome.OrderID)
	if err == nil && found && stored.Status.IsTerminal() {
		// resolved by an earlier delivery
		return stored
	}

	ok, err := adapter.CancelOrder(ctx, intent.Symbol, outcome.BrokerOrderID)
	if err != nil || !ok {
		logs.Warnf("cancel remainder signal=%s user=%s order=%s ok=%t, err: %+v",
			intent.SignalID, intent.UserID, outcome.BrokerOrderID, ok, err)
	}
	closed := err == nil && ok

	resp, err := adapter.GetOrderStatus(ctx, intent.Symbol, outcome.BrokerOrderID)
	if err != nil {
		logs.Warnf("status after cancel remainder signal=%s user=%s order=%s, err: %+v",
			intent.SignalID, intent.UserID, outcome.BrokerOrderID, err)
	} else {
		if resp.FilledQty.GreaterThan(outcome.FilledQty) {
			outcome.FilledQty = resp.FilledQty
		}
		if resp.AvgPrice.IsPositive() {
			outcome.AvgPrice = resp.AvgPrice
		}
		switch resp.Status {
		case broker.StatusFilled:
			if !resp.FilledQty.IsPositive() {
				outcome.FilledQty = intent.Qty
			}
			outcome.Status = schema.OrderStatusFilled
			return r.settle(ctx, outcome)
		case broker.StatusCancelled, broker.StatusExpired:
			closed = true
		}
	}

	remainder := intent.Qty.Sub(outcome.FilledQty)
	if !remainder.IsPositive() {
		outcome.Status = schema.OrderStatusFilled
		return r.settle(ctx, outcome)
	}
	if !closed {
		outcome.Error = "remainder not cancelled, left working on the exchange"
		logs.Errorf("replace remainder skipped signal=%s user=%s order=%s filled=%s remainder=%s",
			intent.SignalID, intent.UserID, intent.ClientOrderID, outcome.FilledQty, remainder)
		return r.settle(ctx, outcome)
	}

	replacement := intent
	replacement.Type = schema.OrderTypeMarket
	replacement.Price = nil
	replacement.Qty = remainder
	replacement.Replacement = true
	replacement.ClientOrderID = ReplacementID(intent.ClientOrderID)
	if intent.Qty.IsPositive() {
		replacement.Margin = intent.Margin.Mul(remainder).Div(intent.Qty)
	}
	outcome.ReplacedBy = replacement.ClientOrderID

	if !r.Record(ctx, outcome) {
		// not persisted, or already resolved by an earlier delivery
		return r.persisted(ctx, outcome)
	}

	logs.Infof("replace remainder signal=%s user=%s order=%s filled=%s remainder=%s",
		intent.SignalID, intent.UserID, intent.ClientOrderID, outcome.FilledQty, remainder)
	resubmit(ctx, replacement)
	return outcome
}
