// Package order fans one trade signal out into per-user orders and owns the
// single-user submission path shared by first placements and partial-fill
// replacements.
package order

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"relay/internal/broker"
	"relay/internal/errors"
	"relay/internal/obs"
	"relay/internal/og"
	"relay/internal/ratelimit"
	"relay/internal/risk"
	"relay/internal/schema"
	"relay/internal/store"
	"relay/pkg/backoff"
	"relay/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPlaceAttempts = 3
	// cancelledTTL is how long a cancelled signal keeps suppressing late
	// submissions in this process.
	cancelledTTL = time.Hour
)

// UserSource returns the users eligible to copy a strategy.
type UserSource interface {
	EligibleUsers(ctx context.Context, strategy string) ([]schema.UserAccount, error)
}

type Config struct {
	PlaceAttempts int
	PlaceBackoff  backoff.Backoff
}

type Dispatcher struct {
	cfg      Config
	users    UserSource
	gate     *risk.Gate
	limiter  *ratelimit.Limiter
	outcomes store.OutcomeStore
	recon    *og.Reconciler
	metrics  *obs.Metrics
	seq      *obs.Sequence
	adapters *adapterCache

	life  context.Context
	close context.CancelFunc
	wg    sync.WaitGroup

	inflight  sync.Map // signal|user
	cancelled sync.Map // signal -> time.Time
	cancels   sync.Map // user|order
	margins   sync.Map // user|order -> decimal.Decimal
}

func NewDispatcher(
	cfg Config,
	users UserSource,
	gate *risk.Gate,
	limiter *ratelimit.Limiter,
	brokers broker.Factory,
	outcomes store.OutcomeStore,
	recon *og.Reconciler,
	metrics *obs.Metrics,
) *Dispatcher {
	if cfg.PlaceAttempts <= 0 {
		cfg.PlaceAttempts = DefaultPlaceAttempts
	}
	if cfg.PlaceBackoff == (backoff.Backoff{}) {
		cfg.PlaceBackoff = backoff.Default()
	}

	life, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		users:    users,
		gate:     gate,
		limiter:  limiter,
		outcomes: outcomes,
		recon:    recon,
		metrics:  metrics,
		seq:      obs.NewSequence(0),
		adapters: newAdapterCache(brokers, limiter),
		life:     life,
		close:    cancel,
	}
	recon.OnTerminal(d.settleMargin)
	return d
}

func key(a, b string) string {
	return a + "|" + b
}

// ClientOrderID is the deterministic exchange client id of a user's order
// for a signal. Redelivered signals map to the same id.
func ClientOrderID(signal schema.TradeSignal, userID string) string {
	return og.DeriveID(fmt.Sprintf("%s|%s|%s|%s",
		signal.Strategy, signal.ID, userID, signal.CreatedAt.UTC().Format(time.RFC3339Nano)))
}

// Dispatch places the signal for every eligible user concurrently. One
// user's failure never affects another's order. Zero eligible users is a
// successful empty result.
func (d *Dispatcher) Dispatch(ctx context.Context, signal schema.TradeSignal) (FanoutResult, error) {
	result := FanoutResult{SignalID: signal.ID}
	if signal.ID == "" || signal.Strategy == "" {
		return result, errors.Wrapf(exception.ErrOrderInvalidSignal, "signal %q strategy %q", signal.ID, signal.Strategy)
	}
	if signal.Status.IsCancelled() {
		d.markCancelled(signal.ID)
		logs.Infof("dispatch skipped signal=%s, cancelled", signal.ID)
		return result, nil
	}

	users, err := d.users.EligibleUsers(ctx, signal.Strategy)
	if err != nil {
		return result, errors.Wrapf(err, "eligible users for signal %s", signal.ID)
	}

	d.metrics.IncSignal()
	batch := d.seq.Next()
	start := time.Now()

	results := make([]UserResult, len(users))
	var g errgroup.Group
	for i, user := range users {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.metrics.IncPanic()
					logs.Errorf("dispatch panic batch=%d signal=%s user=%s, err: %v\n%s", batch, signal.ID, user.ID, r, debug.Stack())
					results[i] = UserResult{UserID: user.ID, Class: ClassFailed, Err: exception.ErrOrderPanic.Error()}
				}
			}()
			results[i] = d.dispatchUser(ctx, signal, user)
			return nil
		})
	}
	_ = g.Wait()

	result.Total = len(users)
	for _, res := range results {
		result.add(res)
	}
	d.metrics.ObserveDispatch(time.Since(start))
	logs.Infof("dispatched batch=%d signal=%s strategy=%s total=%d successful=%d failed=%d rejected=%d skipped=%d",
		batch, signal.ID, signal.Strategy, result.Total, result.Successful, result.Failed, result.Rejected, result.Skipped)
	return result, nil
}

func (d *Dispatcher) dispatchUser(ctx context.Context, signal schema.TradeSignal, user schema.UserAccount) UserResult {
	if _, ok := signal.UserStatus[user.ID]; ok {
		return UserResult{UserID: user.ID, Class: ClassSkipped, Err: exception.ErrOrderDuplicate.Error()}
	}

	guard := key(signal.ID, user.ID)
	if _, busy := d.inflight.LoadOrStore(guard, struct{}{}); busy {
		return UserResult{UserID: user.ID, Class: ClassSkipped, Err: exception.ErrOrderDuplicate.Error()}
	}
	defer d.inflight.Delete(guard)

	cid := ClientOrderID(signal, user.ID)
	existing, found, err := d.outcomes.Outcome(ctx, user.ID, cid)
	if err != nil {
		logs.Errorf("load outcome signal=%s user=%s, err: %+v", signal.ID, user.ID, err)
		return UserResult{UserID: user.ID, Class: ClassFailed, Err: err.Error()}
	}
	if found {
		return UserResult{UserID: user.ID, Class: ClassSkipped, Outcome: existing, Err: exception.ErrOrderDuplicate.Error()}
	}

	decision := d.gate.Admit(user, signal)
	if !decision.Admitted() {
		rej := decision.Rejection
		d.metrics.IncReject(rej.Reason)
		logs.Infof("reject signal=%s user=%s reason=%s required=%s free=%s", signal.ID, user.ID, rej.Reason, rej.Required, rej.Free)

		outcome := schema.OrderOutcome{
			OrderID:  cid,
			UserID:   user.ID,
			SignalID: signal.ID,
			Strategy: signal.Strategy,
			Symbol:   signal.Symbol,
			Side:     signal.Side,
			Status:   schema.OrderStatusRejected,
			Reason:   rej.Reason,
		}
		d.recon.Record(ctx, outcome)
		return UserResult{UserID: user.ID, Class: ClassRejected, Reason: rej.Reason, Outcome: outcome}
	}

	intent := decision.Intent
	intent.ClientOrderID = cid
	outcome := d.Submit(ctx, user, intent)
	return UserResult{UserID: user.ID, Class: classify(outcome), Reason: outcome.Reason, Outcome: outcome, Err: outcome.Error}
}

// Submit places one intent for one user: record PENDING, place with bounded
// retry under the rate limiter, then confirm. A synchronous terminal answer
// is confirmed inline; an open order is confirmed in the background and
// PLACED is returned.
func (d *Dispatcher) Submit(ctx context.Context, user schema.UserAccount, intent schema.OrderIntent) schema.OrderOutcome {
	outcome := schema.NewOutcome(intent)
	d.margins.Store(key(intent.UserID, intent.ClientOrderID), intent.Margin)

	if d.isCancelled(intent.SignalID) {
		outcome.Status = schema.OrderStatusCancelled
		outcome.Error = exception.ErrOrderSignalCancelled.Error()
		d.recon.Record(ctx, outcome)
		return outcome
	}

	adapter, err := d.adapters.get(user)
	if err != nil {
		logs.Warnf("adapter signal=%s user=%s, err: %+v", intent.SignalID, user.ID, err)
		outcome.Status = schema.OrderStatusError
		outcome.Error = err.Error()
		d.recon.Record(ctx, outcome)
		return outcome
	}

	d.recon.Record(ctx, outcome)

	resp, err := d.place(ctx, adapter, intent)
	if err != nil {
		if errors.Is(err, exception.ErrInsufficientFunds) {
			outcome.Status = schema.OrderStatusRejected
			outcome.Reason = schema.RejectReasonInsufficientFunds
		} else {
			outcome.Status = schema.OrderStatusError
		}
		outcome.Error = err.Error()
		logs.Warnf("place signal=%s user=%s order=%s status=%s, err: %+v", intent.SignalID, user.ID, intent.ClientOrderID, outcome.Status, err)
		d.recon.Record(ctx, outcome)
		return outcome
	}

	resubmit := func(ctx context.Context, next schema.OrderIntent) schema.OrderOutcome {
		return d.Submit(ctx, user, next)
	}

	if resp.Status.IsTerminal() || resp.Status == broker.StatusPartiallyFilled {
		return d.recon.Confirm(ctx, adapter, intent, resp, resubmit)
	}

	placed, _ := og.Resolve(outcome, resp)
	placed.Status = schema.OrderStatusPlaced
	d.recon.Record(ctx, placed)

	// Cancel marks the signal before it reads outcomes, so either it saw the
	// broker id recorded above or the flag is visible here.
	if d.isCancelled(intent.SignalID) && placed.BrokerOrderID != "" {
		issued, ok, _ := d.cancelOnce(ctx, adapter, intent.UserID, intent.ClientOrderID, intent.Symbol, placed.BrokerOrderID)
		if issued && ok {
			d.recon.Resume(intent.UserID, intent.ClientOrderID)
			placed.Status = schema.OrderStatusCancelled
			placed.Error = exception.ErrOrderSignalCancelled.Error()
			d.recon.Record(ctx, placed)
			return placed
		}
		if issued {
			// the cancel did not take; confirm the order like any other
			d.recon.Resume(intent.UserID, intent.ClientOrderID)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.metrics.IncPanic()
				logs.Errorf("confirm panic signal=%s user=%s order=%s, err: %v\n%s", intent.SignalID, intent.UserID, intent.ClientOrderID, r, debug.Stack())
			}
		}()
		d.recon.Confirm(d.life, adapter, intent, resp, resubmit)
	}()
	return placed
}

func retryablePlace(err error) bool {
	switch {
	case errors.Is(err, exception.ErrInsufficientFunds),
		errors.Is(err, exception.ErrBrokerInvalidCredential),
		errors.Is(err, exception.ErrBrokerNotConfigured),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

func (d *Dispatcher) place(ctx context.Context, adapter broker.Adapter, intent schema.OrderIntent) (broker.OrderResponse, error) {
	req := broker.NewOrderRequest(intent)
	start := time.Now()

	var resp broker.OrderResponse
	attempts, err := d.cfg.PlaceBackoff.Retry(ctx, d.cfg.PlaceAttempts, retryablePlace, func(ctx context.Context) error {
		r, err := adapter.PlaceOrder(ctx, req)
		if err != nil {
			if broker.IsInsufficientFunds(err.Error()) && !errors.Is(err, exception.ErrInsufficientFunds) {
				return errors.Wrap(exception.ErrInsufficientFunds, err.Error())
			}
			return err
		}
		if r.Status == broker.StatusRejected && broker.IsInsufficientFunds(r.Message) {
			return errors.Wrap(exception.ErrInsufficientFunds, r.Message)
		}
		resp = r
		return nil
	})
	d.metrics.AddPlaceRetries(attempts - 1)
	d.metrics.ObservePlace(time.Since(start))
	if err != nil {
		return resp, errors.Wrapf(err, "place after %d attempts", attempts)
	}
	return resp, nil
}

// cancelOnce issues at most one CancelOrder per (user, order). issued is
// false when an earlier call already took the slot.
func (d *Dispatcher) cancelOnce(ctx context.Context, adapter broker.Adapter, userID, orderID, symbol, brokerOrderID string) (issued, ok bool, err error) {
	if _, loaded := d.cancels.LoadOrStore(key(userID, orderID), struct{}{}); loaded {
		return false, false, nil
	}
	d.metrics.IncCancel()
	ok, err = adapter.CancelOrder(ctx, symbol, brokerOrderID)
	if err != nil {
		logs.Warnf("cancel user=%s order=%s broker_order=%s, err: %+v", userID, orderID, brokerOrderID, err)
	}
	return true, ok, err
}

func (d *Dispatcher) markCancelled(signalID string) {
	d.cancelled.Store(signalID, time.Now())
}

func (d *Dispatcher) isCancelled(signalID string) bool {
	_, ok := d.cancelled.Load(signalID)
	return ok
}

// settleMargin releases the reservation of an order that ended without a
// fill. Filled reservations stay until the next snapshot rebuild, and so do
// orders the broker acknowledged but never confirmed: they may still fill.
func (d *Dispatcher) settleMargin(o schema.OrderOutcome) {
	v, ok := d.margins.LoadAndDelete(key(o.UserID, o.OrderID))
	if !ok || !o.Status.IsFailure() {
		return
	}
	if o.Status == schema.OrderStatusError && o.BrokerOrderID != "" {
		logs.Warnf("margin kept user=%s order=%s broker_order=%s, unconfirmed", o.UserID, o.OrderID, o.BrokerOrderID)
		return
	}
	d.gate.Release(o.UserID, v.(decimal.Decimal))
}

// Cancel suppresses new submissions for the signal and cancels every open
// order it produced, once per order.
func (d *Dispatcher) Cancel(ctx context.Context, signal schema.TradeSignal) (CancelResult, error) {
	result := CancelResult{SignalID: signal.ID}
	d.markCancelled(signal.ID)

	outcomes, err := d.outcomes.OutcomesBySignal(ctx, signal.ID)
	if err != nil {
		return result, errors.Wrapf(err, "outcomes of signal %s", signal.ID)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, o := range outcomes {
		if o.Status.IsTerminal() {
			continue
		}
		result.Open++
		g.Go(func() error {
			cancelled, resolved := d.cancelOutcome(ctx, signal, o)
			mu.Lock()
			if cancelled {
				result.Cancelled++
			}
			if resolved {
				result.Resolved++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logs.Infof("cancelled signal=%s open=%d cancelled=%d resolved=%d", signal.ID, result.Open, result.Cancelled, result.Resolved)
	return result, nil
}

func (d *Dispatcher) cancelOutcome(ctx context.Context, signal schema.TradeSignal, o schema.OrderOutcome) (cancelled, resolved bool) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncPanic()
			logs.Errorf("cancel panic signal=%s user=%s order=%s, err: %v", o.SignalID, o.UserID, o.OrderID, r)
		}
	}()

	d.recon.StopPolling(o.UserID, o.OrderID)
	if o.BrokerOrderID == "" {
		// not acknowledged yet; the placement sees the cancelled flag
		return false, false
	}

	adapter, err := d.adapterFor(ctx, signal.Strategy, o.UserID)
	if err != nil {
		logs.Errorf("cancel signal=%s user=%s order=%s, no adapter, err: %+v", o.SignalID, o.UserID, o.OrderID, err)
		return false, false
	}

	issued, ok, err := d.cancelOnce(ctx, adapter, o.UserID, o.OrderID, o.Symbol, o.BrokerOrderID)
	if !issued {
		return false, false
	}
	if err == nil && ok {
		o.Status = schema.OrderStatusCancelled
		o.Error = exception.ErrOrderSignalCancelled.Error()
		o.UpdatedAt = time.Time{}
		d.recon.Record(ctx, o)
		return true, true
	}

	resp, err := adapter.GetOrderStatus(ctx, o.Symbol, o.BrokerOrderID)
	if err != nil {
		logs.Warnf("status after cancel signal=%s user=%s order=%s, err: %+v", o.SignalID, o.UserID, o.OrderID, err)
		return false, false
	}
	next, terminal := og.Resolve(o, resp)
	if !terminal {
		logs.Warnf("cancel refused signal=%s user=%s order=%s, order left open", o.SignalID, o.UserID, o.OrderID)
		return false, false
	}
	next.UpdatedAt = time.Time{}
	d.recon.Record(ctx, next)
	return false, true
}

func (d *Dispatcher) adapterFor(ctx context.Context, strategy, userID string) (broker.Adapter, error) {
	if a, ok := d.adapters.lookup(userID); ok {
		return a, nil
	}
	users, err := d.users.EligibleUsers(ctx, strategy)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.ID == userID {
			return d.adapters.get(u)
		}
	}
	return nil, errors.Wrapf(exception.ErrStoreNotFound, "user %s in strategy %s", userID, strategy)
}

// Shed drops cached adapters and stale cancellation state. It returns how
// many adapters were dropped.
func (d *Dispatcher) Shed() int {
	n := d.adapters.clear()
	d.recon.Shed(cancelledTTL)
	cutoff := time.Now().Add(-cancelledTTL)
	d.cancelled.Range(func(k, v any) bool {
		if v.(time.Time).Before(cutoff) {
			d.cancelled.Delete(k)
		}
		return true
	})
	return n
}

// Wait blocks until every background confirmation finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops background confirmations and waits for them.
func (d *Dispatcher) Close() {
	d.close()
	d.wg.Wait()
}
