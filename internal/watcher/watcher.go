// Package watcher tails the signal change feed and turns inserts into
// fan-outs and cancellations into cancel_order sweeps.
package watcher

import (
	"context"
	"sync/atomic"

	"relay/internal/checkpoint"
	"relay/internal/errors"
	"relay/internal/order"
	"relay/internal/schema"
	"relay/internal/store"
	"relay/pkg/backoff"
	"relay/pkg/exception"

	"github.com/yanun0323/logs"
)

// Target receives what the feed reports. *order.Dispatcher implements it.
type Target interface {
	Dispatch(ctx context.Context, signal schema.TradeSignal) (order.FanoutResult, error)
	Cancel(ctx context.Context, signal schema.TradeSignal) (order.CancelResult, error)
}

var _ Target = (*order.Dispatcher)(nil)

type Config struct {
	Backoff backoff.Backoff
}

type Watcher struct {
	cfg     Config
	signals store.SignalStore
	target  Target
	cp      checkpoint.Store

	running atomic.Bool
	cursor  atomic.Int64
	handled atomic.Int64
}

func New(cfg Config, signals store.SignalStore, target Target, cp checkpoint.Store) *Watcher {
	if cfg.Backoff == (backoff.Backoff{}) {
		cfg.Backoff = backoff.Default()
	}
	if cp == nil {
		cp = checkpoint.NewMemory()
	}
	return &Watcher{cfg: cfg, signals: signals, target: target, cp: cp}
}

// Cursor is the last acknowledged change-feed position.
func (w *Watcher) Cursor() int64 {
	return w.cursor.Load()
}

// Handled counts events handled successfully.
func (w *Watcher) Handled() int64 {
	return w.handled.Load()
}

// Run subscribes until ctx ends, resubscribing from the last acknowledged
// cursor after every failure. Only one Run may be active per Watcher.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return exception.ErrWatcherRunning
	}
	defer w.running.Store(false)

	if err := w.restore(ctx); err != nil {
		return nil
	}

	attempt := 0
	for {
		before := w.handled.Load()
		err := w.signals.Subscribe(ctx, w.cursor.Load(), w.handle)
		if ctx.Err() != nil {
			logs.Infof("watcher stopped at cursor=%d", w.cursor.Load())
			return nil
		}

		if w.handled.Load() > before {
			attempt = 0
		}
		attempt++
		logs.Warnf("signal feed dropped at cursor=%d attempt=%d, err: %+v", w.cursor.Load(), attempt, err)
		if w.cfg.Backoff.Sleep(ctx, attempt) != nil {
			return nil
		}
	}
}

// restore loads the checkpoint, retrying until it answers or ctx ends.
func (w *Watcher) restore(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		cursor, err := w.cp.Load(ctx)
		if err == nil {
			w.cursor.Store(cursor)
			logs.Infof("watcher resuming after cursor=%d", cursor)
			return nil
		}
		logs.Warnf("load watcher checkpoint attempt=%d, err: %+v", attempt, err)
		if err := w.cfg.Backoff.Sleep(ctx, attempt); err != nil {
			return err
		}
	}
}

// handle processes one event. An error ends the subscription so the event
// is redelivered by the next one.
func (w *Watcher) handle(ctx context.Context, ev store.SignalEvent) error {
	if ev.Cursor <= w.cursor.Load() {
		return nil
	}

	signal := w.current(ctx, ev.Signal)
	switch ev.Kind {
	case store.SignalEventInsert:
		if _, err := w.target.Dispatch(ctx, signal); err != nil {
			if !errors.Is(err, exception.ErrOrderInvalidSignal) {
				return errors.Wrapf(err, "dispatch signal %s", signal.ID)
			}
			logs.Warnf("drop invalid signal=%s cursor=%d, err: %+v", signal.ID, ev.Cursor, err)
		}
	case store.SignalEventCancel:
		if _, err := w.target.Cancel(ctx, signal); err != nil {
			return errors.Wrapf(err, "cancel signal %s", signal.ID)
		}
	default:
		logs.Warnf("skip unknown event kind=%d cursor=%d signal=%s", ev.Kind, ev.Cursor, signal.ID)
	}

	w.ack(ctx, ev.Cursor)
	return nil
}

// current prefers the stored signal so a redelivered insert sees later
// cancellations and per-user writes.
func (w *Watcher) current(ctx context.Context, sig schema.TradeSignal) schema.TradeSignal {
	stored, err := w.signals.Signal(ctx, sig.ID)
	if err != nil {
		logs.Debugf("use event copy of signal=%s, err: %+v", sig.ID, err)
		return sig
	}
	return stored
}

func (w *Watcher) ack(ctx context.Context, cursor int64) {
	w.cursor.Store(cursor)
	w.handled.Add(1)
	if err := w.cp.Save(ctx, cursor); err != nil {
		logs.Warnf("save watcher checkpoint cursor=%d, err: %+v", cursor, err)
	}
}
