package store

import (
	"context"
	"encoding/json"

	"relay/internal/schema"

	"github.com/shopspring/decimal"
)

// SignalEventKind tells the watcher what happened to a signal.
type SignalEventKind uint8

const (
	SignalEventUnknown SignalEventKind = iota
	SignalEventInsert
	SignalEventCancel
)

func (k SignalEventKind) String() string {
	switch k {
	case SignalEventInsert:
		return "insert"
	case SignalEventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// SignalEvent is one change-feed entry. Cursor increases monotonically and is
// what a subscriber acknowledges.
type SignalEvent struct {
	Cursor int64
	Kind   SignalEventKind
	Signal schema.TradeSignal
}

// SignalHandler consumes one event. A returned error ends the subscription;
// the event is redelivered on the next subscription.
type SignalHandler func(ctx context.Context, ev SignalEvent) error

// SignalStore is the strategy-owned signal collection.
type SignalStore interface {
	InsertSignal(ctx context.Context, signal schema.TradeSignal) error
	Signal(ctx context.Context, id string) (schema.TradeSignal, error)
	// SetUserStatus writes one key of the per-user status map and nothing
	// else, so concurrent writers of other users' keys are never clobbered.
	SetUserStatus(ctx context.Context, signalID, userID string, status schema.UserSignalStatus) error
	CancelSignal(ctx context.Context, id string) error
	// Subscribe delivers every event with a cursor greater than after, in
	// order, at least once, until ctx ends or the handler or connection fails.
	Subscribe(ctx context.Context, after int64, handle SignalHandler) error
}

// UserRecord is a user document as stored. Credentials stay raw so one
// malformed document can be skipped without failing the batch.
type UserRecord struct {
	ID               string
	Email            string
	Active           bool
	MarginCurrency   string
	AvailableBalance decimal.Decimal
	UsedMargin       decimal.Decimal
	Credentials      json.RawMessage
	Subscriptions    map[string]schema.Subscription
}

// UserStore answers the eligibility query: approved, api verified, active and
// subscribed with status active to the strategy.
type UserStore interface {
	EligibleUsers(ctx context.Context, strategy string) ([]UserRecord, error)
}

// OutcomeStore persists order outcomes keyed by (UserID, OrderID).
type OutcomeStore interface {
	// UpsertOutcome inserts or updates the record. It reports false when
	// nothing changed: the same state was already stored, or the stored
	// record is terminal and the new one would move it.
	UpsertOutcome(ctx context.Context, outcome schema.OrderOutcome) (bool, error)
	Outcome(ctx context.Context, userID, orderID string) (schema.OrderOutcome, bool, error)
	OutcomesBySignal(ctx context.Context, signalID string) ([]schema.OrderOutcome, error)
}

// MergeOutcome applies the upsert rule shared by every OutcomeStore. It
// returns the record to store and whether a write is needed.
func MergeOutcome(stored schema.OrderOutcome, exists bool, next schema.OrderOutcome) (schema.OrderOutcome, bool) {
	if !exists {
		return next, true
	}
	if stored.Status.IsTerminal() {
		return stored, false
	}
	if stored.SameState(next) {
		return stored, false
	}
	if next.Status == schema.OrderStatusPending && stored.Status != schema.OrderStatusPending {
		return stored, false
	}
	if next.BrokerOrderID == "" {
		next.BrokerOrderID = stored.BrokerOrderID
	}
	return next, true
}
