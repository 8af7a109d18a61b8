// Package memstore is an in-process implementation of the store interfaces
// used by tests and paper runs. It keeps the same contracts as pgstore:
// field-scoped status writes, idempotent outcome upserts and a resumable
// change feed.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"relay/internal/errors"
	"relay/internal/schema"
	"relay/internal/store"
	"relay/pkg/exception"
)

var (
	_ store.SignalStore  = (*Store)(nil)
	_ store.UserStore    = (*Store)(nil)
	_ store.OutcomeStore = (*Store)(nil)
)

// User is a stored user document.
type User struct {
	store.UserRecord
	Approved    bool
	APIVerified bool
}

type Store struct {
	mu       sync.Mutex
	signals  map[string]*schema.TradeSignal
	users    map[string]User
	outcomes map[string]schema.OrderOutcome
	events   []store.SignalEvent
	cursor   int64

	// changed is closed and replaced whenever an event is appended.
	changed chan struct{}
	// broken is closed and replaced by Break to drop live subscriptions.
	broken chan struct{}

	unavailable bool
	subscribes  int
	eligible    int
}

func New() *Store {
	return &Store{
		signals:  make(map[string]*schema.TradeSignal),
		users:    make(map[string]User),
		outcomes: make(map[string]schema.OrderOutcome),
		changed:  make(chan struct{}),
		broken:   make(chan struct{}),
	}
}

func outcomeKey(userID, orderID string) string {
	return userID + "|" + orderID
}

func (s *Store) appendEvent(kind store.SignalEventKind, signal schema.TradeSignal) {
	s.cursor++
	s.events = append(s.events, store.SignalEvent{Cursor: s.cursor, Kind: kind, Signal: cloneSignal(signal)})
	close(s.changed)
	s.changed = make(chan struct{})
}

func cloneSignal(sig schema.TradeSignal) schema.TradeSignal {
	out := sig
	if sig.UserStatus != nil {
		out.UserStatus = make(map[string]schema.UserSignalStatus, len(sig.UserStatus))
		for k, v := range sig.UserStatus {
			out.UserStatus[k] = v
		}
	}
	return out
}

// PutUser inserts or replaces a user document.
func (s *Store) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// SetBalance updates a user's balance the way the admin backend would.
func (s *Store) SetBalance(userID string, fn func(*store.UserRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return
	}
	fn(&u.UserRecord)
	s.users[userID] = u
}

func (s *Store) EligibleUsers(ctx context.Context, strategy string) ([]store.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, exception.ErrStoreUnavailable
	}
	s.eligible++

	out := make([]store.UserRecord, 0, len(s.users))
	for _, u := range s.users {
		if !u.Approved || !u.APIVerified || !u.Active {
			continue
		}
		sub, ok := u.Subscriptions[strategy]
		if !ok || !strings.EqualFold(sub.Status, schema.SubscriptionStatusActive) {
			continue
		}
		out = append(out, u.UserRecord)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EligibleQueries counts EligibleUsers calls.
func (s *Store) EligibleQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eligible
}

func (s *Store) InsertSignal(ctx context.Context, signal schema.TradeSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if signal.ID == "" {
		return errors.Wrap(exception.ErrStoreInvalidRecord, "empty signal id")
	}
	if _, ok := s.signals[signal.ID]; ok {
		return errors.Wrapf(exception.ErrStoreDuplicate, "signal %s", signal.ID)
	}
	if signal.Status == "" {
		signal.Status = schema.SignalStatusActive
	}
	if signal.CreatedAt.IsZero() {
		signal.CreatedAt = time.Now().UTC()
	}
	stored := cloneSignal(signal)
	s.signals[signal.ID] = &stored
	s.appendEvent(store.SignalEventInsert, stored)
	return nil
}

func (s *Store) Signal(ctx context.Context, id string) (schema.TradeSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return schema.TradeSignal{}, errors.Wrapf(exception.ErrStoreNotFound, "signal %s", id)
	}
	return cloneSignal(*sig), nil
}

func (s *Store) SetUserStatus(ctx context.Context, signalID, userID string, status schema.UserSignalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[signalID]
	if !ok {
		return errors.Wrapf(exception.ErrStoreNotFound, "signal %s", signalID)
	}
	if sig.UserStatus == nil {
		sig.UserStatus = make(map[string]schema.UserSignalStatus)
	}
	sig.UserStatus[userID] = status
	return nil
}

func (s *Store) CancelSignal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return errors.Wrapf(exception.ErrStoreNotFound, "signal %s", id)
	}
	if sig.Status.IsCancelled() {
		return nil
	}
	sig.Status = schema.SignalStatusCancelled
	s.appendEvent(store.SignalEventCancel, *sig)
	return nil
}

// Redeliver appends a copy of the event with the given cursor again, the
// way an at-least-once feed may.
func (s *Store) Redeliver(cursor int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Cursor == cursor {
			s.appendEvent(ev.Kind, ev.Signal)
			return true
		}
	}
	return false
}

// Break drops every live subscription with ErrConnectionClose.
func (s *Store) Break() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.broken)
	s.broken = make(chan struct{})
}

// SetUnavailable makes queries and new subscriptions fail until cleared.
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
	if v {
		close(s.broken)
		s.broken = make(chan struct{})
	}
}

// Subscribes counts Subscribe calls.
func (s *Store) Subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

func (s *Store) Subscribe(ctx context.Context, after int64, handle store.SignalHandler) error {
	s.mu.Lock()
	s.subscribes++
	if s.unavailable {
		s.mu.Unlock()
		return exception.ErrStoreUnavailable
	}
	broken := s.broken
	s.mu.Unlock()

	next := after
	for {
		s.mu.Lock()
		pending := make([]store.SignalEvent, 0, 8)
		for _, ev := range s.events {
			if ev.Cursor > next {
				pending = append(pending, ev)
			}
		}
		changed := s.changed
		s.mu.Unlock()

		for _, ev := range pending {
			select {
			case <-broken:
				return exception.ErrConnectionClose
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := handle(ctx, ev); err != nil {
				return err
			}
			next = ev.Cursor
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-broken:
			return exception.ErrConnectionClose
		case <-changed:
		}
	}
}

func (s *Store) UpsertOutcome(ctx context.Context, outcome schema.OrderOutcome) (bool, error) {
	if outcome.UserID == "" || outcome.OrderID == "" {
		return false, errors.Wrap(exception.ErrStoreInvalidRecord, "outcome without user or order id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outcomeKey(outcome.UserID, outcome.OrderID)
	stored, exists := s.outcomes[key]
	merged, write := store.MergeOutcome(stored, exists, outcome)
	if !write {
		return false, nil
	}
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = time.Now().UTC()
	}
	s.outcomes[key] = merged
	return true, nil
}

func (s *Store) Outcome(ctx context.Context, userID, orderID string) (schema.OrderOutcome, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[outcomeKey(userID, orderID)]
	return o, ok, nil
}

func (s *Store) OutcomesBySignal(ctx context.Context, signalID string) ([]schema.OrderOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.OrderOutcome, 0, 8)
	for _, o := range s.outcomes {
		if o.SignalID == signalID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out, nil
}

// Outcomes returns every stored outcome.
func (s *Store) Outcomes() []schema.OrderOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.OrderOutcome, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}
