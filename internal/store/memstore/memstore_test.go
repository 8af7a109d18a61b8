package memstore

import (
	"context"
	"testing"
	"time"

	"relay/internal/schema"
	"relay/internal/store"
	"relay/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal(id string) schema.TradeSignal {
	return schema.TradeSignal{ID: id, Strategy: "s", Symbol: "ETHUSDT", Side: schema.SideBuy, Price: decimal.NewFromInt(10)}
}

func TestEligibleUsers(t *testing.T) {
	s := New()
	sub := map[string]schema.Subscription{"s": {Status: "Active"}}
	s.PutUser(User{Approved: true, APIVerified: true, UserRecord: store.UserRecord{ID: "b", Active: true, Subscriptions: sub}})
	s.PutUser(User{Approved: true, APIVerified: true, UserRecord: store.UserRecord{ID: "a", Active: true, Subscriptions: sub}})
	s.PutUser(User{Approved: false, APIVerified: true, UserRecord: store.UserRecord{ID: "c", Active: true, Subscriptions: sub}})
	s.PutUser(User{Approved: true, APIVerified: true, UserRecord: store.UserRecord{ID: "d", Active: true,
		Subscriptions: map[string]schema.Subscription{"s": {Status: "paused"}}}})

	users, err := s.EligibleUsers(t.Context(), "s")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].ID)
	assert.Equal(t, "b", users[1].ID)

	s.SetUnavailable(true)
	_, err = s.EligibleUsers(t.Context(), "s")
	require.ErrorIs(t, err, exception.ErrStoreUnavailable)
}

func TestSignalWrites(t *testing.T) {
	s := New()
	ctx := t.Context()
	require.NoError(t, s.InsertSignal(ctx, signal("s1")))
	require.ErrorIs(t, s.InsertSignal(ctx, signal("s1")), exception.ErrStoreDuplicate)

	require.NoError(t, s.SetUserStatus(ctx, "s1", "u1", schema.UserSignalStatus{Status: schema.OrderStatusPlaced}))
	require.NoError(t, s.SetUserStatus(ctx, "s1", "u2", schema.UserSignalStatus{Status: schema.OrderStatusFilled}))
	require.ErrorIs(t, s.SetUserStatus(ctx, "nope", "u1", schema.UserSignalStatus{}), exception.ErrStoreNotFound)

	got, err := s.Signal(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.UserStatus, 2)
	assert.Equal(t, schema.SignalStatusActive, got.Status)

	// returned copies do not alias the stored map
	got.UserStatus["u3"] = schema.UserSignalStatus{}
	again, err := s.Signal(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, again.UserStatus, 2)

	require.NoError(t, s.CancelSignal(ctx, "s1"))
	require.NoError(t, s.CancelSignal(ctx, "s1"))
	got, err = s.Signal(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Status.IsCancelled())
}

func TestSubscribeReplaysAndFollows(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	require.NoError(t, s.InsertSignal(ctx, signal("s1")))
	require.NoError(t, s.InsertSignal(ctx, signal("s2")))

	got := make(chan store.SignalEvent, 8)
	done := make(chan error, 1)
	go func() {
		done <- s.Subscribe(ctx, 1, func(_ context.Context, ev store.SignalEvent) error {
			got <- ev
			return nil
		})
	}()

	ev := <-got
	assert.Equal(t, int64(2), ev.Cursor)
	assert.Equal(t, "s2", ev.Signal.ID)

	require.NoError(t, s.CancelSignal(ctx, "s1"))
	ev = <-got
	assert.Equal(t, store.SignalEventCancel, ev.Kind)
	assert.Equal(t, "s1", ev.Signal.ID)

	s.Break()
	select {
	case err := <-done:
		require.ErrorIs(t, err, exception.ErrConnectionClose)
	case <-time.After(time.Second):
		t.Fatal("subscription did not end on break")
	}
}

func TestUpsertOutcomeIdempotent(t *testing.T) {
	s := New()
	ctx := t.Context()
	o := schema.OrderOutcome{OrderID: "o1", UserID: "u1", SignalID: "s1", Status: schema.OrderStatusPending}

	applied, err := s.UpsertOutcome(ctx, o)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.UpsertOutcome(ctx, o)
	require.NoError(t, err)
	assert.False(t, applied)

	o.Status = schema.OrderStatusFilled
	o.FilledQty = decimal.NewFromInt(1)
	applied, err = s.UpsertOutcome(ctx, o)
	require.NoError(t, err)
	assert.True(t, applied)

	o.Status = schema.OrderStatusPlaced
	applied, err = s.UpsertOutcome(ctx, o)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, ok, err := s.Outcome(ctx, "u1", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.OrderStatusFilled, stored.Status)

	list, err := s.OutcomesBySignal(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.UpsertOutcome(ctx, schema.OrderOutcome{OrderID: "o2"})
	require.ErrorIs(t, err, exception.ErrStoreInvalidRecord)
}
