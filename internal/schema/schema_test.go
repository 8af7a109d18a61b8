package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestParseSide(t *testing.T) {
	testCases := []struct {
		in   string
		want Side
		ok   bool
	}{
		{"buy", SideBuy, true},
		{" Long ", SideBuy, true},
		{"SELL", SideSell, true},
		{"short", SideSell, true},
		{"hold", "", false},
	}
	for _, tc := range testCases {
		got, ok := ParseSide(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestOrderStatusClasses(t *testing.T) {
	open := []OrderStatus{OrderStatusPending, OrderStatusPlaced}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), s)
		assert.False(t, s.IsFailure(), s)
	}
	assert.True(t, OrderStatusFilled.IsTerminal())
	assert.False(t, OrderStatusFilled.IsFailure())
	assert.True(t, OrderStatusPartiallyFilled.IsTerminal())
	assert.False(t, OrderStatusPartiallyFilled.IsFailure())
	for _, s := range []OrderStatus{OrderStatusRejected, OrderStatusCancelled, OrderStatusError} {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, s.IsFailure(), s)
	}
}

func TestSignalStatusCancelled(t *testing.T) {
	assert.True(t, SignalStatus("cancelled").IsCancelled())
	assert.True(t, SignalStatusCancelled.IsCancelled())
	assert.False(t, SignalStatusActive.IsCancelled())
}

func TestCredentials(t *testing.T) {
	c := Credentials{Exchange: "paper", APIKey: "k", APISecret: "s"}
	assert.True(t, c.Valid())
	assert.False(t, Credentials{Exchange: "paper", APIKey: " "}.Valid())

	same := Credentials{Exchange: "PAPER", APIKey: "k", APISecret: "s"}
	assert.Equal(t, c.Fingerprint(), same.Fingerprint(), "exchange name is case-insensitive")
	rotated := Credentials{Exchange: "paper", APIKey: "k", APISecret: "s2"}
	assert.NotEqual(t, c.Fingerprint(), rotated.Fingerprint())
	assert.Len(t, c.Fingerprint(), 16)
}

func TestUserAccountMargin(t *testing.T) {
	u := UserAccount{
		AvailableBalance: decimal.NewFromInt(1000),
		UsedMargin:       decimal.NewFromInt(250),
		Subscriptions: map[string]Subscription{
			"ETH Multiplier": {Multiplier: decimal.NewFromInt(2), Status: "active"},
			"zero":           {Status: "active"},
		},
	}
	assert.True(t, u.FreeMargin().Equal(decimal.NewFromInt(750)))
	assert.True(t, u.Multiplier("ETH Multiplier").Equal(decimal.NewFromInt(2)))
	assert.True(t, u.Multiplier("zero").Equal(decimal.NewFromInt(1)))
	assert.True(t, u.Multiplier("missing").Equal(decimal.NewFromInt(1)))

	u.UsedMargin = decimal.NewFromInt(2000)
	assert.True(t, u.FreeMargin().IsZero())
}

func TestSignalHelpers(t *testing.T) {
	s := TradeSignal{
		UserStatus: map[string]UserSignalStatus{
			"a": {Status: OrderStatusFilled},
			"b": {Status: OrderStatusPlaced},
		},
	}
	assert.Equal(t, 1, s.EffectiveLeverage())
	s.Leverage = 10
	assert.Equal(t, 10, s.EffectiveLeverage())

	assert.True(t, s.IsTerminal([]string{"a"}))
	assert.False(t, s.IsTerminal([]string{"a", "b"}))
	assert.False(t, s.IsTerminal([]string{"c"}))
}

func TestOutcomeSameState(t *testing.T) {
	intent := OrderIntent{ClientOrderID: "cid", UserID: "u", SignalID: "s", Qty: decimal.NewFromInt(4)}
	o := NewOutcome(intent)
	assert.Equal(t, OrderStatusPending, o.Status)
	assert.Equal(t, "cid", o.OrderID)

	next := o
	assert.True(t, o.SameState(next))
	next.FilledQty = decimal.NewFromInt(4)
	assert.False(t, o.SameState(next))
}
