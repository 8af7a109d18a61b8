package og

import (
	"testing"

	"relay/internal/broker"
	"relay/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to schema.OrderStatus
		ok       bool
	}{
		{"", schema.OrderStatusPending, true},
		{schema.OrderStatusPending, schema.OrderStatusPlaced, true},
		{schema.OrderStatusPending, schema.OrderStatusRejected, true},
		{schema.OrderStatusPlaced, schema.OrderStatusPlaced, true},
		{schema.OrderStatusPlaced, schema.OrderStatusFilled, true},
		{schema.OrderStatusPlaced, schema.OrderStatusPending, false},
		{schema.OrderStatusFilled, schema.OrderStatusCancelled, false},
		{schema.OrderStatusPartiallyFilled, schema.OrderStatusFilled, false},
		{schema.OrderStatusError, schema.OrderStatusPlaced, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestResolve(t *testing.T) {
	placed := schema.OrderOutcome{Status: schema.OrderStatusPlaced, Qty: decimal.NewFromInt(10)}

	cases := []struct {
		desc     string
		resp     broker.OrderResponse
		status   schema.OrderStatus
		terminal bool
		filled   string
		errText  string
	}{
		{desc: "still open", resp: broker.OrderResponse{Status: broker.StatusPlaced}, status: schema.OrderStatusPlaced, filled: "0"},
		{desc: "unknown", resp: broker.OrderResponse{Status: broker.StatusUnknown}, status: schema.OrderStatusPlaced, filled: "0"},
		{desc: "filled without qty", resp: broker.OrderResponse{Status: broker.StatusFilled}, status: schema.OrderStatusFilled, terminal: true, filled: "10"},
		{desc: "partial", resp: broker.OrderResponse{Status: broker.StatusPartiallyFilled, FilledQty: decimal.NewFromInt(6)},
			status: schema.OrderStatusPartiallyFilled, terminal: true, filled: "6"},
		{desc: "rejected", resp: broker.OrderResponse{Status: broker.StatusRejected, Message: "bad lot"},
			status: schema.OrderStatusRejected, terminal: true, filled: "0", errText: "bad lot"},
		{desc: "expired", resp: broker.OrderResponse{Status: broker.StatusExpired},
			status: schema.OrderStatusCancelled, terminal: true, filled: "0", errText: "expired"},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			got, terminal := Resolve(placed, c.resp)
			assert.Equal(t, c.status, got.Status)
			assert.Equal(t, c.terminal, terminal)
			assert.True(t, decimal.RequireFromString(c.filled).Equal(got.FilledQty), "filled %s", got.FilledQty)
			assert.Equal(t, c.errText, got.Error)
		})
	}

	filled := schema.OrderOutcome{Status: schema.OrderStatusFilled}
	got, terminal := Resolve(filled, broker.OrderResponse{Status: broker.StatusCancelled})
	assert.False(t, terminal)
	assert.Equal(t, schema.OrderStatusFilled, got.Status)
}

func TestDerivedIDs(t *testing.T) {
	id := DeriveID("a")
	assert.Len(t, id, 32)
	assert.Equal(t, id, DeriveID("a"))
	assert.NotEqual(t, id, DeriveID("b"))
	assert.Equal(t, ReplacementID("x"), ReplacementID("x"))
	assert.NotEqual(t, "x", ReplacementID("x"))
}
