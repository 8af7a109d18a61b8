package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderIntent is the ephemeral per-(signal, user) order. Only its outcome is
// persisted.
type OrderIntent struct {
	SignalID      string
	UserID        string
	Strategy      string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         *decimal.Decimal
	Leverage      int
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	ClientOrderID string

	// Margin is the amount reserved by the risk gate at admission.
	Margin decimal.Decimal
	// Replacement marks the single follow-up order for a partial fill.
	Replacement bool
}

// OrderOutcome is the persisted result of one order. It is keyed by
// (UserID, OrderID), where OrderID is the engine's deterministic client order
// id; BrokerOrderID is the exchange's id once known.
type OrderOutcome struct {
	OrderID       string          `json:"order_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	UserID        string          `json:"user_id"`
	SignalID      string          `json:"signal_id"`
	Strategy      string          `json:"strategy"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Status        OrderStatus     `json:"status"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Reason        RejectReason    `json:"reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	ReplacedBy    string          `json:"replaced_by,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SameState reports whether two records carry the same reconciled state,
// ignoring timestamps.
func (o OrderOutcome) SameState(other OrderOutcome) bool {
	return o.Status == other.Status &&
		o.BrokerOrderID == other.BrokerOrderID &&
		o.FilledQty.Equal(other.FilledQty) &&
		o.AvgPrice.Equal(other.AvgPrice) &&
		o.Error == other.Error &&
		o.Reason == other.Reason &&
		o.ReplacedBy == other.ReplacedBy
}

// NewOutcome starts a PENDING outcome for an intent.
func NewOutcome(intent OrderIntent) OrderOutcome {
	return OrderOutcome{
		OrderID:  intent.ClientOrderID,
		UserID:   intent.UserID,
		SignalID: intent.SignalID,
		Strategy: intent.Strategy,
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Status:   OrderStatusPending,
		Qty:      intent.Qty,
	}
}
