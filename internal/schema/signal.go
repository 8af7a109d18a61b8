package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSignal is a strategy instruction inserted for fan-out. Only UserStatus
// is written by this engine, and only one key at a time.
type TradeSignal struct {
	ID        string           `json:"signal_id"`
	Strategy  string           `json:"strategy"`
	Symbol    string           `json:"symbol"`
	Side      Side             `json:"side"`
	OrderType OrderType        `json:"order_type"`
	Quantity  *decimal.Decimal `json:"quantity,omitempty"`
	Price     decimal.Decimal  `json:"price"`
	StopLoss  *decimal.Decimal `json:"stop_loss,omitempty"`
	Target    *decimal.Decimal `json:"target,omitempty"`
	Leverage  int              `json:"leverage"`
	Status    SignalStatus     `json:"status"`
	CreatedAt time.Time        `json:"created_at"`

	UserStatus map[string]UserSignalStatus `json:"user_status,omitempty"`
}

// UserSignalStatus is one entry of a signal's per-user status map.
type UserSignalStatus struct {
	Status    OrderStatus  `json:"status"`
	OrderID   string       `json:"order_id,omitempty"`
	Reason    RejectReason `json:"reason,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// EffectiveLeverage treats a missing leverage as 1x.
func (s TradeSignal) EffectiveLeverage() int {
	if s.Leverage <= 0 {
		return 1
	}
	return s.Leverage
}

// IsTerminal reports whether every listed user reached a terminal status.
func (s TradeSignal) IsTerminal(users []string) bool {
	for _, id := range users {
		st, ok := s.UserStatus[id]
		if !ok || !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}
