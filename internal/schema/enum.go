package schema

import "strings"

// Side describes order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts the spellings strategies emit ("buy", "Long", ...).
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, true
	case "SELL", "SHORT":
		return SideSell, true
	default:
		return "", false
	}
}

func (s Side) IsAvailable() bool {
	return s == SideBuy || s == SideSell
}

// OrderType limit, market
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) IsAvailable() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus is the engine's view of one order's lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPlaced          OrderStatus = "PLACED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusError           OrderStatus = "ERROR"
)

// IsTerminal reports whether no further transition is expected.
// PARTIALLY_FILLED is only ever persisted once its remainder has been
// handed to a replacement order, so it is terminal here.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusPartiallyFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusError:
		return true
	default:
		return false
	}
}

// IsFailure reports terminal states that did not open exposure.
func (s OrderStatus) IsFailure() bool {
	switch s {
	case OrderStatusRejected, OrderStatusCancelled, OrderStatusError:
		return true
	default:
		return false
	}
}

// SignalStatus is the strategy-owned status of a signal document.
type SignalStatus string

const (
	SignalStatusActive    SignalStatus = "Active"
	SignalStatusCancelled SignalStatus = "Cancelled"
)

func (s SignalStatus) IsCancelled() bool {
	return strings.EqualFold(string(s), string(SignalStatusCancelled))
}

// RejectReason is the machine-readable reason a user was left out of a batch.
type RejectReason string

const (
	RejectReasonNone              RejectReason = ""
	RejectReasonInsufficientFunds RejectReason = "insufficient_funds"
	RejectReasonBelowMinimum      RejectReason = "below_minimum"
	RejectReasonInvalidSignal     RejectReason = "invalid_signal"
)

// SubscriptionStatusActive marks a subscription eligible for fan-out.
const SubscriptionStatusActive = "active"
