package broker

import (
	"context"

	"relay/internal/schema"

	"github.com/shopspring/decimal"
)

// Status is the canonical order status every adapter reports, whatever the
// exchange's own vocabulary.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPlaced
	StatusPartiallyFilled
	StatusFilled
	StatusRejected
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPlaced:
		return "PLACED"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusRejected:
		return "REJECTED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports statuses after which the exchange will not change the
// order any more. A partial fill is not terminal on the exchange.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// OrderRequest is what the engine asks an exchange to place.
type OrderRequest struct {
	Symbol        string
	Side          schema.Side
	Type          schema.OrderType
	Qty           decimal.Decimal
	Price         *decimal.Decimal
	Leverage      int
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	ClientOrderID string
}

// NewOrderRequest maps an intent onto the adapter contract.
func NewOrderRequest(intent schema.OrderIntent) OrderRequest {
	return OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Qty:           intent.Qty,
		Price:         intent.Price,
		Leverage:      intent.Leverage,
		StopLoss:      intent.StopLoss,
		TakeProfit:    intent.TakeProfit,
		ClientOrderID: intent.ClientOrderID,
	}
}

// OrderResponse is the single canonical response shape.
type OrderResponse struct {
	OrderID   string
	Status    Status
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Message   string
}

// Adapter is implemented once per exchange. Implementations must return an
// error matching exception.ErrInsufficientFunds when the exchange refuses an
// order for lack of margin, and must normalize their payloads into
// OrderResponse before returning.
type Adapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	GetBalance(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Factory builds an adapter bound to one user's credentials.
type Factory interface {
	New(creds schema.Credentials) (Adapter, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(creds schema.Credentials) (Adapter, error)

func (f FactoryFunc) New(creds schema.Credentials) (Adapter, error) {
	return f(creds)
}
