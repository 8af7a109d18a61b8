package paper

import (
	"context"

	"relay/internal/broker"

	"github.com/shopspring/decimal"
)

var _ broker.Adapter = (*Account)(nil)

// Account is one user's view of the paper exchange. Order answers are
// encoded as venue JSON and decoded like a live exchange's.
type Account struct {
	ex   *Exchange
	name string
}

func (a *Account) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error) {
	done, err := a.ex.call(ctx, a.name)
	if err != nil {
		return broker.OrderResponse{}, err
	}
	defer done()
	return overWire(a.ex.place(a.name, req))
}

func (a *Account) GetOrderStatus(ctx context.Context, symbol, orderID string) (broker.OrderResponse, error) {
	done, err := a.ex.call(ctx, a.name)
	if err != nil {
		return broker.OrderResponse{}, err
	}
	defer done()
	return overWire(a.ex.status(a.name, orderID))
}

func (a *Account) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	done, err := a.ex.call(ctx, a.name)
	if err != nil {
		return false, err
	}
	defer done()
	return a.ex.cancel(a.name, orderID)
}

func (a *Account) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	done, err := a.ex.call(ctx, a.name)
	if err != nil {
		return decimal.Zero, err
	}
	defer done()
	return a.ex.balance(a.name, currency), nil
}
