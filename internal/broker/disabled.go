package broker

import (
	"context"

	"relay/pkg/exception"

	"github.com/shopspring/decimal"
)

// DisabledAdapter refuses every call. It stands in for exchanges whose client
// is not linked into this binary.
type DisabledAdapter struct{}

func NewDisabledAdapter() *DisabledAdapter {
	return &DisabledAdapter{}
}

func (a *DisabledAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	return OrderResponse{}, exception.ErrBrokerNotConfigured
}

func (a *DisabledAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResponse, error) {
	return OrderResponse{}, exception.ErrBrokerNotConfigured
}

func (a *DisabledAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	return false, exception.ErrBrokerNotConfigured
}

func (a *DisabledAdapter) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	return decimal.Zero, exception.ErrBrokerNotConfigured
}
