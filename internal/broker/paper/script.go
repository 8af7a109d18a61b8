package paper

import (
	"relay/internal/broker"
	"relay/internal/schema"

	"github.com/shopspring/decimal"
)

func fillPrice(req broker.OrderRequest) decimal.Decimal {
	if req.Price != nil {
		return *req.Price
	}
	return decimal.Zero
}

// FillImmediately answers PlaceOrder with a full fill.
func FillImmediately(req broker.OrderRequest) []broker.OrderResponse {
	return []broker.OrderResponse{
		{Status: broker.StatusFilled, FilledQty: req.Qty, AvgPrice: fillPrice(req)},
	}
}

// RestThenFill keeps the order open for polls status checks, then fills it.
func RestThenFill(polls int) Script {
	return func(req broker.OrderRequest) []broker.OrderResponse {
		out := make([]broker.OrderResponse, 0, polls+1)
		for i := 0; i <= polls; i++ {
			out = append(out, broker.OrderResponse{Status: broker.StatusPlaced})
		}
		out[len(out)-1] = broker.OrderResponse{Status: broker.StatusFilled, FilledQty: req.Qty, AvgPrice: fillPrice(req)}
		return out
	}
}

// RestForever never leaves the open state.
func RestForever(req broker.OrderRequest) []broker.OrderResponse {
	return []broker.OrderResponse{{Status: broker.StatusPlaced}}
}

// Reject refuses every order on placement.
func Reject(req broker.OrderRequest) []broker.OrderResponse {
	return []broker.OrderResponse{{Status: broker.StatusRejected, Message: "rejected by paper exchange"}}
}

// PartialThenFill reports a partial fill of filled units on the first status
// check of every non-market order; market orders fill completely.
func PartialThenFill(filled decimal.Decimal) Script {
	return func(req broker.OrderRequest) []broker.OrderResponse {
		if req.Type == schema.OrderTypeMarket {
			return FillImmediately(req)
		}
		return []broker.OrderResponse{
			{Status: broker.StatusPlaced},
			{Status: broker.StatusPartiallyFilled, FilledQty: filled, AvgPrice: fillPrice(req)},
		}
	}
}
