package paper

import (
	"relay/internal/broker"
	"relay/internal/errors"
	"relay/pkg/exception"

	"github.com/bytedance/sonic"
)

// venueOrder is the order payload paper accounts answer with, shaped like a
// futures exchange REST response.
type venueOrder struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	Msg         string `json:"msg,omitempty"`
}

type venueEnvelope struct {
	Code int        `json:"code"`
	Data venueOrder `json:"data"`
}

var _statusWords = map[broker.Status]string{
	broker.StatusPlaced:          "NEW",
	broker.StatusPartiallyFilled: "PARTIALLY_FILLED",
	broker.StatusFilled:          "FILLED",
	broker.StatusRejected:        "REJECTED",
	broker.StatusCancelled:       "CANCELED",
	broker.StatusExpired:         "EXPIRED",
}

func encodeOrder(resp broker.OrderResponse) ([]byte, error) {
	return sonic.Marshal(venueEnvelope{Data: venueOrder{
		OrderID:     resp.OrderID,
		Status:      _statusWords[resp.Status],
		ExecutedQty: resp.FilledQty.String(),
		AvgPrice:    resp.AvgPrice.String(),
		Msg:         resp.Message,
	}})
}

// overWire sends resp through the venue encoding and the shared response
// decoder, the way a live adapter reads an exchange answer. Errors pass
// through untouched.
func overWire(resp broker.OrderResponse, err error) (broker.OrderResponse, error) {
	if err != nil {
		return resp, err
	}
	data, err := encodeOrder(resp)
	if err != nil {
		return broker.OrderResponse{}, errors.Wrap(exception.ErrBrokerInvalidResponse, err.Error())
	}
	return broker.DecodeResponse(data)
}
