package broker

import (
	"encoding/json"
	"strconv"
	"strings"

	"relay/internal/errors"
	"relay/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

var _decoder = sonic.Config{UseNumber: true}.Froze()

var (
	_orderIDKeys = []string{"orderId", "order_id", "ordId", "orderID", "id"}
	_statusKeys  = []string{"status", "state", "ordStatus", "order_status"}
	_filledKeys  = []string{"executedQty", "filled_qty", "filledQty", "cumExecQty", "accFillSz", "deal_stock", "filled"}
	_avgKeys     = []string{"avgPrice", "avg_price", "avgPx", "average", "price_avg", "avgFillPrice"}
	_messageKeys = []string{"msg", "message", "error", "sMsg", "retMsg"}
	_wrapperKeys = []string{"result", "data", "order", "list"}
)

// DecodeResponse normalizes an exchange order payload into OrderResponse.
// Exchanges answer with a flat object, an object nested under
// result/data/order, or a one-element list; all three are accepted.
func DecodeResponse(data []byte) (OrderResponse, error) {
	var v any
	if err := _decoder.Unmarshal(data, &v); err != nil {
		return OrderResponse{}, errors.Wrap(exception.ErrBrokerInvalidResponse, err.Error())
	}

	obj, ok := unwrapOrder(v)
	if !ok {
		return OrderResponse{}, exception.ErrBrokerInvalidResponse
	}

	resp := OrderResponse{
		OrderID:   lookupString(obj, _orderIDKeys),
		Status:    NormalizeStatus(lookupString(obj, _statusKeys)),
		FilledQty: lookupDecimal(obj, _filledKeys),
		AvgPrice:  lookupDecimal(obj, _avgKeys),
		Message:   lookupString(obj, _messageKeys),
	}
	if resp.OrderID == "" {
		return resp, exception.ErrBrokerEmptyOrderID
	}
	return resp, nil
}

func unwrapOrder(v any) (map[string]any, bool) {
	for depth := 0; depth < 4; depth++ {
		switch t := v.(type) {
		case []any:
			if len(t) == 0 {
				return nil, false
			}
			v = t[0]
		case map[string]any:
			// wrappers first: an envelope's own "id" is usually a request id
			inner, found := firstPresent(t, _wrapperKeys)
			if !found {
				return t, true
			}
			switch inner.(type) {
			case map[string]any, []any:
				v = inner
			default:
				return t, true
			}
		default:
			return nil, false
		}
	}
	return nil, false
}

func firstPresent(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(obj map[string]any, keys []string) string {
	v, ok := firstPresent(obj, keys)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func lookupDecimal(obj map[string]any, keys []string) decimal.Decimal {
	s := lookupString(obj, keys)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// NormalizeStatus maps an exchange status word onto Status.
func NormalizeStatus(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch s {
	case "NEW", "OPEN", "PLACED", "ACCEPTED", "LIVE", "PENDING", "PENDING_NEW", "UNTRIGGERED", "CREATED":
		return StatusPlaced
	case "PARTIALLY_FILLED", "PARTIAL_FILLED", "PARTIALLYFILLED", "PARTIAL", "PARTIALLY_FILLED_OPEN":
		return StatusPartiallyFilled
	case "FILLED", "CLOSED", "DONE", "COMPLETE", "COMPLETED", "EXECUTED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PARTIALLY_CANCELED", "PARTIALLY_CANCELLED":
		return StatusCancelled
	case "REJECTED", "FAILED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// IsInsufficientFunds recognizes the margin refusals exchanges report as
// plain error text.
func IsInsufficientFunds(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "insufficient") ||
		strings.Contains(m, "not enough balance") ||
		strings.Contains(m, "margin is not enough") ||
		strings.Contains(m, "-2019")
}
