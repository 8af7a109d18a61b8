package broker

import (
	"testing"

	"relay/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResponseShapes(t *testing.T) {
	testCases := []struct {
		desc   string
		input  string
		id     string
		status Status
		filled string
		avg    string
	}{
		{
			"flat",
			`{"orderId": 283194212, "status": "FILLED", "executedQty": "4.000", "avgPrice": "2500.10"}`,
			"283194212", StatusFilled, "4", "2500.1",
		},
		{
			"nested result",
			`{"code": 0, "result": {"order_id": "abc-1", "state": "partially_filled", "filled_qty": 6, "avg_price": 2499.5}}`,
			"abc-1", StatusPartiallyFilled, "6", "2499.5",
		},
		{
			"list",
			`[{"ordId": "777", "state": "live", "accFillSz": "0", "avgPx": ""}]`,
			"777", StatusPlaced, "0", "0",
		},
		{
			"data list",
			`{"data": [{"id": "x9", "status": "Canceled"}]}`,
			"x9", StatusCancelled, "0", "0",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.id, resp.OrderID)
			assert.Equal(t, tc.status, resp.Status)
			assert.Equal(t, tc.filled, resp.FilledQty.String())
			assert.Equal(t, tc.avg, resp.AvgPrice.String())
		})
	}
}

func TestDecodeResponseRejectsGarbage(t *testing.T) {
	_, err := DecodeResponse([]byte(`not json`))
	require.ErrorIs(t, err, exception.ErrBrokerInvalidResponse)

	_, err = DecodeResponse([]byte(`[]`))
	require.ErrorIs(t, err, exception.ErrBrokerInvalidResponse)

	_, err = DecodeResponse([]byte(`{"status": "NEW"}`))
	require.ErrorIs(t, err, exception.ErrBrokerEmptyOrderID)
}

func TestNormalizeStatus(t *testing.T) {
	testCases := map[string]Status{
		"NEW":              StatusPlaced,
		"open":             StatusPlaced,
		"Partially Filled": StatusPartiallyFilled,
		"partially-filled": StatusPartiallyFilled,
		"closed":           StatusFilled,
		"CANCELED":         StatusCancelled,
		"rejected":         StatusRejected,
		"EXPIRED":          StatusExpired,
		"":                 StatusUnknown,
		"weird":            StatusUnknown,
	}
	for raw, expected := range testCases {
		assert.Equalf(t, expected, NormalizeStatus(raw), "status %q", raw)
	}
}

func TestIsInsufficientFunds(t *testing.T) {
	assert.True(t, IsInsufficientFunds("Margin is insufficient."))
	assert.True(t, IsInsufficientFunds("code -2019"))
	assert.False(t, IsInsufficientFunds("timestamp outside recv window"))
}
