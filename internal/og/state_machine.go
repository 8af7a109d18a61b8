package og

import (
	"strings"

	"relay/internal/broker"
	"relay/internal/schema"

	"github.com/google/uuid"
)

// orderNamespace scopes the name-based ids derived from client order ids.
var orderNamespace = uuid.MustParse("6f1c2a8e-3b7d-5e4a-9c21-7d0e8b4f2a13")

// DeriveID returns a stable 32 character id for name. Exchanges that cap
// client ids at 32 characters accept it.
func DeriveID(name string) string {
	return strings.ReplaceAll(uuid.NewSHA1(orderNamespace, []byte(name)).String(), "-", "")
}

// ReplacementID is the client id of the single follow-up order for a partial
// fill of clientOrderID.
func ReplacementID(clientOrderID string) string {
	return DeriveID(clientOrderID + ":replacement")
}

// CanTransition reports whether an outcome may move between two statuses.
// Terminal statuses are final and nothing returns to PENDING.
func CanTransition(from, to schema.OrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case schema.OrderStatusPending:
		return from == ""
	case schema.OrderStatusPlaced:
		return from == "" || from == schema.OrderStatusPending || from == schema.OrderStatusPlaced
	default:
		return to.IsTerminal()
	}
}

// Resolve applies a broker response to an outcome. It reports false when the
// response leaves the order open or says nothing usable.
func Resolve(o schema.OrderOutcome, resp broker.OrderResponse) (schema.OrderOutcome, bool) {
	if resp.OrderID != "" {
		o.BrokerOrderID = resp.OrderID
	}
	if resp.FilledQty.IsPositive() {
		o.FilledQty = resp.FilledQty
	}
	if resp.AvgPrice.IsPositive() {
		o.AvgPrice = resp.AvgPrice
	}

	var next schema.OrderStatus
	switch resp.Status {
	case broker.StatusPlaced:
		next = schema.OrderStatusPlaced
	case broker.StatusFilled:
		next = schema.OrderStatusFilled
		if !o.FilledQty.IsPositive() {
			o.FilledQty = o.Qty
		}
	case broker.StatusPartiallyFilled:
		next = schema.OrderStatusPartiallyFilled
	case broker.StatusRejected:
		next = schema.OrderStatusRejected
		o.Error = resp.Message
	case broker.StatusCancelled:
		next = schema.OrderStatusCancelled
		o.Error = resp.Message
	case broker.StatusExpired:
		next = schema.OrderStatusCancelled
		o.Error = "expired"
	default:
		return o, false
	}

	if !CanTransition(o.Status, next) {
		return o, false
	}
	o.Status = next
	return o, next.IsTerminal()
}
