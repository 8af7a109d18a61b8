package exception

import "errors"

// Broker errors. Adapters must return ErrInsufficientFunds (possibly wrapped)
// when the exchange refuses an order for lack of margin.
var (
	ErrInsufficientFunds       = errors.New("broker: insufficient funds")
	ErrBrokerNotConfigured     = errors.New("broker: adapter not configured")
	ErrBrokerUnknownExchange   = errors.New("broker: unknown exchange")
	ErrBrokerInvalidResponse   = errors.New("broker: invalid response")
	ErrBrokerEmptyOrderID      = errors.New("broker: empty response order id")
	ErrBrokerOrderNotFound     = errors.New("broker: order not found")
	ErrBrokerInvalidCredential = errors.New("broker: invalid credential")
)
