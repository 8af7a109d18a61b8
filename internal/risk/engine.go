package risk

import (
	"strings"
	"sync"

	"relay/internal/schema"

	"github.com/shopspring/decimal"
)

// SymbolRule is the lot rule of one tradable symbol.
type SymbolRule struct {
	QtyPrecision int32           `json:"qtyPrecision"`
	MinQty       decimal.Decimal `json:"minQty"`
}

// Config defines sizing and admission limits.
type Config struct {
	Symbols          map[string]SymbolRule `json:"symbols"`
	DefaultPrecision int32                 `json:"defaultPrecision"`
	DefaultMinQty    decimal.Decimal       `json:"defaultMinQty"`
	// MinMargin is the least margin a copied order may reserve, per unit of
	// multiplier.
	MinMargin decimal.Decimal `json:"minMargin"`
}

func (c Config) rule(symbol string) SymbolRule {
	if r, ok := c.Symbols[strings.ToUpper(symbol)]; ok {
		return r
	}
	return SymbolRule{QtyPrecision: c.DefaultPrecision, MinQty: c.DefaultMinQty}
}

// Rejection is the reason a user is left out of one signal's batch.
type Rejection struct {
	Reason   schema.RejectReason
	Required decimal.Decimal
	Free     decimal.Decimal
}

// Decision is the result of sizing one user against one signal.
type Decision struct {
	Intent    schema.OrderIntent
	Rejection *Rejection
}

// Admitted reports whether the order may be placed.
func (d Decision) Admitted() bool {
	return d.Rejection == nil
}

// SizeOrder computes the user's order for a signal against the given free
// margin. It never reserves anything; see Gate.Admit.
func SizeOrder(user schema.UserAccount, signal schema.TradeSignal, free decimal.Decimal, cfg Config) Decision {
	reject := func(reason schema.RejectReason, required decimal.Decimal) Decision {
		return Decision{Rejection: &Rejection{Reason: reason, Required: required, Free: free}}
	}

	if !signal.Price.IsPositive() || !signal.Side.IsAvailable() {
		return reject(schema.RejectReasonInvalidSignal, decimal.Zero)
	}

	leverage := decimal.NewFromInt(int64(signal.EffectiveLeverage()))
	multiplier := user.Multiplier(signal.Strategy)
	rule := cfg.rule(signal.Symbol)

	var qty decimal.Decimal
	if signal.Quantity != nil {
		qty = signal.Quantity.Mul(multiplier)
	} else {
		// a multiplier above 1 cannot buy past what the free margin affords
		affordable := free.Mul(leverage).Div(signal.Price)
		qty = affordable.Mul(multiplier)
		if qty.GreaterThan(affordable) {
			qty = affordable
		}
	}
	qty = qty.RoundFloor(rule.QtyPrecision)

	if !qty.IsPositive() || qty.LessThan(rule.MinQty) {
		return reject(schema.RejectReasonBelowMinimum, decimal.Zero)
	}

	required := qty.Mul(signal.Price).Div(leverage)
	if floor := cfg.MinMargin.Mul(multiplier); required.LessThan(floor) {
		required = floor
	}
	if required.GreaterThan(free) {
		return reject(schema.RejectReasonInsufficientFunds, required)
	}

	intent := schema.OrderIntent{
		SignalID:   signal.ID,
		UserID:     user.ID,
		Strategy:   signal.Strategy,
		Symbol:     signal.Symbol,
		Side:       signal.Side,
		Type:       signal.OrderType,
		Qty:        qty,
		Leverage:   signal.EffectiveLeverage(),
		StopLoss:   signal.StopLoss,
		TakeProfit: signal.Target,
		Margin:     required,
	}
	if intent.Type == "" {
		intent.Type = schema.OrderTypeMarket
	}
	if intent.Type == schema.OrderTypeLimit {
		price := signal.Price
		intent.Price = &price
	}
	return Decision{Intent: intent}
}

// Gate sizes orders and keeps a per-user ledger of margin committed by
// admitted orders that the cached user snapshot does not reflect yet.
type Gate struct {
	cfg Config

	mu        sync.Mutex
	committed map[string]decimal.Decimal
}

func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg, committed: make(map[string]decimal.Decimal)}
}

// Admit sizes the order and, when admitted, reserves its margin.
func (g *Gate) Admit(user schema.UserAccount, signal schema.TradeSignal) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	free := user.FreeMargin().Sub(g.committed[user.ID])
	if free.IsNegative() {
		free = decimal.Zero
	}
	d := SizeOrder(user, signal, free, g.cfg)
	if d.Admitted() {
		g.committed[user.ID] = g.committed[user.ID].Add(d.Intent.Margin)
	}
	return d
}

// Release returns margin reserved for an order that did not fill.
func (g *Gate) Release(userID string, margin decimal.Decimal) {
	if !margin.IsPositive() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	left := g.committed[userID].Sub(margin)
	if !left.IsPositive() {
		delete(g.committed, userID)
		return
	}
	g.committed[userID] = left
}

// Committed returns the margin currently reserved for a user.
func (g *Gate) Committed(userID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed[userID]
}

// Reset drops the reservations of the given users, called once a fresh
// snapshot of their balances has been loaded.
func (g *Gate) Reset(userIDs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range userIDs {
		delete(g.committed, id)
	}
}

// ResetAll drops every reservation.
func (g *Gate) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.committed = make(map[string]decimal.Decimal)
}
