package pgstore

import (
	"encoding/json"
	"time"

	"relay/internal/schema"
	"relay/internal/store"

	"github.com/shopspring/decimal"
)

type signalRow struct {
	ID         string                             `gorm:"column:id;primaryKey"`
	Strategy   string                             `gorm:"column:strategy"`
	Symbol     string                             `gorm:"column:symbol"`
	Side       string                             `gorm:"column:side"`
	OrderType  string                             `gorm:"column:order_type"`
	Quantity   decimal.NullDecimal                `gorm:"column:quantity"`
	Price      decimal.Decimal                    `gorm:"column:price"`
	StopLoss   decimal.NullDecimal                `gorm:"column:stop_loss"`
	Target     decimal.NullDecimal                `gorm:"column:target"`
	Leverage   int                                `gorm:"column:leverage"`
	Status     string                             `gorm:"column:status"`
	CreatedAt  time.Time                          `gorm:"column:created_at"`
	UserStatus map[string]schema.UserSignalStatus `gorm:"column:user_status;type:jsonb;serializer:json"`
}

func (signalRow) TableName() string { return "trade_signals" }

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func pointer(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func newSignalRow(s schema.TradeSignal) signalRow {
	status := s.UserStatus
	if status == nil {
		status = map[string]schema.UserSignalStatus{}
	}
	return signalRow{
		ID:         s.ID,
		Strategy:   s.Strategy,
		Symbol:     s.Symbol,
		Side:       string(s.Side),
		OrderType:  string(s.OrderType),
		Quantity:   nullable(s.Quantity),
		Price:      s.Price,
		StopLoss:   nullable(s.StopLoss),
		Target:     nullable(s.Target),
		Leverage:   s.Leverage,
		Status:     string(s.Status),
		CreatedAt:  s.CreatedAt,
		UserStatus: status,
	}
}

func (r signalRow) signal() schema.TradeSignal {
	return schema.TradeSignal{
		ID:         r.ID,
		Strategy:   r.Strategy,
		Symbol:     r.Symbol,
		Side:       schema.Side(r.Side),
		OrderType:  schema.OrderType(r.OrderType),
		Quantity:   pointer(r.Quantity),
		Price:      r.Price,
		StopLoss:   pointer(r.StopLoss),
		Target:     pointer(r.Target),
		Leverage:   r.Leverage,
		Status:     schema.SignalStatus(r.Status),
		CreatedAt:  r.CreatedAt,
		UserStatus: r.UserStatus,
	}
}

type userRow struct {
	ID               string                         `gorm:"column:id;primaryKey"`
	Email            string                         `gorm:"column:email"`
	Approved         bool                           `gorm:"column:approved"`
	APIVerified      bool                           `gorm:"column:api_verified"`
	Active           bool                           `gorm:"column:active"`
	MarginCurrency   string                         `gorm:"column:margin_currency"`
	AvailableBalance decimal.Decimal                `gorm:"column:available_balance"`
	UsedMargin       decimal.Decimal                `gorm:"column:used_margin"`
	Credentials      []byte                         `gorm:"column:credentials;type:jsonb"`
	Subscriptions    map[string]schema.Subscription `gorm:"column:subscriptions;type:jsonb;serializer:json"`
}

func (userRow) TableName() string { return "users" }

func (r userRow) record() store.UserRecord {
	return store.UserRecord{
		ID:               r.ID,
		Email:            r.Email,
		Active:           r.Active,
		MarginCurrency:   r.MarginCurrency,
		AvailableBalance: r.AvailableBalance,
		UsedMargin:       r.UsedMargin,
		Credentials:      json.RawMessage(r.Credentials),
		Subscriptions:    r.Subscriptions,
	}
}

type outcomeRow struct {
	UserID        string          `gorm:"column:user_id;primaryKey"`
	OrderID       string          `gorm:"column:order_id;primaryKey"`
	BrokerOrderID string          `gorm:"column:broker_order_id"`
	SignalID      string          `gorm:"column:signal_id"`
	Strategy      string          `gorm:"column:strategy"`
	Symbol        string          `gorm:"column:symbol"`
	Side          string          `gorm:"column:side"`
	Status        string          `gorm:"column:status"`
	Qty           decimal.Decimal `gorm:"column:qty"`
	FilledQty     decimal.Decimal `gorm:"column:filled_qty"`
	AvgPrice      decimal.Decimal `gorm:"column:avg_price"`
	Reason        string          `gorm:"column:reason"`
	Error         string          `gorm:"column:error"`
	ReplacedBy    string          `gorm:"column:replaced_by"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (outcomeRow) TableName() string { return "order_outcomes" }

func newOutcomeRow(o schema.OrderOutcome) outcomeRow {
	return outcomeRow{
		UserID:        o.UserID,
		OrderID:       o.OrderID,
		BrokerOrderID: o.BrokerOrderID,
		SignalID:      o.SignalID,
		Strategy:      o.Strategy,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Status:        string(o.Status),
		Qty:           o.Qty,
		FilledQty:     o.FilledQty,
		AvgPrice:      o.AvgPrice,
		Reason:        string(o.Reason),
		Error:         o.Error,
		ReplacedBy:    o.ReplacedBy,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (r outcomeRow) outcome() schema.OrderOutcome {
	return schema.OrderOutcome{
		OrderID:       r.OrderID,
		BrokerOrderID: r.BrokerOrderID,
		UserID:        r.UserID,
		SignalID:      r.SignalID,
		Strategy:      r.Strategy,
		Symbol:        r.Symbol,
		Side:          schema.Side(r.Side),
		Status:        schema.OrderStatus(r.Status),
		Qty:           r.Qty,
		FilledQty:     r.FilledQty,
		AvgPrice:      r.AvgPrice,
		Reason:        schema.RejectReason(r.Reason),
		Error:         r.Error,
		ReplacedBy:    r.ReplacedBy,
		UpdatedAt:     r.UpdatedAt,
	}
}

type eventRow struct {
	Seq      int64  `gorm:"column:seq;primaryKey"`
	SignalID string `gorm:"column:signal_id"`
	Kind     string `gorm:"column:kind"`
}

func (eventRow) TableName() string { return "signal_events" }

func (r eventRow) kind() store.SignalEventKind {
	switch r.Kind {
	case "insert":
		return store.SignalEventInsert
	case "cancel":
		return store.SignalEventCancel
	default:
		return store.SignalEventUnknown
	}
}
