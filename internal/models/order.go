package models

import (
	"strconv"
	"time"
)

// OrderStatus is the broker's order lifecycle status.
type OrderStatus string

const (
	OrderStatusTransit    OrderStatus = "TRANSIT"
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusPartTraded OrderStatus = "PART_TRADED"
	OrderStatusTraded     OrderStatus = "TRADED"
	OrderStatusTriggered  OrderStatus = "TRIGGERED"
	OrderStatusClosed     OrderStatus = "CLOSED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRejected   OrderStatus = "REJECTED"
	OrderStatusExpired    OrderStatus = "EXPIRED"
)

// IsResting reports whether an order with this status still protects a holding.
func (s OrderStatus) IsResting() bool {
	switch s {
	case OrderStatusPending, OrderStatusTransit, OrderStatusPartTraded:
		return true
	}
	return false
}

// LegName identifies a leg of a bracket (super) order.
type LegName string

const (
	LegEntry    LegName = "ENTRY_LEG"
	LegTarget   LegName = "TARGET_LEG"
	LegStopLoss LegName = "STOP_LOSS_LEG"
)

// AMOTime is the session offset at which an after-market order is released.
type AMOTime string

const (
	AMOPreOpen AMOTime = "PRE_OPEN" // 09:00 pre-open session
	AMOOpen    AMOTime = "OPEN"     // 09:15 market open
	AMOOpen30  AMOTime = "OPEN_30"  // 09:45
	AMOOpen60  AMOTime = "OPEN_60"  // 10:15
)

// Valid reports whether the slot is one the broker accepts.
func (t AMOTime) Valid() bool {
	switch t {
	case AMOPreOpen, AMOOpen, AMOOpen30, AMOOpen60:
		return true
	}
	return false
}

// OrderFamily distinguishes bracket (super) orders from plain orders.
type OrderFamily string

const (
	FamilySuper OrderFamily = "super"
	FamilyPlain OrderFamily = "plain"
)

// ExistingOrder is a resting protective SELL order for an instrument.
type ExistingOrder struct {
	OrderID         string      `json:"order_id"`
	SecurityID      string      `json:"security_id"`
	TradingSymbol   string      `json:"trading_symbol"`
	TransactionType OrderSide   `json:"transaction_type"`
	Status          OrderStatus `json:"status"`
	Family          OrderFamily `json:"family"`
	Quantity        int         `json:"quantity"`
	StopPrice       float64     `json:"stop_price"`
	TargetPrice     float64     `json:"target_price"`
	TrailingJump    float64     `json:"trailing_jump"`
	CorrelationID   string      `json:"correlation_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// IsProtective reports whether the order is a resting SELL that covers a holding.
func (o ExistingOrder) IsProtective() bool {
	return o.TransactionType == OrderSideSell && o.Status.IsResting()
}

// NewerThan reports whether o should win over other as the canonical order
// for an instrument: latest creation time first, then the highest order id.
func (o ExistingOrder) NewerThan(other ExistingOrder) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.After(other.CreatedAt)
	}
	return compareOrderIDs(o.OrderID, other.OrderID) > 0
}

func compareOrderIDs(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai > bi:
			return 1
		case ai < bi:
			return -1
		}
		return 0
	}
	if len(a) != len(b) {
		if len(a) > len(b) {
			return 1
		}
		return -1
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// RawOrder is a plain (non-bracket) order from the broker's order book.
type RawOrder struct {
	OrderID         string      `json:"order_id"`
	SecurityID      string      `json:"security_id"`
	TradingSymbol   string      `json:"trading_symbol"`
	Exchange        Exchange    `json:"exchange"`
	TransactionType OrderSide   `json:"transaction_type"`
	OrderType       OrderType   `json:"order_type"`
	ProductType     ProductType `json:"product_type"`
	Status          OrderStatus `json:"status"`
	Quantity        int         `json:"quantity"`
	TradedQty       int         `json:"traded_qty"`
	Price           float64     `json:"price"`
	TriggerPrice    float64     `json:"trigger_price"`
	TradedPrice     float64     `json:"traded_price"`
	AfterMarket     bool        `json:"after_market"`
	AMOTime         AMOTime     `json:"amo_time,omitempty"`
	CorrelationID   string      `json:"correlation_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// AsExisting converts a resting plain stop order into its protective view.
func (o RawOrder) AsExisting() ExistingOrder {
	return ExistingOrder{
		OrderID:         o.OrderID,
		SecurityID:      o.SecurityID,
		TradingSymbol:   o.TradingSymbol,
		TransactionType: o.TransactionType,
		Status:          o.Status,
		Family:          FamilyPlain,
		Quantity:        o.Quantity,
		StopPrice:       o.TriggerPrice,
		CorrelationID:   o.CorrelationID,
		CreatedAt:       o.CreatedAt,
	}
}

// IsExecutedStopLoss reports whether the order is a SELL stop-loss that has traded.
func (o RawOrder) IsExecutedStopLoss() bool {
	return o.TransactionType == OrderSideSell &&
		o.OrderType.IsStopLoss() &&
		o.Status == OrderStatusTraded
}

// FilledQuantity returns traded quantity, falling back to order quantity.
func (o RawOrder) FilledQuantity() int {
	if o.TradedQty > 0 {
		return o.TradedQty
	}
	return o.Quantity
}

// ExecutionPrice returns the traded price, falling back to the limit price.
func (o RawOrder) ExecutionPrice() float64 {
	if o.TradedPrice > 0 {
		return o.TradedPrice
	}
	return o.Price
}
