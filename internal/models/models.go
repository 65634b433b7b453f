// Package models provides domain models for portfolio protection.
package models

import (
	"math"
)

// Exchange represents an exchange segment as used by the broker.
type Exchange string

const (
	NSEEquity Exchange = "NSE_EQ"
	BSEEquity Exchange = "BSE_EQ"
	NSEFNO    Exchange = "NSE_FNO"
	BSEFNO    Exchange = "BSE_FNO"
	MCXComm   Exchange = "MCX_COMM"
)

// ExchangeFromVenue maps a short venue code (NSE, BSE) to its equity segment.
func ExchangeFromVenue(venue string) Exchange {
	switch venue {
	case "BSE", "BSE_EQ":
		return BSEEquity
	case "NSE", "NSE_EQ", "ALL", "":
		return NSEEquity
	default:
		return Exchange(venue)
	}
}

// Venue returns the short exchange code (NSE, BSE) for the segment.
func (e Exchange) Venue() string {
	switch e {
	case BSEEquity, BSEFNO:
		return "BSE"
	case MCXComm:
		return "MCX"
	default:
		return "NSE"
	}
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "STOP_LOSS"
	OrderTypeStopLossM OrderType = "STOP_LOSS_MARKET"
)

// IsStopLoss reports whether the order type is one of the stop-loss families.
func (t OrderType) IsStopLoss() bool {
	return t == OrderTypeStopLoss || t == OrderTypeStopLossM
}

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductCNC      ProductType = "CNC" // Delivery
	ProductIntraday ProductType = "INTRADAY"
	ProductMargin   ProductType = "MARGIN"
	ProductMTF      ProductType = "MTF"
)

// Holding is a delivery position as reported by the broker.
// It is never mutated locally; the broker is the source of truth.
type Holding struct {
	SecurityID    string   `json:"security_id"`
	ISIN          string   `json:"isin"`
	TradingSymbol string   `json:"trading_symbol"`
	Exchange      Exchange `json:"exchange"`
	TotalQty      int      `json:"total_qty"`
	DPQty         int      `json:"dp_qty"`
	T1Qty         int      `json:"t1_qty"`
	AvailableQty  int      `json:"available_qty"`
	CollateralQty int      `json:"collateral_qty"`
	AvgCostPrice  float64  `json:"avg_cost_price"`
}

// Instrument returns the quote lookup identity of the holding.
func (h Holding) Instrument() Instrument {
	return Instrument{
		SecurityID: h.SecurityID,
		ISIN:       h.ISIN,
		Symbol:     h.TradingSymbol,
		Exchange:   h.Exchange,
	}
}

// Instrument identifies a tradable security across providers.
type Instrument struct {
	SecurityID string   `json:"security_id"`
	ISIN       string   `json:"isin"`
	Symbol     string   `json:"symbol"`
	Exchange   Exchange `json:"exchange"`
}

// PriceSnapshot holds the market data used for one protection pass.
type PriceSnapshot struct {
	LastPrice   float64  `json:"last_price"`
	High52W     float64  `json:"high_52w"`
	Low52W      float64  `json:"low_52w"`
	LatestClose float64  `json:"latest_close"`
	DMA200      *float64 `json:"dma_200,omitempty"` // nil when fewer than 200 sessions exist
	Source      string   `json:"source"`
}

// ValidLTP reports whether the snapshot carries a usable last price.
func (s PriceSnapshot) ValidLTP() bool {
	return s.LastPrice > 0 && !math.IsNaN(s.LastPrice) && !math.IsInf(s.LastPrice, 0)
}

// Snapshots maps security id to its price snapshot for a single pass.
type Snapshots map[string]PriceSnapshot

// LastPrice returns the last price for a security id, or 0 when unknown.
func (s Snapshots) LastPrice(securityID string) float64 {
	return s[securityID].LastPrice
}
