package models

import "time"

// TriggerRecord describes a protective stop-loss order that executed.
type TriggerRecord struct {
	ID              int64     `json:"id,omitempty"`
	OrderID         string    `json:"order_id"`
	TradingSymbol   string    `json:"trading_symbol"`
	ISIN            string    `json:"isin,omitempty"`
	SecurityID      string    `json:"security_id"`
	TransactionType OrderSide `json:"transaction_type"`
	Quantity        int       `json:"quantity"`
	TriggerPrice    float64   `json:"trigger_price"`
	ExecutedPrice   float64   `json:"executed_price"`
	OrderType       OrderType `json:"order_type"`
	OrderStatus     string    `json:"order_status"`
	TriggerType     string    `json:"trigger_type"`
	CostPrice       *float64  `json:"cost_price,omitempty"`
	PnLAmount       *float64  `json:"pnl_amount,omitempty"`
	PnLPercent      *float64  `json:"pnl_percent,omitempty"`
	ProtectionTier  string    `json:"protection_tier,omitempty"`
	EmailSent       bool      `json:"email_sent"`
	TriggeredAt     time.Time `json:"triggered_at"`
}

// TriggerFilter narrows a trigger history query.
type TriggerFilter struct {
	Symbol string
	Since  time.Time
	Limit  int
}

// ProtectionSummary describes how much of the portfolio is covered by resting orders.
type ProtectionSummary struct {
	TotalHoldings     int                      `json:"total_holdings"`
	ProtectedCount    int                      `json:"protected_count"`
	UnprotectedCount  int                      `json:"unprotected_count"`
	TotalValue        float64                  `json:"total_value"`
	ProtectedValue    float64                  `json:"protected_value"`
	UnprotectedValue  float64                  `json:"unprotected_value"`
	ProtectionPercent float64                  `json:"protection_percent"`
	Protected         []Holding                `json:"protected_holdings"`
	Unprotected       []Holding                `json:"unprotected_holdings"`
	ActiveOrders      map[string]ExistingOrder `json:"active_orders"`
	LastPrices        map[string]float64       `json:"ltp_map"`
	GeneratedAt       time.Time                `json:"generated_at"`
}

// PassRecord is the audit header of one protection pass.
type PassRecord struct {
	ID         string         `json:"id"`
	Mode       ProtectionMode `json:"mode"`
	Force      bool           `json:"force"`
	DryRun     bool           `json:"dry_run"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tally      Tally          `json:"tally"`
	Error      string         `json:"error,omitempty"`
}
