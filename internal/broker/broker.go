// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"

	"dhan-tracker/internal/models"
)

// Gateway defines the broker operations the protection engine depends on.
// Every method fails with *errors.BrokerError; a 401 status denotes an
// expired credential and must not be retried.
type Gateway interface {
	// Name identifies the broker in logs and results.
	Name() string

	// Portfolio
	ListHoldings(ctx context.Context) ([]models.Holding, error)
	LastPrices(ctx context.Context, holdings []models.Holding) (map[string]float64, error)

	// Bracket (super) orders
	ListStopOrders(ctx context.Context) ([]models.ExistingOrder, error)
	CreateBracketOrder(ctx context.Context, req BracketRequest) (*OrderResult, error)
	ModifyBracketLeg(ctx context.Context, orderID string, mod LegModification) (*OrderResult, error)
	CancelBracketOrder(ctx context.Context, orderID string) (*OrderResult, error)

	// Plain orders (after-market stop-loss)
	ListPlainOrders(ctx context.Context) ([]models.RawOrder, error)
	CreateStopOrder(ctx context.Context, req StopRequest) (*OrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, triggerPrice float64) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (*OrderResult, error)
}

// TokenRenewer is implemented by gateways whose access token can be renewed
// while it is still valid.
type TokenRenewer interface {
	RenewToken(ctx context.Context) (string, error)
}

// BracketRequest describes a three-leg protective bracket order.
type BracketRequest struct {
	SecurityID    string
	TradingSymbol string
	Exchange      models.Exchange
	Quantity      int
	EntryPrice    float64
	TargetPrice   float64
	StopPrice     float64
	TrailingJump  float64
	CorrelationID string
}

// LegModification updates one leg of a bracket order.
type LegModification struct {
	Leg          models.LegName
	Price        float64
	TrailingJump float64
}

// StopRequest describes a standalone SELL stop-loss order.
type StopRequest struct {
	SecurityID    string
	TradingSymbol string
	Exchange      models.Exchange
	Quantity      int
	TriggerPrice  float64
	AfterMarket   bool
	AMOTime       models.AMOTime
	CorrelationID string
}

// OrderResult represents the broker's acknowledgement of an order mutation.
type OrderResult struct {
	OrderID string             `json:"order_id"`
	Status  models.OrderStatus `json:"status"`
	Message string             `json:"message,omitempty"`
}

// Accepted reports whether the broker accepted the mutation.
func (r *OrderResult) Accepted() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case models.OrderStatusRejected, models.OrderStatusCancelled, models.OrderStatusExpired:
		return false
	}
	return true
}
