// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"dhan-tracker/internal/models"
	"dhan-tracker/internal/security"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Credentials
	security.CredentialStore

	// Trigger history
	SaveTrigger(ctx context.Context, rec models.TriggerRecord) (int64, error)
	TriggerExists(ctx context.Context, orderID string) (bool, error)
	MarkEmailSent(ctx context.Context, orderID string) error
	ListTriggers(ctx context.Context, filter models.TriggerFilter) ([]models.TriggerRecord, error)

	// Protection passes
	SaveRun(ctx context.Context, run models.PassRecord, results []models.ProtectionResult) error
	RecentRuns(ctx context.Context, limit int) ([]models.PassRecord, error)
	RunResults(ctx context.Context, runID string) ([]RunResult, error)

	// Scheduled jobs
	LastRun(job string) time.Time
	SetLastRun(job string, t time.Time) error

	Close() error
}

// RunResult is one persisted per-holding outcome of a protection pass.
type RunResult struct {
	RunID         string            `json:"run_id"`
	SecurityID    string            `json:"security_id"`
	TradingSymbol string            `json:"trading_symbol"`
	Action        models.ActionKind `json:"action"`
	Success       bool              `json:"success"`
	Skipped       bool              `json:"skipped"`
	LTP           float64           `json:"ltp"`
	StopLossPrice float64           `json:"stop_loss_price"`
	TargetPrice   float64           `json:"target_price"`
	Tier          string            `json:"tier,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	Message       string            `json:"message"`
}
