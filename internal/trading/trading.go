// Package trading drives protection passes against a broker account: it
// gathers holdings, prices and resting orders, asks the protection engine
// what to do for each holding, and carries the decisions out.
package trading

import (
	"context"

	"dhan-tracker/internal/models"
	"dhan-tracker/internal/protection"
)

// Config tunes the reconciliation orchestrator.
type Config struct {
	Strategy protection.Strategy

	// ModifyEpsilon is the smallest price change worth a modify call.
	ModifyEpsilon float64

	// SubmitConcurrency bounds order mutations in flight (1 to 4).
	SubmitConcurrency int

	// FetchConcurrency bounds per-instrument quote lookups.
	FetchConcurrency int

	// AMOTime is the default release slot for after-market orders.
	AMOTime models.AMOTime

	// LookbackDays is the history window requested for after-market pricing.
	LookbackDays int
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:          protection.DefaultStrategy(),
		ModifyEpsilon:     0.01,
		SubmitConcurrency: 2,
		FetchConcurrency:  4,
		AMOTime:           models.AMOOpen,
		LookbackDays:      365,
	}
}

func (c Config) normalized() Config {
	c.Strategy = c.Strategy.Normalize()
	if c.ModifyEpsilon <= 0 {
		c.ModifyEpsilon = 0.01
	}
	if c.SubmitConcurrency < 1 {
		c.SubmitConcurrency = 1
	}
	if c.SubmitConcurrency > 4 {
		c.SubmitConcurrency = 4
	}
	if c.FetchConcurrency < 1 {
		c.FetchConcurrency = 4
	}
	if !c.AMOTime.Valid() {
		c.AMOTime = models.AMOOpen
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 365
	}
	return c
}

// RunOptions selects what a protection pass does.
type RunOptions struct {
	Mode    models.ProtectionMode
	Force   bool
	AMOTime models.AMOTime // empty uses Config.AMOTime
	DryRun  bool
}

// RunRecorder persists the audit trail of protection passes.
type RunRecorder interface {
	SaveRun(ctx context.Context, run models.PassRecord, results []models.ProtectionResult) error
}

// TriggerStore persists executed stop-loss records.
type TriggerStore interface {
	SaveTrigger(ctx context.Context, rec models.TriggerRecord) (int64, error)
	TriggerExists(ctx context.Context, orderID string) (bool, error)
	MarkEmailSent(ctx context.Context, orderID string) error
	ListTriggers(ctx context.Context, filter models.TriggerFilter) ([]models.TriggerRecord, error)
}

// Notifier delivers a trigger notification to an operator.
type Notifier interface {
	Enabled() bool
	NotifyTrigger(ctx context.Context, rec models.TriggerRecord) error
}

// OutcomeSink receives executed triggers. Both methods are best-effort:
// implementations log failures and never return them.
type OutcomeSink interface {
	RecordTrigger(ctx context.Context, rec models.TriggerRecord)
	Notify(ctx context.Context, rec models.TriggerRecord)
}
