package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/notify"
	"dhan-tracker/internal/security"
	"dhan-tracker/internal/trading"
	"dhan-tracker/pkg/utils"
)

// Job names.
const (
	JobAMOProtect   = "amo-protection"
	JobSuperProtect = "super-order-protection"
	JobTriggerCheck = "trigger-monitor"
	JobTokenRefresh = "token-refresh"
	JobDailySummary = "daily-summary"
)

// ProtectJob runs a protection pass with opts. A pass already in progress is
// not treated as a failure.
func ProtectJob(name string, r *trading.Reconciler, opts trading.RunOptions) Job {
	return NewJob(name, func(ctx context.Context) error {
		results, err := r.Run(ctx, opts)
		if errors.Is(err, apperrors.ErrPassInProgress) {
			l := logging.FromContext(ctx)
			l.Info().Msg("Protection pass already running, skipped")
			return nil
		}
		if err != nil {
			return err
		}
		tally := models.TallyResults(results)
		if tally.Failed > 0 {
			return fmt.Errorf("%d of %d holdings failed protection", tally.Failed, tally.Total)
		}
		return nil
	})
}

// TriggerCheckJob looks for executed stop-losses.
func TriggerCheckJob(m *trading.TriggerMonitor) Job {
	return NewJob(JobTriggerCheck, func(ctx context.Context) error {
		_, err := m.Check(ctx)
		return err
	})
}

// TokenRefreshJob renews the broker access token.
func TokenRefreshJob(r *security.TokenRefresher) Job {
	return NewJob(JobTokenRefresh, func(ctx context.Context) error {
		_, err := r.Refresh(ctx)
		return err
	})
}

// SummarySender delivers the end-of-day trigger report.
type SummarySender interface {
	SendDailySummary(ctx context.Context, summary *notify.DailySummary) error
}

// DailySummaryJob sends the triggers recorded since midnight in loc.
func DailySummaryJob(m *trading.TriggerMonitor, sender SummarySender, loc *time.Location, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return NewJob(JobDailySummary, func(ctx context.Context) error {
		t := now().In(loc)
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

		triggers, err := m.History(ctx, models.TriggerFilter{Since: midnight})
		if err != nil {
			return fmt.Errorf("reading today's triggers: %w", err)
		}
		return sender.SendDailySummary(ctx, &notify.DailySummary{
			Date:     midnight.Format("2006-01-02"),
			Triggers: triggers,
		})
	})
}

// MarketDaysOnly skips job on weekends in IST.
func MarketDaysOnly(job Job, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return NewJob(job.Name(), func(ctx context.Context) error {
		switch now().In(utils.IndiaLocation).Weekday() {
		case time.Saturday, time.Sunday:
			return nil
		}
		return job.Run(ctx)
	})
}
