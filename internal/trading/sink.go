package trading

import (
	"context"

	"github.com/rs/zerolog"

	"dhan-tracker/internal/models"
)

// Sink is the default OutcomeSink: it persists triggers in a TriggerStore and
// sends them through a Notifier, flagging the stored row once delivered.
type Sink struct {
	store    TriggerStore
	notifier Notifier
	logger   zerolog.Logger
}

// NewSink creates a sink. Either collaborator may be nil.
func NewSink(store TriggerStore, notifier Notifier, logger zerolog.Logger) *Sink {
	return &Sink{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "outcome-sink").Logger(),
	}
}

// RecordTrigger implements OutcomeSink.
func (s *Sink) RecordTrigger(ctx context.Context, rec models.TriggerRecord) {
	if s.store == nil {
		s.logger.Warn().Str("order_id", rec.OrderID).Msg("No trigger store configured, trigger not persisted")
		return
	}
	id, err := s.store.SaveTrigger(ctx, rec)
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", rec.OrderID).Msg("Failed to save trigger")
		return
	}
	s.logger.Info().Int64("id", id).Str("symbol", rec.TradingSymbol).Int("quantity", rec.Quantity).
		Float64("trigger_price", rec.TriggerPrice).Msg("Trigger logged")
}

// Notify implements OutcomeSink.
func (s *Sink) Notify(ctx context.Context, rec models.TriggerRecord) {
	if s.notifier == nil || !s.notifier.Enabled() {
		s.logger.Debug().Msg("Notifications not configured, skipped")
		return
	}
	if err := s.notifier.NotifyTrigger(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("order_id", rec.OrderID).Msg("Trigger notification failed")
		return
	}
	if s.store == nil {
		return
	}
	if err := s.store.MarkEmailSent(ctx, rec.OrderID); err != nil {
		s.logger.Warn().Err(err).Str("order_id", rec.OrderID).Msg("Failed to flag notification")
	}
}
