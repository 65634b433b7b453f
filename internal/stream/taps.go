package stream

import (
	"context"
	"time"

	"dhan-tracker/internal/models"
	"dhan-tracker/internal/trading"
)

// PassTap publishes every finished protection pass, then hands it to the
// wrapped recorder when there is one.
type PassTap struct {
	hub  *Hub
	next trading.RunRecorder
}

// RecordPasses wraps next so that saved passes are also published on hub.
// next may be nil.
func RecordPasses(hub *Hub, next trading.RunRecorder) *PassTap {
	return &PassTap{hub: hub, next: next}
}

// SaveRun implements trading.RunRecorder.
func (t *PassTap) SaveRun(ctx context.Context, run models.PassRecord, results []models.ProtectionResult) error {
	pass := run
	t.hub.Publish(Event{Kind: KindPass, Time: run.FinishedAt, Pass: &pass})
	if t.next == nil {
		return nil
	}
	return t.next.SaveRun(ctx, run, results)
}

// TriggerTap publishes executed stop-losses as they are recorded.
type TriggerTap struct {
	hub  *Hub
	next trading.OutcomeSink
}

// TapTriggers wraps next so that recorded triggers are also published on hub.
func TapTriggers(hub *Hub, next trading.OutcomeSink) *TriggerTap {
	return &TriggerTap{hub: hub, next: next}
}

// RecordTrigger implements trading.OutcomeSink.
func (t *TriggerTap) RecordTrigger(ctx context.Context, rec models.TriggerRecord) {
	trig := rec
	at := rec.TriggeredAt
	if at.IsZero() {
		at = time.Now()
	}
	t.hub.Publish(Event{Kind: KindTrigger, Time: at, Trigger: &trig})
	if t.next != nil {
		t.next.RecordTrigger(ctx, rec)
	}
}

// Notify implements trading.OutcomeSink.
func (t *TriggerTap) Notify(ctx context.Context, rec models.TriggerRecord) {
	if t.next != nil {
		t.next.Notify(ctx, rec)
	}
}
