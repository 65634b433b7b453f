package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-tracker/internal/models"
)

func passEvent(id string) Event {
	return Event{Kind: KindPass, Pass: &models.PassRecord{ID: id, Mode: models.ModeImmediate}}
}

func triggerEvent(orderID string) Event {
	return Event{Kind: KindTrigger, Trigger: &models.TriggerRecord{OrderID: orderID, TradingSymbol: "HDFCBANK"}}
}

// Every subscriber with room in its buffer sees every event of its kind, in
// publish order.
func TestPropertyFastSubscribersReceiveEverything(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("all subscribers receive all events", prop.ForAll(
		func(subscribers, events int) bool {
			hub := NewHubWithConfig(HubConfig{BufferSize: 64, SubscriberBufferSize: 64}, zerolog.Nop())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			hub.Start(ctx)
			defer hub.Stop()

			channels := make([]<-chan Event, subscribers)
			for i := range channels {
				channels[i] = hub.Subscribe(KindPass)
			}
			for i := 0; i < events; i++ {
				hub.Publish(passEvent(string(rune('a' + i))))
			}

			for _, ch := range channels {
				for i := 0; i < events; i++ {
					select {
					case ev := <-ch:
						if ev.Pass.ID != string(rune('a'+i)) {
							return false
						}
					case <-time.After(2 * time.Second):
						return false
					}
				}
			}
			return hub.Metrics().Delivered == uint64(subscribers*events)
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// A subscriber that never reads cannot stall publishing or starve others.
func TestPropertySlowSubscriberDoesNotBlock(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("publish returns while a subscriber is full", prop.ForAll(
		func(events int) bool {
			hub := NewHubWithConfig(HubConfig{BufferSize: 128, SubscriberBufferSize: 1}, zerolog.Nop())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			hub.Start(ctx)
			defer hub.Stop()

			_ = hub.Subscribe(KindTrigger) // never drained
			fast := hub.Subscribe(KindTrigger)

			var got int
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				timeout := time.After(2 * time.Second)
				for got < events {
					select {
					case <-fast:
						got++
					case <-timeout:
						return
					}
				}
			}()

			done := make(chan struct{})
			go func() {
				for i := 0; i < events; i++ {
					hub.Publish(triggerEvent("o"))
					time.Sleep(2 * time.Millisecond)
				}
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				return false
			}
			wg.Wait()
			m := hub.Metrics()
			return got == events && m.Dropped == uint64(events-1)
		},
		gen.IntRange(2, 30),
	))

	properties.TestingRun(t)
}

func TestSubscribeFiltersByKind(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	passes := hub.Subscribe(KindPass)
	all := hub.Subscribe()

	hub.Publish(triggerEvent("9001"))
	hub.Publish(passEvent("run-1"))

	ev := <-all
	assert.Equal(t, KindTrigger, ev.Kind)
	assert.False(t, ev.Time.IsZero())
	ev = <-all
	assert.Equal(t, KindPass, ev.Kind)

	ev = <-passes
	require.NotNil(t, ev.Pass)
	assert.Equal(t, "run-1", ev.Pass.ID)
	select {
	case extra := <-passes:
		t.Fatalf("unexpected event %v", extra.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 2, hub.Metrics().Subscribers)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ch := hub.Subscribe()
	hub.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.Metrics().Subscribers)

	// A second unsubscribe is a no-op.
	hub.Unsubscribe(ch)
}

func TestStopClosesSubscribersOnce(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Start(context.Background())
	assert.True(t, hub.IsStarted())

	ch := hub.Subscribe(KindPass, KindTrigger, KindPass)
	hub.Stop()
	hub.Stop()

	_, ok := <-ch
	assert.False(t, ok)
	assert.False(t, hub.IsStarted())
}

type recorderFunc func(models.PassRecord) error

func (f recorderFunc) SaveRun(_ context.Context, run models.PassRecord, _ []models.ProtectionResult) error {
	return f(run)
}

type sinkSpy struct {
	recorded, notified []string
}

func (s *sinkSpy) RecordTrigger(_ context.Context, rec models.TriggerRecord) {
	s.recorded = append(s.recorded, rec.OrderID)
}

func (s *sinkSpy) Notify(_ context.Context, rec models.TriggerRecord) {
	s.notified = append(s.notified, rec.OrderID)
}

func TestTapsPublishAndForward(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()
	ch := hub.Subscribe()

	var saved []string
	rec := RecordPasses(hub, recorderFunc(func(run models.PassRecord) error {
		saved = append(saved, run.ID)
		return assert.AnError
	}))
	err := rec.SaveRun(ctx, models.PassRecord{ID: "run-7", FinishedAt: time.Now()}, nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"run-7"}, saved)

	spy := &sinkSpy{}
	sink := TapTriggers(hub, spy)
	sink.RecordTrigger(ctx, models.TriggerRecord{OrderID: "5001"})
	sink.Notify(ctx, models.TriggerRecord{OrderID: "5001"})
	assert.Equal(t, []string{"5001"}, spy.recorded)
	assert.Equal(t, []string{"5001"}, spy.notified)

	ev := <-ch
	require.NotNil(t, ev.Pass)
	assert.Equal(t, "run-7", ev.Pass.ID)
	ev = <-ch
	require.NotNil(t, ev.Trigger)
	assert.Equal(t, "5001", ev.Trigger.OrderID)

	// No downstream recorder is fine.
	assert.NoError(t, RecordPasses(hub, nil).SaveRun(ctx, models.PassRecord{ID: "run-8"}, nil))
}
