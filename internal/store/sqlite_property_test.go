package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"dhan-tracker/internal/models"
)

// Property: for any trigger, saving it and listing it back produces the same
// record, and saving it twice never creates a second row.
func TestProperty_TriggerRoundTripConsistency(t *testing.T) {
	dbPath := "test_triggers_property.db"
	defer os.Remove(dbPath)
	defer os.Remove(dbPath + "-wal")
	defer os.Remove(dbPath + "-shm")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	symbols := []string{"RELIANCE", "TCS", "INFY", "HDFCBANK", "ICICIBANK", "SBIN", "BHARTIARTL", "ITC", "KOTAKBANK", "LT"}
	base := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)

	properties.Property("Trigger round-trip: save then list produces equivalent data", prop.ForAll(
		func(symbolIdx, qty int, trigger, executed, cost float64, minutes int) bool {
			ctx := context.Background()
			symbol := fmt.Sprintf("%s_%d", symbols[symbolIdx%len(symbols)], time.Now().UnixNano())
			orderID := fmt.Sprintf("%d", time.Now().UnixNano())

			pnl := (executed - cost) * float64(qty)
			rec := models.TriggerRecord{
				OrderID:         orderID,
				TradingSymbol:   symbol,
				TransactionType: models.OrderSideSell,
				Quantity:        qty,
				TriggerPrice:    trigger,
				ExecutedPrice:   executed,
				OrderType:       models.OrderTypeStopLoss,
				OrderStatus:     string(models.OrderStatusTraded),
				TriggerType:     "STOP_LOSS",
				CostPrice:       &cost,
				PnLAmount:       &pnl,
				TriggeredAt:     base.Add(time.Duration(minutes) * time.Minute),
			}

			id1, err := store.SaveTrigger(ctx, rec)
			if err != nil {
				t.Logf("save: %v", err)
				return false
			}
			id2, err := store.SaveTrigger(ctx, rec)
			if err != nil || id1 != id2 {
				return false
			}

			got, err := store.ListTriggers(ctx, models.TriggerFilter{Symbol: symbol})
			if err != nil || len(got) != 1 {
				return false
			}
			g := got[0]
			return g.OrderID == orderID &&
				g.Quantity == qty &&
				math.Abs(g.TriggerPrice-trigger) < 1e-9 &&
				math.Abs(g.ExecutedPrice-executed) < 1e-9 &&
				g.CostPrice != nil && math.Abs(*g.CostPrice-cost) < 1e-9 &&
				g.PnLAmount != nil && math.Abs(*g.PnLAmount-pnl) < 1e-6 &&
				g.TriggeredAt.Equal(rec.TriggeredAt)
		},
		gen.IntRange(0, 100),
		gen.IntRange(1, 10000),
		gen.Float64Range(1, 10000),
		gen.Float64Range(1, 10000),
		gen.Float64Range(1, 10000),
		gen.IntRange(0, 500000),
	))

	properties.TestingRun(t)
}
