package protection

import (
	"math"
	"testing"

	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-tracker/internal/models"
)

func holding(cost float64, qty int) models.Holding {
	return models.Holding{
		SecurityID:    "1333",
		ISIN:          "INE040A01034",
		TradingSymbol: "HDFCBANK",
		Exchange:      models.NSEEquity,
		TotalQty:      qty,
		AvailableQty:  qty,
		AvgCostPrice:  cost,
	}
}

func snapshot(ltp float64) models.PriceSnapshot {
	return models.PriceSnapshot{LastPrice: ltp, Source: "test"}
}

func TestStopLossScenarios(t *testing.T) {
	s := DefaultStrategy()

	tests := []struct {
		name    string
		cost    float64
		current float64
		want    float64
		tier    string
	}{
		{"profit lock 35", 100, 150, 135.00, "profit-lock-35"},
		{"profit lock 20", 100, 135, 120.00, "profit-lock-20"},
		{"profit lock 12", 100, 125, 112.00, "profit-lock-12"},
		{"profit lock 5", 100, 110, 105.00, "profit-lock-5"},
		{"profit lock 2", 100, 107, 102.00, "profit-lock-2"},
		{"breakeven", 100, 102, 100.00, TierBreakeven},
		{"loss ceiling", 100, 95, 90.00, TierLossCeiling},
		{"deep loss", 100, 70, 66.50, TierDeepLoss},
		{"no cost data", 0, 50, 47.50, TierNoCostData},
		{"negative cost", -5, 50, 47.50, TierNoCostData},
		{"flat position clamps", 100, 100, 95.00, TierSafetyFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := StopLoss(tt.cost, tt.current, s)
			assert.InDelta(t, tt.want, q.Price, 1e-9)
			assert.Equal(t, tt.tier, q.Tier)
			assert.Less(t, q.Price, tt.current)
		})
	}
}

func TestStopLossRejectsUnusablePrice(t *testing.T) {
	s := DefaultStrategy()
	for _, current := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		q := StopLoss(100, current, s)
		assert.Zero(t, q.Price)
	}
}

func TestSafetyClampAppliesToEveryTier(t *testing.T) {
	// A lock above the current profit would trigger immediately.
	aggressive := DefaultStrategy()
	aggressive.Tiers = []Tier{{MinPnLPct: 0, LockPct: 60}}
	q := StopLoss(100, 150, aggressive)
	assert.Equal(t, TierSafetyFallback, q.Tier)
	assert.InDelta(t, 142.50, q.Price, 1e-9)

	// And for a deep-loss cut of zero.
	flat := DefaultStrategy()
	flat.DeepLossPct = 0
	q = StopLoss(100, 70, flat)
	assert.Equal(t, TierSafetyFallback, q.Tier)
	assert.InDelta(t, 66.50, q.Price, 1e-9)
}

func TestTargetPrice(t *testing.T) {
	s := DefaultStrategy()
	assert.InDelta(t, 180.00, TargetPrice(150, s), 1e-9)
	assert.Zero(t, TargetPrice(150, s.WithoutTarget()))
	assert.Zero(t, TargetPrice(0, s))
}

func TestDecide(t *testing.T) {
	s := DefaultStrategy()
	s.MinQuantity = 2
	s.MinValue = 500
	existing := &models.ExistingOrder{OrderID: "112233", SecurityID: "1333", StopPrice: 95}

	tests := []struct {
		name     string
		h        models.Holding
		ltp      float64
		existing *models.ExistingOrder
		force    bool
		kind     models.ActionKind
		reason   string
	}{
		{"create", holding(100, 10), 150, nil, false, models.ActionCreate, ""},
		{"already protected", holding(100, 10), 150, existing, false, models.ActionNoOp, ReasonAlreadyProtected},
		{"force modifies", holding(100, 10), 150, existing, true, models.ActionModify, ""},
		{"zero ltp", holding(100, 10), 0, nil, false, models.ActionNoOp, ReasonInvalidLTP},
		{"zero ltp with existing", holding(100, 10), 0, existing, true, models.ActionNoOp, ReasonInvalidLTP},
		{"min quantity", holding(100, 1), 1000, nil, false, models.ActionNoOp, ReasonBelowMinQuantity},
		{"min value", holding(10, 5), 20, nil, false, models.ActionNoOp, ReasonBelowMinValue},
		{"sub-tick trigger", holding(0.01, 100000), 0.01, nil, false, models.ActionNoOp, ReasonNonPositiveStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Decide(tt.h, snapshot(tt.ltp), tt.existing, s, tt.force)
			require.Equal(t, tt.kind, a.Kind, a.String())
			if tt.reason != "" {
				assert.Contains(t, a.Reason, tt.reason)
			}
			switch a.Kind {
			case models.ActionCreate:
				require.NotNil(t, a.Intent)
				assert.Empty(t, a.OrderID)
				assert.Equal(t, tt.h.AvailableQty, a.Intent.Quantity)
				assert.Greater(t, a.Intent.TriggerPrice, 0.0)
			case models.ActionModify:
				require.NotNil(t, a.Intent)
				assert.Equal(t, tt.existing.OrderID, a.OrderID)
			case models.ActionNoOp:
				assert.Nil(t, a.Intent)
			}
		})
	}
}

func TestDecideModifyWithUnchangedPrice(t *testing.T) {
	// The engine still reports Modify when the recomputed stop equals the resting
	// one; skipping the broker call is the reconciler's job.
	s := DefaultStrategy()
	existing := &models.ExistingOrder{OrderID: "9001", SecurityID: "1333", StopPrice: 95}
	a := Decide(holding(0, 10), snapshot(100), existing, s, true)

	require.Equal(t, models.ActionModify, a.Kind)
	assert.InDelta(t, 95.00, a.Intent.TriggerPrice, 1e-9)
	assert.InDelta(t, 0, PriceDelta(existing.StopPrice, a.Intent.TriggerPrice), 1e-12)
}

// Property: every decision is exactly one of NoOp, Create or Modify, and a
// Create or Modify always carries a positive trigger below the last price.
func TestProperty_DecisionIsExclusive(t *testing.T) {
	properties := newProperties()
	s := DefaultStrategy()

	properties.Property("exactly one action kind", prop.ForAll(
		func(cost, ltp float64, qty int, hasExisting, force bool) bool {
			var existing *models.ExistingOrder
			if hasExisting {
				existing = &models.ExistingOrder{OrderID: "1", SecurityID: "1333"}
			}
			a := Decide(holding(cost, qty), snapshot(ltp), existing, s, force)
			switch a.Kind {
			case models.ActionNoOp:
				return a.Intent == nil && a.OrderID == "" && a.Reason != ""
			case models.ActionCreate:
				return existing == nil && a.OrderID == "" &&
					a.Intent.TriggerPrice > 0 && a.Intent.TriggerPrice < ltp
			case models.ActionModify:
				return existing != nil && force && a.OrderID == "1" &&
					a.Intent.TriggerPrice > 0 && a.Intent.TriggerPrice < ltp
			}
			return false
		},
		gen.Float64Range(-10, 5000),
		gen.Float64Range(-10, 5000),
		gen.IntRange(-5, 500),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestStrategyValidate(t *testing.T) {
	require.NoError(t, DefaultStrategy().Validate())

	bad := DefaultStrategy()
	bad.Tiers = []Tier{{MinPnLPct: 10, LockPct: 5}, {MinPnLPct: 20, LockPct: 12}, {MinPnLPct: 0}}
	assert.Error(t, bad.Validate())

	noFloor := DefaultStrategy()
	noFloor.Tiers = []Tier{{MinPnLPct: 10, LockPct: 5}}
	assert.Error(t, noFloor.Validate())

	lockAboveProfit := DefaultStrategy()
	lockAboveProfit.Tiers = []Tier{{MinPnLPct: 10, LockPct: 15}, {MinPnLPct: 0}}
	assert.Error(t, lockAboveProfit.Validate())

	unsorted := DefaultStrategy()
	unsorted.Tiers = []Tier{{MinPnLPct: 0}, {MinPnLPct: 50, LockPct: 35}, {MinPnLPct: 10, LockPct: 5}}
	assert.NoError(t, unsorted.Normalize().Validate())
}

func TestTriggerTierName(t *testing.T) {
	s := DefaultStrategy()
	assert.Equal(t, "PROFIT LOCK +35%", TriggerTierName(62, s))
	assert.Equal(t, "PROFIT LOCK +2%", TriggerTierName(6, s))
	assert.Equal(t, "CAPITAL PROTECT", TriggerTierName(1, s))
	assert.Equal(t, "RECOVERY ROOM", TriggerTierName(-4, s))
	assert.Equal(t, "DAMAGE LIMIT", TriggerTierName(-25, s))
}
