// Package protection computes protective stop-loss prices and decides how to
// reconcile them with orders already resting at the broker.
//
// Everything in this package is pure: no I/O, no clocks, no shared state.
package protection

import (
	"fmt"
	"sort"
)

// Tier labels attached to computed stop prices.
const (
	TierNoCostData     = "no-cost-data"
	TierBreakeven      = "breakeven"
	TierLossCeiling    = "loss-ceiling"
	TierDeepLoss       = "deep-loss"
	TierSafetyFallback = "safety-fallback"
)

// DefaultTickSize is the minimum price increment for Indian equities.
const DefaultTickSize = 0.01

// Tier maps a minimum profit percentage to the profit percentage locked in.
type Tier struct {
	MinPnLPct float64 `mapstructure:"min_pnl_pct" json:"min_pnl_pct"`
	LockPct   float64 `mapstructure:"lock_pct" json:"lock_pct"`
}

// Label returns the tier's observability label.
func (t Tier) Label() string {
	if t.LockPct == 0 {
		return TierBreakeven
	}
	return fmt.Sprintf("profit-lock-%s", trimFloat(t.LockPct))
}

// Strategy is the tuning table for stop-loss and target computation.
type Strategy struct {
	Tiers             []Tier  `mapstructure:"tiers" json:"tiers"`
	MaxLossPct        float64 `mapstructure:"max_loss_pct" json:"max_loss_pct"`
	DeepLossPct       float64 `mapstructure:"deep_loss_pct" json:"deep_loss_pct"`
	SafetyFallbackPct float64 `mapstructure:"safety_fallback_pct" json:"safety_fallback_pct"`
	TargetPct         float64 `mapstructure:"target_pct" json:"target_pct"`
	TrailingJump      float64 `mapstructure:"trailing_jump" json:"trailing_jump"`
	MinQuantity       int     `mapstructure:"min_quantity" json:"min_quantity"`
	MinValue          float64 `mapstructure:"min_value" json:"min_value"`
	TickSize          float64 `mapstructure:"tick_size" json:"tick_size"`
}

// DefaultTiers returns the standard profit-lock table, highest threshold first.
func DefaultTiers() []Tier {
	return []Tier{
		{MinPnLPct: 50, LockPct: 35},
		{MinPnLPct: 30, LockPct: 20},
		{MinPnLPct: 20, LockPct: 12},
		{MinPnLPct: 10, LockPct: 5},
		{MinPnLPct: 5, LockPct: 2},
		{MinPnLPct: 0, LockPct: 0},
	}
}

// DefaultStrategy returns the strategy used when nothing is configured.
func DefaultStrategy() Strategy {
	return Strategy{
		Tiers:             DefaultTiers(),
		MaxLossPct:        10,
		DeepLossPct:       5,
		SafetyFallbackPct: 5,
		TargetPct:         20,
		TrailingJump:      0,
		MinQuantity:       1,
		MinValue:          0,
		TickSize:          DefaultTickSize,
	}
}

// WithoutTarget returns a copy of s with the target leg disabled.
func (s Strategy) WithoutTarget() Strategy {
	s.TargetPct = 0
	return s
}

// Normalize sorts the tier table by descending threshold and fills zero values
// that have a meaningful default.
func (s Strategy) Normalize() Strategy {
	tiers := make([]Tier, len(s.Tiers))
	copy(tiers, s.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinPnLPct > tiers[j].MinPnLPct
	})
	s.Tiers = tiers
	if s.TickSize <= 0 {
		s.TickSize = DefaultTickSize
	}
	if s.SafetyFallbackPct <= 0 {
		s.SafetyFallbackPct = 5
	}
	return s
}

// Validate checks that the strategy is usable.
func (s Strategy) Validate() error {
	if len(s.Tiers) == 0 {
		return fmt.Errorf("at least one profit tier is required")
	}
	for i, t := range s.Tiers {
		if t.MinPnLPct < 0 {
			return fmt.Errorf("tier %d: min_pnl_pct must be non-negative", i)
		}
		if t.LockPct < 0 || (t.MinPnLPct > 0 && t.LockPct >= t.MinPnLPct) || (t.MinPnLPct == 0 && t.LockPct != 0) {
			return fmt.Errorf("tier %d: lock_pct %.2f must be in [0, min_pnl_pct)", i, t.LockPct)
		}
		if i > 0 && t.MinPnLPct >= s.Tiers[i-1].MinPnLPct {
			return fmt.Errorf("tier %d: thresholds must be strictly descending", i)
		}
	}
	if last := s.Tiers[len(s.Tiers)-1]; last.MinPnLPct != 0 {
		return fmt.Errorf("the last tier must start at 0%% profit, got %.2f", last.MinPnLPct)
	}
	if s.MaxLossPct <= 0 || s.MaxLossPct >= 100 {
		return fmt.Errorf("max_loss_pct must be in (0, 100)")
	}
	if s.DeepLossPct <= 0 || s.DeepLossPct >= 100 {
		return fmt.Errorf("deep_loss_pct must be in (0, 100)")
	}
	if s.SafetyFallbackPct <= 0 || s.SafetyFallbackPct >= 100 {
		return fmt.Errorf("safety_fallback_pct must be in (0, 100)")
	}
	if s.TargetPct < 0 {
		return fmt.Errorf("target_pct must be non-negative")
	}
	if s.TrailingJump < 0 {
		return fmt.Errorf("trailing_jump must be non-negative")
	}
	if s.MinQuantity < 0 || s.MinValue < 0 {
		return fmt.Errorf("minimum filters must be non-negative")
	}
	if s.TickSize <= 0 {
		return fmt.Errorf("tick_size must be positive")
	}
	return nil
}

// TriggerTierName classifies the realized P&L of an executed stop-loss into
// the names used in trigger history.
func TriggerTierName(pnlPct float64, s Strategy) string {
	if pnlPct >= 0 {
		for _, t := range s.Tiers {
			if pnlPct >= t.MinPnLPct {
				if t.LockPct == 0 {
					return "CAPITAL PROTECT"
				}
				return fmt.Sprintf("PROFIT LOCK +%s%%", trimFloat(t.LockPct))
			}
		}
		return "CAPITAL PROTECT"
	}
	if pnlPct >= -s.MaxLossPct {
		return "RECOVERY ROOM"
	}
	return "DAMAGE LIMIT"
}

func trimFloat(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
