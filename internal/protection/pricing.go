package protection

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// StopQuote is a computed stop-loss trigger with the rule that produced it.
type StopQuote struct {
	Price  float64
	Tier   string
	PnLPct float64
}

// StopLoss computes the protective trigger price for a position bought at cost
// and currently trading at current. The result is always strictly below current
// when current is positive.
func StopLoss(cost, current float64, s Strategy) StopQuote {
	if !finite(current) || current <= 0 {
		return StopQuote{Tier: TierSafetyFallback}
	}
	cur := decimal.NewFromFloat(current)

	var (
		stop   decimal.Decimal
		tier   string
		pnlPct float64
	)

	switch {
	case !finite(cost) || cost <= 0:
		stop = belowPrice(cur, s.DeepLossPct)
		tier = TierNoCostData
	default:
		pnlPct = (current - cost) / cost * 100
		base := decimal.NewFromFloat(cost)

		switch {
		case pnlPct >= 0:
			tier = TierBreakeven
			stop = base
			for _, t := range s.Tiers {
				if t.MinPnLPct <= pnlPct {
					stop = base.Mul(one.Add(pct(t.LockPct)))
					tier = t.Label()
					break
				}
			}
		case pnlPct > -s.MaxLossPct:
			stop = belowPrice(base, s.MaxLossPct)
			tier = TierLossCeiling
		default:
			stop = belowPrice(cur, s.DeepLossPct)
			tier = TierDeepLoss
		}
	}

	if stop.GreaterThanOrEqual(cur) {
		stop = belowPrice(cur, safetyPct(s))
		tier = TierSafetyFallback
	}

	return StopQuote{
		Price:  floorToTick(stop, s.TickSize),
		Tier:   tier,
		PnLPct: pnlPct,
	}
}

// TargetPrice returns the profit target for the current price, or 0 when the
// strategy disables the target leg.
func TargetPrice(current float64, s Strategy) float64 {
	if s.TargetPct <= 0 || !finite(current) || current <= 0 {
		return 0
	}
	cur := decimal.NewFromFloat(current)
	return roundToTick(cur.Mul(one.Add(pct(s.TargetPct))), s.TickSize)
}

// RoundToTick rounds price down to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if !finite(price) {
		return 0
	}
	return floorToTick(decimal.NewFromFloat(price), tick)
}

// PriceDelta returns |a-b| computed in decimal so tick-sized differences are exact.
func PriceDelta(a, b float64) float64 {
	if !finite(a) || !finite(b) {
		return math.Inf(1)
	}
	d, _ := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Abs().Float64()
	return d
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func pct(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(hundred)
}

func belowPrice(price decimal.Decimal, p float64) decimal.Decimal {
	return price.Mul(one.Sub(pct(p)))
}

func safetyPct(s Strategy) float64 {
	if s.SafetyFallbackPct <= 0 {
		return 5
	}
	return s.SafetyFallbackPct
}

func tickOf(tick float64) decimal.Decimal {
	if tick <= 0 {
		tick = DefaultTickSize
	}
	return decimal.NewFromFloat(tick)
}

func floorToTick(price decimal.Decimal, tick float64) float64 {
	t := tickOf(tick)
	f, _ := price.Div(t).Floor().Mul(t).Float64()
	return f
}

func roundToTick(price decimal.Decimal, tick float64) float64 {
	t := tickOf(tick)
	f, _ := price.Div(t).Round(0).Mul(t).Float64()
	return f
}
