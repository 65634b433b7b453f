package trading

import (
	"context"
	"fmt"
	"time"

	"dhan-tracker/internal/models"
)

// summaryTimeout bounds the shared summary round trip.
const summaryTimeout = 30 * time.Second

// Summary reports how much of the portfolio rests under a protective order of
// either family. Concurrent callers share one broker round trip. The shared
// work is detached from any single caller, so one caller going away does not
// fail the others; each caller still stops waiting when its own ctx ends.
func (r *Reconciler) Summary(ctx context.Context) (*models.ProtectionSummary, error) {
	ch := r.summary.DoChan("summary", func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryTimeout)
		defer cancel()
		return r.buildSummary(sctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.ProtectionSummary), nil
	}
}

func (r *Reconciler) buildSummary(ctx context.Context) (*models.ProtectionSummary, error) {
	holdings, err := r.gateway.ListHoldings(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing holdings: %w", err)
	}
	holdings = eligible(holdings)

	snaps := r.snapshots(ctx, r.logger, holdings, models.ModeImmediate)

	superOrders, err := r.gateway.ListStopOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing super orders: %w", err)
	}
	plain, err := r.gateway.ListPlainOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	active := IndexProtective(append(superOrders, plainStops(plain)...), r.logger)

	return BuildSummary(holdings, snaps, active, r.now()), nil
}

// BuildSummary classifies holdings as protected or not. Values are quantity
// times last price, or times cost when no price is known.
func BuildSummary(holdings []models.Holding, snaps models.Snapshots, active map[string]models.ExistingOrder, at time.Time) *models.ProtectionSummary {
	s := &models.ProtectionSummary{
		TotalHoldings: len(holdings),
		Protected:     []models.Holding{},
		Unprotected:   []models.Holding{},
		ActiveOrders:  make(map[string]models.ExistingOrder),
		LastPrices:    make(map[string]float64, len(holdings)),
		GeneratedAt:   at,
	}

	for _, h := range holdings {
		price := snaps.LastPrice(h.SecurityID)
		s.LastPrices[h.SecurityID] = price
		if price <= 0 {
			price = h.AvgCostPrice
		}
		value := float64(h.AvailableQty) * price
		s.TotalValue += value

		if o, ok := active[h.SecurityID]; ok {
			s.Protected = append(s.Protected, h)
			s.ProtectedValue += value
			s.ActiveOrders[h.SecurityID] = o
			continue
		}
		s.Unprotected = append(s.Unprotected, h)
		s.UnprotectedValue += value
	}

	s.ProtectedCount = len(s.Protected)
	s.UnprotectedCount = len(s.Unprotected)
	if s.TotalValue > 0 {
		s.ProtectionPercent = s.ProtectedValue / s.TotalValue * 100
	}
	return s
}
