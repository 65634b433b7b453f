package trading

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dhan-tracker/internal/models"
)

// snapshots prices every holding for one pass. Immediate passes start from
// the broker's batch feed; after-market passes start from historical closes.
// Whatever is still missing is looked up per instrument. A holding that
// cannot be priced gets a zero last price, which the engine rejects.
func (r *Reconciler) snapshots(ctx context.Context, logger zerolog.Logger, holdings []models.Holding, mode models.ProtectionMode) models.Snapshots {
	snaps := make(models.Snapshots, len(holdings))

	if mode == models.ModeImmediate {
		prices, err := r.gateway.LastPrices(ctx, holdings)
		if err != nil {
			logger.Warn().Err(err).Msg("Broker LTP batch failed, falling back to quote providers")
		}
		for id, p := range prices {
			if p > 0 {
				snaps[id] = models.PriceSnapshot{LastPrice: p, Source: r.gateway.Name()}
			}
		}
	}

	var missing []models.Holding
	for _, h := range holdings {
		if _, ok := snaps[h.SecurityID]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return snaps
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)
	for _, h := range missing {
		h := h
		g.Go(func() error {
			snap := r.fetchSnapshot(gctx, logger, h, mode)
			mu.Lock()
			snaps[h.SecurityID] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return snaps
}

func (r *Reconciler) fetchSnapshot(ctx context.Context, logger zerolog.Logger, h models.Holding, mode models.ProtectionMode) models.PriceSnapshot {
	inst := h.Instrument()
	logger = logger.With().Str("symbol", h.TradingSymbol).Logger()

	if mode == models.ModeAMO && r.history != nil {
		ext, err := r.history.HistoricalExtremes(ctx, inst, r.cfg.LookbackDays)
		if err == nil && ext != nil && ext.LatestClose > 0 {
			return models.PriceSnapshot{
				LastPrice:   ext.LatestClose,
				High52W:     ext.High52W,
				Low52W:      ext.Low52W,
				LatestClose: ext.LatestClose,
				DMA200:      ext.DMA200,
				Source:      r.history.Name(),
			}
		}
		logger.Warn().Err(err).Msg("Historical data unavailable, falling back to last price")
	}

	if r.quotes == nil {
		return models.PriceSnapshot{}
	}
	price, err := r.quotes.LastPrice(ctx, inst)
	if err != nil {
		logger.Warn().Err(err).Msg("No price for holding")
		return models.PriceSnapshot{}
	}
	return models.PriceSnapshot{LastPrice: price, Source: r.quotes.Name()}
}
