// Package quote provides last-price and historical market data for holdings,
// with ordered fallback across providers.
package quote

import (
	"context"
	"time"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/resilience"
)

// DefaultLookbackDays covers 52 weeks of daily candles.
const DefaultLookbackDays = 365

// Extremes summarises a window of daily candles.
type Extremes struct {
	High52W     float64   `json:"high_52w"`
	Low52W      float64   `json:"low_52w"`
	LatestClose float64   `json:"latest_close"`
	DMA200      *float64  `json:"dma_200,omitempty"` // nil with fewer than 200 sessions
	DataPoints  int       `json:"data_points"`
	AsOf        time.Time `json:"as_of"`
}

// Provider returns market data for an instrument. Failures are
// *errors.QuoteError; a provider without history returns errors.ErrUnsupported
// from HistoricalExtremes.
type Provider interface {
	Name() string
	LastPrice(ctx context.Context, inst models.Instrument) (float64, error)
	HistoricalExtremes(ctx context.Context, inst models.Instrument, lookbackDays int) (*Extremes, error)
}

// Chain tries providers in order; the first success wins.
type Chain struct {
	providers []Provider
}

// FirstSuccess combines providers into one that returns the first usable
// answer and otherwise every provider's error.
func FirstSuccess(providers ...Provider) *Chain {
	ps := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &Chain{providers: ps}
}

// Name implements Provider.
func (c *Chain) Name() string {
	name := "chain("
	for i, p := range c.providers {
		if i > 0 {
			name += ","
		}
		name += p.Name()
	}
	return name + ")"
}

// LastPrice implements Provider. A non-positive price counts as a failure.
func (c *Chain) LastPrice(ctx context.Context, inst models.Instrument) (float64, error) {
	price, _, err := c.LastPriceFrom(ctx, inst)
	return price, err
}

// LastPriceFrom is LastPrice that also names the provider that answered.
func (c *Chain) LastPriceFrom(ctx context.Context, inst models.Instrument) (float64, string, error) {
	var errs []error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return 0, "", err
		}
		price, err := p.LastPrice(ctx, inst)
		if err == nil && price > 0 {
			return price, p.Name(), nil
		}
		if err == nil {
			err = apperrors.NewQuoteError(p.Name(), inst.Symbol, "non-positive price", nil)
		}
		errs = append(errs, err)
	}
	return 0, "", c.failure(inst, errs)
}

// HistoricalExtremes implements Provider.
func (c *Chain) HistoricalExtremes(ctx context.Context, inst models.Instrument, lookbackDays int) (*Extremes, error) {
	var errs []error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ext, err := p.HistoricalExtremes(ctx, inst, lookbackDays)
		if err == nil && ext != nil {
			return ext, nil
		}
		if apperrors.Is(err, apperrors.ErrUnsupported) {
			continue
		}
		errs = append(errs, err)
	}
	return nil, c.failure(inst, errs)
}

func (c *Chain) failure(inst models.Instrument, errs []error) error {
	if len(errs) == 0 {
		return apperrors.NewQuoteError(c.Name(), inst.Symbol, "no provider available", nil)
	}
	return apperrors.NewQuoteError(c.Name(), inst.Symbol, "all providers failed", apperrors.Join(errs...))
}

// guarded runs a provider behind a circuit breaker.
type guarded struct {
	Provider
	cb *resilience.CircuitBreaker
}

// Guard wraps p so that a run of failures short-circuits further calls until
// the breaker cools down.
func Guard(p Provider, cb *resilience.CircuitBreaker) Provider {
	return &guarded{Provider: p, cb: cb}
}

func (g *guarded) LastPrice(ctx context.Context, inst models.Instrument) (float64, error) {
	price, err := resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (float64, error) {
		return g.Provider.LastPrice(ctx, inst)
	})
	if apperrors.Is(err, apperrors.ErrCircuitOpen) {
		return 0, apperrors.NewQuoteError(g.Name(), inst.Symbol, "provider circuit open", err)
	}
	return price, err
}

func (g *guarded) HistoricalExtremes(ctx context.Context, inst models.Instrument, lookbackDays int) (*Extremes, error) {
	ext, err := resilience.ExecuteWithResult(g.cb, ctx, func(ctx context.Context) (*Extremes, error) {
		ext, err := g.Provider.HistoricalExtremes(ctx, inst, lookbackDays)
		if apperrors.Is(err, apperrors.ErrUnsupported) {
			// Not an outage.
			return nil, nil
		}
		return ext, err
	})
	if err == nil && ext == nil {
		return nil, apperrors.ErrUnsupported
	}
	if apperrors.Is(err, apperrors.ErrCircuitOpen) {
		return nil, apperrors.NewQuoteError(g.Name(), inst.Symbol, "provider circuit open", err)
	}
	return ext, err
}
