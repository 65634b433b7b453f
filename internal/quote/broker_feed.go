package quote

import (
	"context"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
)

// PriceFeed is the broker capability BrokerFeed needs.
type PriceFeed interface {
	Name() string
	LastPrices(ctx context.Context, holdings []models.Holding) (map[string]float64, error)
}

// BrokerFeed serves last prices from the broker's own market feed.
type BrokerFeed struct {
	feed PriceFeed
}

// NewBrokerFeed creates a provider over a broker gateway.
func NewBrokerFeed(feed PriceFeed) *BrokerFeed {
	return &BrokerFeed{feed: feed}
}

// Name implements Provider.
func (b *BrokerFeed) Name() string { return b.feed.Name() + "-feed" }

// LastPrice implements Provider.
func (b *BrokerFeed) LastPrice(ctx context.Context, inst models.Instrument) (float64, error) {
	prices, err := b.feed.LastPrices(ctx, []models.Holding{{
		SecurityID:    inst.SecurityID,
		ISIN:          inst.ISIN,
		TradingSymbol: inst.Symbol,
		Exchange:      inst.Exchange,
	}})
	if err != nil {
		return 0, apperrors.NewQuoteError(b.Name(), inst.Symbol, "broker feed failed", err)
	}
	price, ok := prices[inst.SecurityID]
	if !ok || price <= 0 {
		return 0, apperrors.NewQuoteError(b.Name(), inst.Symbol, "no price in broker feed", apperrors.ErrSymbolNotFound)
	}
	return price, nil
}

// HistoricalExtremes implements Provider. The broker feed has no history.
func (b *BrokerFeed) HistoricalExtremes(context.Context, models.Instrument, int) (*Extremes, error) {
	return nil, apperrors.ErrUnsupported
}
