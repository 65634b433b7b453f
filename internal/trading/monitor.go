package trading

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dhan-tracker/internal/broker"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/protection"
)

// TriggerMonitor detects protective stop-losses that have executed and hands
// each one to the outcome sink exactly once.
type TriggerMonitor struct {
	gateway  broker.Gateway
	store    TriggerStore
	sink     OutcomeSink
	strategy protection.Strategy
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	processed map[string]struct{}
}

// NewTriggerMonitor creates a trigger monitor. store may be nil, in which
// case only the in-memory set prevents duplicates and History is empty.
func NewTriggerMonitor(gateway broker.Gateway, store TriggerStore, sink OutcomeSink, strategy protection.Strategy, logger zerolog.Logger) *TriggerMonitor {
	return &TriggerMonitor{
		gateway:   gateway,
		store:     store,
		sink:      sink,
		strategy:  strategy.Normalize(),
		logger:    logger.With().Str("component", "trigger-monitor").Logger(),
		now:       time.Now,
		processed: make(map[string]struct{}),
	}
}

// Check scans the order book for executed SELL stop-losses not seen before,
// records them and returns the new ones.
func (m *TriggerMonitor) Check(ctx context.Context) ([]models.TriggerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders, err := m.gateway.ListPlainOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}

	var fresh []models.RawOrder
	for _, o := range orders {
		if !o.IsExecutedStopLoss() {
			continue
		}
		if _, seen := m.processed[o.OrderID]; seen {
			continue
		}
		if m.store != nil {
			exists, err := m.store.TriggerExists(ctx, o.OrderID)
			if err != nil {
				m.logger.Warn().Err(err).Str("order_id", o.OrderID).Msg("Trigger lookup failed")
			} else if exists {
				m.processed[o.OrderID] = struct{}{}
				continue
			}
		}
		fresh = append(fresh, o)
	}
	if len(fresh) == 0 {
		return []models.TriggerRecord{}, nil
	}

	// Holdings are only needed for cost basis. Once a stop fills the holding
	// may be gone, which leaves P&L unknown rather than failing the check.
	costs := make(map[string]models.Holding)
	if holdings, err := m.gateway.ListHoldings(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Could not read holdings for P&L")
	} else {
		for _, h := range holdings {
			costs[h.SecurityID] = h
		}
	}

	records := make([]models.TriggerRecord, 0, len(fresh))
	for _, o := range fresh {
		rec := m.buildRecord(o, costs)
		m.processed[o.OrderID] = struct{}{}

		logging.LogTrigger(m.logger, rec)
		if m.sink != nil {
			m.sink.RecordTrigger(ctx, rec)
			m.sink.Notify(ctx, rec)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *TriggerMonitor) buildRecord(o models.RawOrder, costs map[string]models.Holding) models.TriggerRecord {
	executed := o.ExecutionPrice()
	qty := o.FilledQuantity()
	at := o.UpdatedAt
	if at.IsZero() {
		at = m.now()
	}

	rec := models.TriggerRecord{
		OrderID:         o.OrderID,
		TradingSymbol:   o.TradingSymbol,
		SecurityID:      o.SecurityID,
		TransactionType: o.TransactionType,
		Quantity:        qty,
		TriggerPrice:    o.TriggerPrice,
		ExecutedPrice:   executed,
		OrderType:       o.OrderType,
		OrderStatus:     string(o.Status),
		TriggerType:     "STOP_LOSS",
		TriggeredAt:     at,
	}

	h, ok := costs[o.SecurityID]
	if !ok {
		return rec
	}
	rec.ISIN = h.ISIN
	cost := h.AvgCostPrice
	rec.CostPrice = &cost
	if cost > 0 && executed > 0 {
		pnl := (executed - cost) * float64(qty)
		pct := (executed - cost) / cost * 100
		rec.PnLAmount = &pnl
		rec.PnLPercent = &pct
		rec.ProtectionTier = protection.TriggerTierName(pct, m.strategy)
	}
	return rec
}

// History returns recorded triggers, newest first.
func (m *TriggerMonitor) History(ctx context.Context, filter models.TriggerFilter) ([]models.TriggerRecord, error) {
	if m.store == nil {
		return []models.TriggerRecord{}, nil
	}
	return m.store.ListTriggers(ctx, filter)
}

// TriggerSummary aggregates trigger history over a period.
type TriggerSummary struct {
	PeriodDays     int                    `json:"period_days"`
	TotalTriggers  int                    `json:"total_triggers"`
	TotalPnL       float64                `json:"total_pnl"`
	ProfitTriggers int                    `json:"profit_triggers"`
	LossTriggers   int                    `json:"loss_triggers"`
	Symbols        []string               `json:"symbols"`
	Triggers       []models.TriggerRecord `json:"triggers,omitempty"`
}

// Summary aggregates the last days of trigger history. A trigger with
// unknown P&L counts as a profit trigger with zero P&L.
func (m *TriggerMonitor) Summary(ctx context.Context, days int) (*TriggerSummary, error) {
	filter := models.TriggerFilter{Limit: 1000}
	if days > 0 {
		filter.Since = m.now().AddDate(0, 0, -days)
	}
	triggers, err := m.History(ctx, filter)
	if err != nil {
		return nil, err
	}

	s := &TriggerSummary{PeriodDays: days, Symbols: []string{}, Triggers: triggers}
	symbols := make(map[string]bool)
	for _, t := range triggers {
		s.TotalTriggers++
		pnl := 0.0
		if t.PnLAmount != nil {
			pnl = *t.PnLAmount
		}
		s.TotalPnL += pnl
		if pnl >= 0 {
			s.ProfitTriggers++
		} else {
			s.LossTriggers++
		}
		if !symbols[t.TradingSymbol] {
			symbols[t.TradingSymbol] = true
			s.Symbols = append(s.Symbols, t.TradingSymbol)
		}
	}
	sort.Strings(s.Symbols)
	return s, nil
}
