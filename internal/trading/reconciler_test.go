package trading

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-tracker/internal/broker"
	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/protection"
	"dhan-tracker/internal/quote"
	"dhan-tracker/internal/security"
	"dhan-tracker/pkg/utils"
)

func holding(id, symbol string, cost float64, qty int) models.Holding {
	return models.Holding{
		SecurityID:    id,
		ISIN:          "INE" + id,
		TradingSymbol: symbol,
		Exchange:      models.NSEEquity,
		TotalQty:      qty,
		DPQty:         qty,
		AvailableQty:  qty,
		AvgCostPrice:  cost,
	}
}

func newPaper(prices map[string]float64, holdings ...models.Holding) *broker.PaperGateway {
	g := broker.NewPaperGateway()
	for _, h := range holdings {
		g.SetHolding(h)
	}
	for id, p := range prices {
		g.SetPrice(id, p)
	}
	return g
}

func newTestReconciler(g broker.Gateway, quotes quote.Provider) *Reconciler {
	r := NewReconciler(g, quotes, DefaultConfig(), zerolog.Nop())
	r.now = func() time.Time { return time.Date(2026, 10, 19, 18, 0, 0, 0, utils.IndiaLocation) }
	return r
}

type fixedQuotes struct {
	name   string
	prices map[string]float64
	ext    map[string]*quote.Extremes
}

func (f *fixedQuotes) Name() string { return f.name }

func (f *fixedQuotes) LastPrice(_ context.Context, inst models.Instrument) (float64, error) {
	if p, ok := f.prices[inst.SecurityID]; ok {
		return p, nil
	}
	return 0, apperrors.NewQuoteError(f.name, inst.Symbol, "no quote", nil)
}

func (f *fixedQuotes) HistoricalExtremes(_ context.Context, inst models.Instrument, _ int) (*quote.Extremes, error) {
	if e, ok := f.ext[inst.SecurityID]; ok {
		return e, nil
	}
	return nil, apperrors.NewQuoteError(f.name, inst.Symbol, "no history", nil)
}

func resultFor(t *testing.T, results []models.ProtectionResult, symbol string) models.ProtectionResult {
	t.Helper()
	for _, r := range results {
		if r.Holding.TradingSymbol == symbol {
			return r
		}
	}
	t.Fatalf("no result for %s", symbol)
	return models.ProtectionResult{}
}

func TestRunCreatesSuperOrders(t *testing.T) {
	idle := holding("3045", "SBIN", 600, 0)
	idle.TotalQty = 5
	g := newPaper(map[string]float64{"1333": 150, "11536": 70},
		holding("1333", "HDFCBANK", 100, 10),
		holding("11536", "TCS", 100, 4),
		idle,
	)

	results, err := newTestReconciler(g, nil).Run(context.Background(), RunOptions{Mode: models.ModeImmediate})
	require.NoError(t, err)
	require.Len(t, results, 2, "holdings without available quantity are not reconciled")

	hdfc := resultFor(t, results, "HDFCBANK")
	assert.True(t, hdfc.Success, hdfc.Message)
	assert.Equal(t, models.ActionCreate, hdfc.Action)
	assert.Equal(t, 135.0, hdfc.StopLossPrice)
	assert.Equal(t, 180.0, hdfc.TargetPrice)
	assert.Equal(t, "profit-lock-35", hdfc.Tier)
	assert.NotEmpty(t, hdfc.OrderID)

	tcs := resultFor(t, results, "TCS")
	assert.Equal(t, 66.5, tcs.StopLossPrice)
	assert.Equal(t, protection.TierDeepLoss, tcs.Tier)

	orders, err := g.ListStopOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.True(t, strings.HasPrefix(o.CorrelationID, "sp-"), o.CorrelationID)
		assert.LessOrEqual(t, len(o.CorrelationID), 20)
	}
	assert.Equal(t, 2, g.Calls("CreateBracketOrder"))

	tally := models.TallyResults(results)
	assert.Equal(t, models.Tally{Total: 2, Succeeded: 2}, tally)
}

func TestRunIsIdempotentWhenForced(t *testing.T) {
	g := newPaper(map[string]float64{"1333": 150}, holding("1333", "HDFCBANK", 100, 10))
	r := newTestReconciler(g, nil)

	_, err := r.Run(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	first := g.MutationCount()
	require.Equal(t, 1, first)

	results, err := r.Run(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, first, g.MutationCount(), "second pass must not touch the exchange")
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionModify, results[0].Action)
	assert.True(t, results[0].Success)
	assert.Contains(t, results[0].Message, "no change needed")
}

func TestRunForceModifiesMovedStop(t *testing.T) {
	g := newPaper(map[string]float64{"1333": 125}, holding("1333", "HDFCBANK", 100, 10))
	r := newTestReconciler(g, nil)

	_, err := r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	g.SetPrice("1333", 135)
	results, err := r.Run(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, results[0].Message)
	assert.Equal(t, models.ActionModify, results[0].Action)
	assert.Equal(t, 2, g.Calls("ModifyBracketLeg"), "stop leg and target leg")
	assert.Equal(t, 1, g.Calls("CreateBracketOrder"))

	orders, _ := g.ListStopOrders(context.Background())
	require.Len(t, orders, 1)
	assert.Equal(t, 120.0, orders[0].StopPrice)
	assert.Equal(t, 162.0, orders[0].TargetPrice)
}

func TestRunWithoutForceKeepsExisting(t *testing.T) {
	g := newPaper(map[string]float64{"1333": 150}, holding("1333", "HDFCBANK", 100, 10))
	id := g.AddStopOrder(models.ExistingOrder{SecurityID: "1333", TradingSymbol: "HDFCBANK", StopPrice: 95, Quantity: 10})

	results, err := newTestReconciler(g, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, models.ActionNoOp, res.Action)
	assert.True(t, res.Success)
	assert.False(t, res.Skipped)
	assert.Equal(t, id, res.OrderID)
	assert.Equal(t, 95.0, res.StopLossPrice)
	assert.Contains(t, res.Message, protection.ReasonAlreadyProtected)
	assert.Zero(t, g.MutationCount())
}

func TestRunSkipsUnchangedModify(t *testing.T) {
	// Unknown cost at 100 recomputes the resting 95.00 stop and 120.00 target.
	g := newPaper(map[string]float64{"1333": 100}, holding("1333", "HDFCBANK", 0, 10))
	g.AddStopOrder(models.ExistingOrder{SecurityID: "1333", TradingSymbol: "HDFCBANK", StopPrice: 95, TargetPrice: 120, Quantity: 10})

	results, err := newTestReconciler(g, nil).Run(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionModify, results[0].Action)
	assert.True(t, results[0].Success)
	assert.Zero(t, g.MutationCount())
}

func TestRunAuthErrorIsTerminal(t *testing.T) {
	g := newPaper(map[string]float64{"1": 150, "2": 150, "3": 150},
		holding("1", "AAA", 100, 10),
		holding("2", "BBB", 100, 10),
		holding("3", "CCC", 100, 10),
	)
	g.FailOn("CreateBracketOrder", apperrors.NewBrokerError("DH-901", "Invalid access token", 401, nil))

	var audit bytes.Buffer
	r := newTestReconciler(g, nil).WithAudit(security.NewAuditLoggerWithWriter(nopCloser{&audit}))
	r.cfg.SubmitConcurrency = 1

	results, err := r.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthError(err))
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.Len(t, results, 3)
	assert.Equal(t, 1, g.Calls("CreateBracketOrder"), "no further mutations after a 401")
	for _, res := range results {
		assert.False(t, res.Success)
		assert.False(t, res.Skipped)
	}
	assert.Contains(t, audit.String(), string(security.AuditAuthFailed))
	assert.Contains(t, audit.String(), string(security.AuditPassCompleted))
}

func TestRunBrokerFailureIsPerInstrument(t *testing.T) {
	g := newPaper(map[string]float64{"1": 150, "2": 150},
		holding("1", "AAA", 100, 10),
		holding("2", "BBB", 100, 10),
	)
	g.FailOn("CreateBracketOrder", apperrors.NewBrokerError("DH-906", "Order rejected", 400, nil))

	results, err := newTestReconciler(g, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Calls("CreateBracketOrder"))
	assert.Equal(t, models.Tally{Total: 2, Failed: 2}, models.TallyResults(results))
	assert.Contains(t, results[0].Message, "Order rejected")
}

func TestRunHoldingsFailureIsTotal(t *testing.T) {
	g := newPaper(nil)
	g.FailOn("ListHoldings", apperrors.NewBrokerError("HTTP_500", "down", 500, nil))

	results, err := newTestReconciler(g, nil).Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Nil(t, results)
}

func TestRunPassGuard(t *testing.T) {
	g := newPaper(nil)
	r := newTestReconciler(g, nil)

	r.pass.Lock()
	_, err := r.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrPassInProgress)
	_, err = r.CancelAll(context.Background(), models.ModeImmediate)
	assert.ErrorIs(t, err, apperrors.ErrPassInProgress)
	r.pass.Unlock()

	_, err = r.Run(context.Background(), RunOptions{})
	assert.NoError(t, err)
}

func TestRunFallsBackToQuoteProviders(t *testing.T) {
	g := newPaper(nil,
		holding("1", "AAA", 100, 10),
		holding("2", "BBB", 100, 10),
	)
	quotes := &fixedQuotes{name: "nse", prices: map[string]float64{"1": 102}}

	results, err := newTestReconciler(g, quotes).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	aaa := resultFor(t, results, "AAA")
	assert.True(t, aaa.Success)
	assert.Equal(t, 102.0, aaa.LTP)
	assert.Equal(t, 100.0, aaa.StopLossPrice)
	assert.Equal(t, protection.TierBreakeven, aaa.Tier)

	bbb := resultFor(t, results, "BBB")
	assert.True(t, bbb.Skipped)
	assert.Contains(t, bbb.Message, protection.ReasonInvalidLTP)
	assert.Equal(t, 1, g.Calls("CreateBracketOrder"))
}

func TestRunDryRunMakesNoMutations(t *testing.T) {
	g := newPaper(map[string]float64{"1333": 150}, holding("1333", "HDFCBANK", 100, 10))

	results, err := newTestReconciler(g, nil).Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Contains(t, results[0].Message, "dry run")
	assert.Zero(t, g.MutationCount())
}

type panickyGateway struct {
	*broker.PaperGateway
}

func (panickyGateway) CreateBracketOrder(context.Context, broker.BracketRequest) (*broker.OrderResult, error) {
	panic("boom")
}

func TestRunRecoversFromPanics(t *testing.T) {
	g := newPaper(map[string]float64{"1": 150}, holding("1", "AAA", 100, 10))

	results, err := newTestReconciler(panickyGateway{g}, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Message, "internal error: boom")
}

func TestRunAMOCreatesStopOrders(t *testing.T) {
	g := newPaper(nil, holding("1333", "HDFCBANK", 100, 10), holding("2885", "RELIANCE", 100, 5))
	dma := 140.0
	history := &fixedQuotes{name: "upstox", ext: map[string]*quote.Extremes{
		"1333": {High52W: 160, Low52W: 90, LatestClose: 150, DMA200: &dma},
	}}
	quotes := &fixedQuotes{name: "nse", prices: map[string]float64{"2885": 95}}

	r := newTestReconciler(g, quotes).WithHistory(history)
	results, err := r.Run(context.Background(), RunOptions{Mode: models.ModeAMO, AMOTime: models.AMOPreOpen})
	require.NoError(t, err)
	require.Len(t, results, 2)

	hdfc := resultFor(t, results, "HDFCBANK")
	assert.True(t, hdfc.Success, hdfc.Message)
	assert.Equal(t, 150.0, hdfc.LTP)
	assert.Equal(t, 135.0, hdfc.StopLossPrice)
	assert.Zero(t, hdfc.TargetPrice, "after-market stops carry no target")

	rel := resultFor(t, results, "RELIANCE")
	assert.True(t, rel.Success, rel.Message)
	assert.Equal(t, 95.0, rel.LTP)
	assert.Equal(t, 90.0, rel.StopLossPrice)

	orders, err := g.ListPlainOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.True(t, o.AfterMarket)
		assert.Equal(t, models.AMOPreOpen, o.AMOTime)
		assert.Equal(t, models.OrderTypeStopLossM, o.OrderType)
		assert.Equal(t, "amo-"+o.SecurityID+"-20261019", o.CorrelationID)
	}
	assert.Zero(t, g.Calls("CreateBracketOrder"))
}

func TestRunAMOModifyFailureDoesNotCreate(t *testing.T) {
	g := newPaper(nil, holding("1333", "HDFCBANK", 100, 10))
	g.AddPlainOrder(models.RawOrder{
		SecurityID:      "1333",
		TradingSymbol:   "HDFCBANK",
		TransactionType: models.OrderSideSell,
		OrderType:       models.OrderTypeStopLossM,
		Status:          models.OrderStatusPending,
		Quantity:        10,
		TriggerPrice:    90,
		AfterMarket:     true,
	})
	g.FailOn("ModifyOrder", apperrors.NewBrokerError("DH-906", "modification not allowed", 400, nil))
	quotes := &fixedQuotes{name: "nse", prices: map[string]float64{"1333": 150}}

	results, err := newTestReconciler(g, quotes).Run(context.Background(), RunOptions{Mode: models.ModeAMO, Force: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, models.ActionModify, results[0].Action)
	assert.Equal(t, 1, g.Calls("ModifyOrder"))
	assert.Zero(t, g.Calls("CreateStopOrder"))
}

func TestRunAMORejectsUnknownSlot(t *testing.T) {
	g := newPaper(nil)
	_, err := newTestReconciler(g, nil).Run(context.Background(), RunOptions{Mode: models.ModeAMO, AMOTime: "LUNCH"})
	var cfgErr *apperrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestIndexProtectiveTieBreak(t *testing.T) {
	t0 := time.Date(2026, 10, 19, 9, 20, 0, 0, utils.IndiaLocation)
	orders := []models.ExistingOrder{
		{OrderID: "500", SecurityID: "1333", TradingSymbol: "HDFCBANK", TransactionType: models.OrderSideSell, Status: models.OrderStatusPending, CreatedAt: t0},
		{OrderID: "700", SecurityID: "1333", TradingSymbol: "HDFCBANK", TransactionType: models.OrderSideSell, Status: models.OrderStatusPending, CreatedAt: t0.Add(time.Minute)},
		{OrderID: "900", SecurityID: "1333", TradingSymbol: "HDFCBANK", TransactionType: models.OrderSideSell, Status: models.OrderStatusTraded, CreatedAt: t0.Add(time.Hour)},
		{OrderID: "650", SecurityID: "1333", TradingSymbol: "HDFCBANK", TransactionType: models.OrderSideSell, Status: models.OrderStatusTransit, CreatedAt: t0.Add(time.Minute)},
		{OrderID: "800", SecurityID: "2885", TransactionType: models.OrderSideBuy, Status: models.OrderStatusPending},
	}

	var buf bytes.Buffer
	index := IndexProtective(orders, zerolog.New(&buf))
	require.Len(t, index, 1)
	assert.Equal(t, "700", index["1333"].OrderID, "latest creation, then highest id")
	assert.Contains(t, buf.String(), "Multiple protective orders")
	assert.Contains(t, buf.String(), `"canonical_order":"700"`)
}

func TestCancelAll(t *testing.T) {
	g := newPaper(nil, holding("1333", "HDFCBANK", 100, 10))
	g.AddStopOrder(models.ExistingOrder{SecurityID: "1333", StopPrice: 90})
	g.AddStopOrder(models.ExistingOrder{SecurityID: "1333", StopPrice: 92})
	g.AddStopOrder(models.ExistingOrder{SecurityID: "9999", StopPrice: 10})

	n, err := newTestReconciler(g, nil).CancelAll(context.Background(), models.ModeImmediate)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, g.Calls("CancelBracketOrder"))
}

func TestCancelAllAMO(t *testing.T) {
	g := newPaper(nil, holding("1333", "HDFCBANK", 100, 10))
	g.AddPlainOrder(models.RawOrder{
		SecurityID: "1333", TransactionType: models.OrderSideSell,
		OrderType: models.OrderTypeStopLossM, Status: models.OrderStatusTransit, Quantity: 10, TriggerPrice: 90,
	})
	g.AddPlainOrder(models.RawOrder{
		SecurityID: "1333", TransactionType: models.OrderSideSell,
		OrderType: models.OrderTypeLimit, Status: models.OrderStatusPending, Quantity: 10, Price: 200,
	})

	n, err := newTestReconciler(g, nil).CancelAll(context.Background(), models.ModeAMO)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSummary(t *testing.T) {
	g := newPaper(map[string]float64{"1": 200},
		holding("1", "AAA", 100, 10),
		holding("2", "BBB", 50, 20),
	)
	g.AddStopOrder(models.ExistingOrder{SecurityID: "1", TradingSymbol: "AAA", StopPrice: 170})

	s, err := newTestReconciler(g, nil).Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalHoldings)
	assert.Equal(t, 1, s.ProtectedCount)
	assert.Equal(t, 1, s.UnprotectedCount)
	assert.Equal(t, 2000.0, s.ProtectedValue)
	assert.Equal(t, 1000.0, s.UnprotectedValue, "unpriced holdings are valued at cost")
	assert.InDelta(t, 66.6667, s.ProtectionPercent, 1e-3)
	assert.Contains(t, s.ActiveOrders, "1")
}

// gatedHoldings holds ListHoldings until release is closed.
type gatedHoldings struct {
	*broker.PaperGateway
	entered chan struct{}
	release chan struct{}
}

func (g *gatedHoldings) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	g.entered <- struct{}{}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.PaperGateway.ListHoldings(ctx)
}

func TestSummarySurvivesCancelledCaller(t *testing.T) {
	g := &gatedHoldings{
		PaperGateway: newPaper(map[string]float64{"1": 200}, holding("1", "AAA", 100, 10)),
		entered:      make(chan struct{}, 4),
		release:      make(chan struct{}),
	}
	r := newTestReconciler(g, nil)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Summary(ctx)
		firstErr <- err
	}()
	<-g.entered

	type outcome struct {
		s   *models.ProtectionSummary
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		s, err := r.Summary(context.Background())
		second <- outcome{s, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// The cancelled caller returns at once, before the shared work finishes.
	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(g.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, 1, got.s.TotalHoldings)
		assert.Equal(t, 1, got.s.UnprotectedCount)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller got no summary")
	}
}

type nopCloser struct {
	*bytes.Buffer
}

func (nopCloser) Close() error { return nil }
