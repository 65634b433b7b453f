package quote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/resilience"
)

var hdfc = models.Instrument{
	SecurityID: "1333",
	ISIN:       "INE040A01034",
	Symbol:     "HDFCBANK",
	Exchange:   models.NSEEquity,
}

type stubProvider struct {
	name  string
	price float64
	ext   *Extremes
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) LastPrice(context.Context, models.Instrument) (float64, error) {
	s.calls++
	return s.price, s.err
}

func (s *stubProvider) HistoricalExtremes(context.Context, models.Instrument, int) (*Extremes, error) {
	s.calls++
	if s.ext == nil && s.err == nil {
		return nil, apperrors.ErrUnsupported
	}
	return s.ext, s.err
}

func TestFirstSuccessShortCircuits(t *testing.T) {
	down := &stubProvider{name: "nse", err: apperrors.NewQuoteError("nse", "HDFCBANK", "down", nil)}
	zero := &stubProvider{name: "feed"}
	up := &stubProvider{name: "upstox", price: 1612.4}
	never := &stubProvider{name: "spare", price: 1}

	chain := FirstSuccess(down, zero, up, never)
	price, from, err := chain.LastPriceFrom(context.Background(), hdfc)
	require.NoError(t, err)
	assert.Equal(t, 1612.4, price)
	assert.Equal(t, "upstox", from)
	assert.Equal(t, 1, down.calls)
	assert.Equal(t, 1, zero.calls)
	assert.Zero(t, never.calls)
	assert.Equal(t, "chain(nse,feed,upstox,spare)", chain.Name())
}

func TestFirstSuccessAggregatesErrors(t *testing.T) {
	a := &stubProvider{name: "a", err: errors.New("a failed")}
	b := &stubProvider{name: "b", err: errors.New("b failed")}

	_, err := FirstSuccess(a, b).LastPrice(context.Background(), hdfc)
	require.Error(t, err)
	var qe *apperrors.QuoteError
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
}

func TestChainHistoricalSkipsUnsupported(t *testing.T) {
	noHistory := &stubProvider{name: "nse"}
	dma := 1500.0
	withHistory := &stubProvider{name: "upstox", ext: &Extremes{High52W: 1800, Low52W: 1360, DMA200: &dma}}

	ext, err := FirstSuccess(noHistory, withHistory).HistoricalExtremes(context.Background(), hdfc, 365)
	require.NoError(t, err)
	assert.Equal(t, 1800.0, ext.High52W)

	_, err = FirstSuccess(noHistory).HistoricalExtremes(context.Background(), hdfc, 365)
	assert.ErrorIs(t, err, apperrors.ErrQuoteUnavailable)
}

func TestGuardOpensAfterFailures(t *testing.T) {
	failing := &stubProvider{name: "nse", err: apperrors.NewQuoteError("nse", "HDFCBANK", "503", nil)}
	cb := resilience.NewCircuitBreaker("nse", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         time.Hour,
	})
	p := Guard(failing, cb)

	for i := 0; i < 2; i++ {
		_, err := p.LastPrice(context.Background(), hdfc)
		require.Error(t, err)
	}
	_, err := p.LastPrice(context.Background(), hdfc)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Equal(t, 2, failing.calls)
	assert.Equal(t, "nse", p.Name())
}

func TestGuardDoesNotCountUnsupported(t *testing.T) {
	noHistory := &stubProvider{name: "nse"}
	cb := resilience.NewCircuitBreaker("nse", resilience.CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	p := Guard(noHistory, cb)

	for i := 0; i < 3; i++ {
		_, err := p.HistoricalExtremes(context.Background(), hdfc, 365)
		assert.ErrorIs(t, err, apperrors.ErrUnsupported)
	}
	assert.Equal(t, resilience.CircuitClosed, cb.State())
}

func TestNSEPrimesSessionAndPrefersClose(t *testing.T) {
	var primes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			atomic.AddInt32(&primes, 1)
			http.SetCookie(w, &http.Cookie{Name: "nsit", Value: "abc", Path: "/"})
			w.WriteHeader(http.StatusOK)
		case nseQuotePath:
			c, err := r.Cookie("nsit")
			if err != nil || c.Value != "abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "getSymbolData", r.URL.Query().Get("functionName"))
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			if r.URL.Query().Get("symbol") == "HDFCBANK" {
				_, _ = io.WriteString(w, `{"equityResponse":[{"orderBook":{"lastPrice":1611.5},"metaData":{"closePrice":1612.4}}]}`)
				return
			}
			_, _ = io.WriteString(w, `{"equityResponse":[{"orderBook":{"lastPrice":98.2},"metaData":{"closePrice":0}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewNSEProvider(srv.URL, 5*time.Second, zerolog.Nop())

	price, err := p.LastPrice(context.Background(), hdfc)
	require.NoError(t, err)
	assert.Equal(t, 1612.4, price)

	price, err = p.LastPrice(context.Background(), models.Instrument{Symbol: "idea"})
	require.NoError(t, err)
	assert.Equal(t, 98.2, price)
	assert.Equal(t, int32(1), atomic.LoadInt32(&primes))

	_, err = p.HistoricalExtremes(context.Background(), hdfc, 365)
	assert.ErrorIs(t, err, apperrors.ErrUnsupported)
}

func TestNSEEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			return
		}
		_, _ = io.WriteString(w, `{"equityResponse":[]}`)
	}))
	defer srv.Close()

	p := NewNSEProvider(srv.URL, 5*time.Second, zerolog.Nop())
	_, err := p.LastPrice(context.Background(), hdfc)
	assert.ErrorIs(t, err, apperrors.ErrSymbolNotFound)
}

// candlesJSON renders n daily candles, newest first, with closes descending
// from start by one rupee per session.
func candlesJSON(n int, start float64) string {
	var b strings.Builder
	b.WriteString(`{"status":"success","data":{"candles":[`)
	day := time.Date(2026, 10, 16, 0, 0, 0, 0, time.FixedZone("IST", 19800))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		c := start - float64(i)
		fmt.Fprintf(&b, `["%s",%.2f,%.2f,%.2f,%.2f,1000,0]`,
			day.AddDate(0, 0, -i).Format(time.RFC3339), c, c+5, c-5, c)
	}
	b.WriteString(`]}}`)
	return b.String()
}

func newTestUpstox(t *testing.T, handler http.HandlerFunc) *UpstoxProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewUpstoxProvider(srv.URL, "upx-token", 5*time.Second, zerolog.Nop())
	p.now = func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) }
	p.retry.InitialDelay = time.Millisecond
	p.retry.MaxDelay = time.Millisecond
	return p
}

func TestUpstoxHistoricalExtremes(t *testing.T) {
	p := newTestUpstox(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/historical-candle/NSE_EQ|INE040A01034/day/2026-10-19/2025-10-19", r.URL.Path)
		assert.Equal(t, "Bearer upx-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, candlesJSON(250, 1700))
	})

	ext, err := p.HistoricalExtremes(context.Background(), hdfc, 365)
	require.NoError(t, err)
	assert.Equal(t, 1705.0, ext.High52W)
	assert.Equal(t, 1700.0-249-5, ext.Low52W)
	assert.Equal(t, 1700.0, ext.LatestClose)
	assert.Equal(t, 250, ext.DataPoints)
	require.NotNil(t, ext.DMA200)
	// Mean of 1700 down to 1501.
	assert.InDelta(t, 1600.5, *ext.DMA200, 1e-9)
}

func TestUpstoxShortHistoryHasNoDMA(t *testing.T) {
	p := newTestUpstox(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, candlesJSON(120, 500))
	})

	ext, err := p.HistoricalExtremes(context.Background(), hdfc, 365)
	require.NoError(t, err)
	assert.Nil(t, ext.DMA200)

	price, err := p.LastPrice(context.Background(), hdfc)
	require.NoError(t, err)
	assert.Equal(t, 500.0, price)
}

func TestUpstoxErrors(t *testing.T) {
	var calls int32
	p := newTestUpstox(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":"error","errors":[{"message":"Invalid Instrument key"}]}`)
	})

	_, err := p.HistoricalExtremes(context.Background(), hdfc, 365)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSymbolNotFound)
	assert.Contains(t, err.Error(), "Invalid Instrument key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "unknown instruments are not retried")

	_, err = p.HistoricalExtremes(context.Background(), models.Instrument{Symbol: "NOISIN"}, 365)
	assert.ErrorIs(t, err, apperrors.ErrSymbolNotFound)
}

func TestUpstoxRetriesServerError(t *testing.T) {
	var calls int32
	p := newTestUpstox(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, candlesJSON(5, 210))
	})

	ext, err := p.HistoricalExtremes(context.Background(), hdfc, 30)
	require.NoError(t, err)
	assert.Equal(t, 210.0, ext.LatestClose)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestInstrumentKey(t *testing.T) {
	assert.Equal(t, "NSE_EQ|INE040A01034", InstrumentKey(hdfc))
	bse := hdfc
	bse.Exchange = models.BSEEquity
	assert.Equal(t, "BSE_EQ|INE040A01034", InstrumentKey(bse))
}

type stubFeed struct {
	prices map[string]float64
	err    error
}

func (s stubFeed) Name() string { return "dhan" }

func (s stubFeed) LastPrices(context.Context, []models.Holding) (map[string]float64, error) {
	return s.prices, s.err
}

func TestBrokerFeed(t *testing.T) {
	feed := NewBrokerFeed(stubFeed{prices: map[string]float64{"1333": 1610}})
	assert.Equal(t, "dhan-feed", feed.Name())

	price, err := feed.LastPrice(context.Background(), hdfc)
	require.NoError(t, err)
	assert.Equal(t, 1610.0, price)

	_, err = feed.LastPrice(context.Background(), models.Instrument{SecurityID: "999"})
	assert.ErrorIs(t, err, apperrors.ErrSymbolNotFound)

	broken := NewBrokerFeed(stubFeed{err: apperrors.NewBrokerError("HTTP_500", "boom", 500, nil)})
	_, err = broken.LastPrice(context.Background(), hdfc)
	var qe *apperrors.QuoteError
	assert.ErrorAs(t, err, &qe)
}
