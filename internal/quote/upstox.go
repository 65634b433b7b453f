package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/models"
	"dhan-tracker/pkg/utils"
)

// DefaultUpstoxBaseURL is the Upstox v2 REST endpoint.
const DefaultUpstoxBaseURL = "https://api.upstox.com/v2"

// dmaWindow is the number of sessions in the long moving average.
const dmaWindow = 200

// UpstoxProvider derives prices from Upstox daily candles keyed by ISIN.
type UpstoxProvider struct {
	baseURL string
	token   string
	http    *http.Client
	retry   utils.RetryConfig
	now     func() time.Time
	logger  zerolog.Logger
}

// NewUpstoxProvider creates an Upstox market-data provider. The historical
// candle endpoint accepts any bearer token, so token may be empty.
func NewUpstoxProvider(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *UpstoxProvider {
	if baseURL == "" {
		baseURL = DefaultUpstoxBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := utils.SingleRetryConfig()
	retry.Retryable = func(err error) bool { return !apperrors.Is(err, apperrors.ErrSymbolNotFound) }

	return &UpstoxProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		retry:   retry,
		now:     time.Now,
		logger:  logger.With().Str("provider", "upstox").Logger(),
	}
}

// Name implements Provider.
func (u *UpstoxProvider) Name() string { return "upstox" }

// InstrumentKey returns the Upstox key for an instrument, e.g. NSE_EQ|INE040A01034.
func InstrumentKey(inst models.Instrument) string {
	segment := "NSE_EQ"
	if inst.Exchange.Venue() == "BSE" {
		segment = "BSE_EQ"
	}
	return segment + "|" + inst.ISIN
}

type upstoxCandleResponse struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]interface{} `json:"candles"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type candle struct {
	at    time.Time
	high  float64
	low   float64
	close float64
}

// LastPrice implements Provider using the most recent daily close.
func (u *UpstoxProvider) LastPrice(ctx context.Context, inst models.Instrument) (float64, error) {
	ext, err := u.HistoricalExtremes(ctx, inst, 10)
	if err != nil {
		return 0, err
	}
	return ext.LatestClose, nil
}

// HistoricalExtremes implements Provider.
func (u *UpstoxProvider) HistoricalExtremes(ctx context.Context, inst models.Instrument, lookbackDays int) (*Extremes, error) {
	if inst.ISIN == "" {
		return nil, apperrors.NewQuoteError(u.Name(), inst.Symbol, "instrument has no ISIN", apperrors.ErrSymbolNotFound)
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}

	candles, err := utils.RetryWithResult(ctx, u.retry, func() ([]candle, error) {
		return u.candles(ctx, inst, lookbackDays)
	})
	if err != nil {
		return nil, err
	}
	return summarise(candles), nil
}

func (u *UpstoxProvider) candles(ctx context.Context, inst models.Instrument, lookbackDays int) ([]candle, error) {
	now := u.now().In(utils.IndiaLocation)
	to := now.Format("2006-01-02")
	from := now.AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	key := strings.ReplaceAll(InstrumentKey(inst), "|", "%7C")
	path := fmt.Sprintf("/historical-candle/%s/day/%s/%s", key, to, from)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+path, nil)
	if err != nil {
		return nil, apperrors.NewQuoteError(u.Name(), inst.Symbol, "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	start := time.Now()
	resp, err := u.http.Do(req)
	logging.LogAPICall(u.logger, http.MethodGet, "/historical-candle", time.Since(start), err)
	if err != nil {
		return nil, apperrors.NewQuoteError(u.Name(), inst.Symbol, "request failed", err)
	}
	defer resp.Body.Close()

	var body upstoxCandleResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if decodeErr == nil && len(body.Errors) > 0 && body.Errors[0].Message != "" {
			msg = body.Errors[0].Message
		}
		var cause error
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
			cause = apperrors.ErrSymbolNotFound
		}
		return nil, apperrors.NewQuoteError(u.Name(), inst.Symbol, msg, cause)
	}
	if decodeErr != nil {
		return nil, apperrors.NewQuoteError(u.Name(), inst.Symbol, "decoding candles", decodeErr)
	}
	if body.Status != "success" {
		return nil, apperrors.NewQuoteError(u.Name(), inst.Symbol, "non-success status "+body.Status, nil)
	}

	out := make([]candle, 0, len(body.Data.Candles))
	for _, raw := range body.Data.Candles {
		c, ok := parseCandle(raw)
		if ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, apperrors.NewQuoteError(u.Name(), inst.Symbol, "no candle data for "+InstrumentKey(inst), apperrors.ErrSymbolNotFound)
	}
	return out, nil
}

// parseCandle reads [timestamp, open, high, low, close, volume, oi].
func parseCandle(raw []interface{}) (candle, bool) {
	if len(raw) < 5 {
		return candle{}, false
	}
	ts, _ := raw[0].(string)
	high, ok1 := raw[2].(float64)
	low, ok2 := raw[3].(float64)
	closePrice, ok3 := raw[4].(float64)
	if !ok1 || !ok2 || !ok3 {
		return candle{}, false
	}
	at, _ := time.Parse(time.RFC3339, ts)
	return candle{at: at, high: high, low: low, close: closePrice}, true
}

// summarise computes extremes over candles ordered newest first.
func summarise(candles []candle) *Extremes {
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.high
		lows[i] = c.low
		closes[i] = c.close
	}

	ext := &Extremes{
		High52W:     floats.Max(highs),
		Low52W:      floats.Min(lows),
		LatestClose: closes[0],
		DataPoints:  len(candles),
		AsOf:        candles[0].at,
	}
	if len(closes) >= dmaWindow {
		dma := stat.Mean(closes[:dmaWindow], nil)
		ext.DMA200 = &dma
	}
	return ext
}
