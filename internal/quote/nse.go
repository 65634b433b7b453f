package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/models"
)

// DefaultNSEBaseURL is the NSE website root.
const DefaultNSEBaseURL = "https://www.nseindia.com"

const nseQuotePath = "/api/NextApi/apiClient/GetQuoteApi"

const nseUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// NSEProvider reads quotes from the NSE website API. NSE only answers
// sessions that carry the cookies set by its home page, so the first request
// visits "/" to prime the jar.
type NSEProvider struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	mu     sync.Mutex
	primed bool
}

// NewNSEProvider creates an NSE quote provider.
func NewNSEProvider(baseURL string, timeout time.Duration, logger zerolog.Logger) *NSEProvider {
	if baseURL == "" {
		baseURL = DefaultNSEBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &NSEProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout, Jar: jar},
		logger:  logger.With().Str("provider", "nse").Logger(),
	}
}

// Name implements Provider.
func (n *NSEProvider) Name() string { return "nse" }

type nseQuoteResponse struct {
	EquityResponse []struct {
		OrderBook struct {
			LastPrice float64 `json:"lastPrice"`
		} `json:"orderBook"`
		MetaData struct {
			ClosePrice    float64 `json:"closePrice"`
			PreviousClose float64 `json:"previousClose"`
			CompanyName   string  `json:"companyName"`
			ISIN          string  `json:"isinCode"`
		} `json:"metaData"`
	} `json:"equityResponse"`
}

func (n *NSEProvider) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", nseUserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", n.baseURL+"/")
	return req, nil
}

func (n *NSEProvider) prime(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.primed {
		return
	}

	req, err := n.newRequest(ctx, "/")
	if err != nil {
		return
	}
	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Failed to initialise NSE session")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	n.primed = resp.StatusCode == http.StatusOK
}

func (n *NSEProvider) expire() {
	n.mu.Lock()
	n.primed = false
	n.mu.Unlock()
}

// LastPrice implements Provider. The close price is preferred because it
// matches the broker's view after the session; the order-book last price is
// used while it is still zero.
func (n *NSEProvider) LastPrice(ctx context.Context, inst models.Instrument) (float64, error) {
	if inst.Symbol == "" {
		return 0, apperrors.NewQuoteError(n.Name(), inst.SecurityID, "instrument has no trading symbol", apperrors.ErrSymbolNotFound)
	}
	n.prime(ctx)

	q := url.Values{}
	q.Set("functionName", "getSymbolData")
	q.Set("marketType", "N")
	q.Set("series", "EQ")
	q.Set("symbol", strings.ToUpper(inst.Symbol))

	start := time.Now()
	price, err := n.fetch(ctx, nseQuotePath+"?"+q.Encode(), inst.Symbol)
	logging.LogAPICall(n.logger, http.MethodGet, nseQuotePath, time.Since(start), err)
	return price, err
}

func (n *NSEProvider) fetch(ctx context.Context, path, symbol string) (float64, error) {
	req, err := n.newRequest(ctx, path)
	if err != nil {
		return 0, apperrors.NewQuoteError(n.Name(), symbol, "building request", err)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return 0, apperrors.NewQuoteError(n.Name(), symbol, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		n.expire()
	}
	if resp.StatusCode != http.StatusOK {
		return 0, apperrors.NewQuoteError(n.Name(), symbol, fmt.Sprintf("NSE returned %d", resp.StatusCode), nil)
	}

	var body nseQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, apperrors.NewQuoteError(n.Name(), symbol, "decoding quote", err)
	}
	if len(body.EquityResponse) == 0 {
		return 0, apperrors.NewQuoteError(n.Name(), symbol, "no data for symbol", apperrors.ErrSymbolNotFound)
	}

	eq := body.EquityResponse[0]
	if eq.MetaData.ClosePrice > 0 {
		return eq.MetaData.ClosePrice, nil
	}
	if eq.OrderBook.LastPrice > 0 {
		return eq.OrderBook.LastPrice, nil
	}
	return 0, apperrors.NewQuoteError(n.Name(), symbol, "quote carries no price", nil)
}

// HistoricalExtremes implements Provider. NSE quotes carry no history.
func (n *NSEProvider) HistoricalExtremes(context.Context, models.Instrument, int) (*Extremes, error) {
	return nil, apperrors.ErrUnsupported
}
