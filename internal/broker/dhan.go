package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/performance"
	"dhan-tracker/pkg/utils"
)

// DefaultDhanBaseURL is the Dhan v2 REST endpoint.
const DefaultDhanBaseURL = "https://api.dhan.co/v2"

const dhanTimeLayout = "2006-01-02 15:04:05"

// DhanConfig holds configuration for the Dhan gateway.
type DhanConfig struct {
	BaseURL           string
	ClientID          string
	AccessToken       string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// DhanGateway implements Gateway against the Dhan REST API.
type DhanGateway struct {
	baseURL  string
	clientID string
	http     *http.Client
	limiter  *performance.RateLimiter
	retry    utils.RetryConfig
	logger   zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewDhanGateway creates a new Dhan gateway.
func NewDhanGateway(cfg DhanConfig, logger zerolog.Logger) (*DhanGateway, error) {
	if cfg.ClientID == "" {
		return nil, apperrors.NewConfigurationError("dhan.client_id", "DHAN_CLIENT_ID is required")
	}
	if cfg.AccessToken == "" {
		return nil, apperrors.NewConfigurationError("dhan.access_token", "DHAN_ACCESS_TOKEN is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultDhanBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	retry := utils.SingleRetryConfig()
	retry.Retryable = retryableRead

	return &DhanGateway{
		baseURL:  baseURL,
		clientID: cfg.ClientID,
		http:     client,
		limiter:  performance.NewRateLimiter(cfg.RequestsPerSecond, 1),
		retry:    retry,
		logger:   logger.With().Str("broker", "dhan").Logger(),
		token:    cfg.AccessToken,
	}, nil
}

// Name implements Gateway.
func (d *DhanGateway) Name() string { return "dhan" }

// SetAccessToken swaps the token used for subsequent requests.
func (d *DhanGateway) SetAccessToken(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
}

func (d *DhanGateway) accessToken() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.token
}

// retryableRead allows a single repeat for transport failures, throttling and
// server errors. Authentication and client errors are final.
func retryableRead(err error) bool {
	var be *apperrors.BrokerError
	if !apperrors.As(err, &be) {
		return false
	}
	return be.StatusCode == 0 || be.StatusCode == http.StatusTooManyRequests || be.StatusCode >= 500
}

type dhanErrorBody struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Message      string `json:"message"`
}

// do sends one request. A 202 carries no body and is reported as accepted.
func (d *DhanGateway) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	start := time.Now()
	status, err := d.send(ctx, method, path, body, out)
	logging.LogAPICall(d.logger, method, path, time.Since(start), err)
	return status, err
}

func (d *DhanGateway) send(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return 0, apperrors.NewBrokerError("CANCELLED", "rate limiter wait aborted", 0, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", d.accessToken())
	req.Header.Set("client-id", d.clientID)
	req.Header.Set("dhanClientId", d.clientID)

	resp, err := d.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, apperrors.NewBrokerError("TIMEOUT", "request aborted", 0, ctx.Err())
		}
		return 0, apperrors.NewBrokerError("TRANSPORT", "request failed", 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, apperrors.NewBrokerError("TRANSPORT", "reading response", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeDhanError(resp.StatusCode, raw)
	}
	if resp.StatusCode == http.StatusAccepted || out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, apperrors.NewBrokerError("DECODE", "unexpected response from "+path, resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

func decodeDhanError(status int, raw []byte) *apperrors.BrokerError {
	code := "HTTP_" + strconv.Itoa(status)
	msg := strings.TrimSpace(string(raw))

	var eb dhanErrorBody
	if json.Unmarshal(raw, &eb) == nil {
		if eb.ErrorCode != "" {
			code = eb.ErrorCode
		}
		switch {
		case eb.ErrorMessage != "":
			msg = eb.ErrorMessage
		case eb.Message != "":
			msg = eb.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status == http.StatusUnauthorized {
		msg += " (access token expired; it cannot be renewed after expiry)"
	}
	return apperrors.NewBrokerError(code, msg, status, nil)
}

// get performs a read with a single retry.
func (d *DhanGateway) get(ctx context.Context, path string, out interface{}) error {
	return utils.Retry(ctx, d.retry, func() error {
		_, err := d.do(ctx, http.MethodGet, path, nil, out)
		return err
	})
}

// mutate performs a write exactly once.
func (d *DhanGateway) mutate(ctx context.Context, method, path string, body interface{}) (*OrderResult, error) {
	var resp dhanOrderResponse
	status, err := d.do(ctx, method, path, body, &resp)
	if err != nil {
		return nil, err
	}
	result := &OrderResult{OrderID: resp.OrderID, Status: models.OrderStatus(resp.OrderStatus)}
	if status == http.StatusAccepted {
		result.Message = "accepted"
	}
	return result, nil
}

type dhanOrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// ----------------------------------------------------------------------------
// Portfolio

type dhanHolding struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingSymbol"`
	SecurityID    string  `json:"securityId"`
	ISIN          string  `json:"isin"`
	TotalQty      int     `json:"totalQty"`
	DPQty         int     `json:"dpQty"`
	T1Qty         int     `json:"t1Qty"`
	AvailableQty  int     `json:"availableQty"`
	CollateralQty int     `json:"collateralQty"`
	AvgCostPrice  float64 `json:"avgCostPrice"`
}

// ListHoldings implements Gateway.
func (d *DhanGateway) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	var raw []dhanHolding
	if err := d.get(ctx, "/holdings", &raw); err != nil {
		if isNoHoldings(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing holdings: %w", err)
	}

	holdings := make([]models.Holding, 0, len(raw))
	for _, h := range raw {
		holdings = append(holdings, models.Holding{
			SecurityID:    h.SecurityID,
			ISIN:          h.ISIN,
			TradingSymbol: h.TradingSymbol,
			Exchange:      models.ExchangeFromVenue(h.Exchange),
			TotalQty:      h.TotalQty,
			DPQty:         h.DPQty,
			T1Qty:         h.T1Qty,
			AvailableQty:  h.AvailableQty,
			CollateralQty: h.CollateralQty,
			AvgCostPrice:  h.AvgCostPrice,
		})
	}
	d.logger.Debug().Int("count", len(holdings)).Msg("Retrieved holdings")
	return holdings, nil
}

// Dhan reports an empty demat account as an error.
func isNoHoldings(err error) bool {
	var be *apperrors.BrokerError
	return apperrors.As(err, &be) && be.Code == "DH-1111"
}

type dhanQuote struct {
	LastPrice float64 `json:"last_price"`
}

type dhanLTPResponse struct {
	Data   map[string]map[string]dhanQuote `json:"data"`
	Status string                          `json:"status"`
}

// LastPrices implements Gateway using the market feed LTP endpoint.
func (d *DhanGateway) LastPrices(ctx context.Context, holdings []models.Holding) (map[string]float64, error) {
	if len(holdings) == 0 {
		return map[string]float64{}, nil
	}

	segments := make(map[string][]int)
	for _, h := range holdings {
		id, err := strconv.Atoi(h.SecurityID)
		if err != nil {
			continue
		}
		seg := string(h.Exchange)
		if seg == "" {
			seg = string(models.NSEEquity)
		}
		segments[seg] = append(segments[seg], id)
	}

	// The feed endpoint is a read even though it is a POST.
	var resp dhanLTPResponse
	err := utils.Retry(ctx, d.retry, func() error {
		_, err := d.do(ctx, http.MethodPost, "/marketfeed/ltp", segments, &resp)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching last prices: %w", err)
	}

	prices := make(map[string]float64)
	for _, securities := range resp.Data {
		for id, q := range securities {
			prices[id] = q.LastPrice
		}
	}
	return prices, nil
}

// ----------------------------------------------------------------------------
// Super orders

type dhanLeg struct {
	LegName      string  `json:"legName"`
	Price        float64 `json:"price"`
	TrailingJump float64 `json:"trailingJump"`
	OrderStatus  string  `json:"orderStatus"`
}

type dhanSuperOrder struct {
	OrderID         string    `json:"orderId"`
	CorrelationID   string    `json:"correlationId"`
	OrderStatus     string    `json:"orderStatus"`
	TransactionType string    `json:"transactionType"`
	ExchangeSegment string    `json:"exchangeSegment"`
	TradingSymbol   string    `json:"tradingSymbol"`
	SecurityID      string    `json:"securityId"`
	Quantity        int       `json:"quantity"`
	Price           float64   `json:"price"`
	CreateTime      string    `json:"createTime"`
	LegDetails      []dhanLeg `json:"legDetails"`
}

func (o dhanSuperOrder) toExisting() models.ExistingOrder {
	e := models.ExistingOrder{
		OrderID:         o.OrderID,
		SecurityID:      o.SecurityID,
		TradingSymbol:   o.TradingSymbol,
		TransactionType: models.OrderSide(o.TransactionType),
		Status:          models.OrderStatus(o.OrderStatus),
		Family:          models.FamilySuper,
		Quantity:        o.Quantity,
		CorrelationID:   o.CorrelationID,
		CreatedAt:       parseDhanTime(o.CreateTime),
	}
	for _, leg := range o.LegDetails {
		switch models.LegName(leg.LegName) {
		case models.LegStopLoss:
			e.StopPrice = leg.Price
			e.TrailingJump = leg.TrailingJump
		case models.LegTarget:
			e.TargetPrice = leg.Price
		}
	}
	return e
}

// ListStopOrders implements Gateway. Every super order of the day is returned;
// callers filter with ExistingOrder.IsProtective.
func (d *DhanGateway) ListStopOrders(ctx context.Context) ([]models.ExistingOrder, error) {
	var raw []dhanSuperOrder
	if err := d.get(ctx, "/super/orders", &raw); err != nil {
		return nil, fmt.Errorf("listing super orders: %w", err)
	}
	orders := make([]models.ExistingOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.toExisting())
	}
	return orders, nil
}

type dhanSuperOrderRequest struct {
	DhanClientID    string  `json:"dhanClientId"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	SecurityID      string  `json:"securityId"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	TargetPrice     float64 `json:"targetPrice"`
	StopLossPrice   float64 `json:"stopLossPrice"`
	TrailingJump    float64 `json:"trailingJump"`
}

// CreateBracketOrder implements Gateway.
func (d *DhanGateway) CreateBracketOrder(ctx context.Context, req BracketRequest) (*OrderResult, error) {
	body := dhanSuperOrderRequest{
		DhanClientID:    d.clientID,
		CorrelationID:   req.CorrelationID,
		TransactionType: string(models.OrderSideSell),
		ExchangeSegment: segmentOrDefault(req.Exchange),
		ProductType:     string(models.ProductCNC),
		OrderType:       string(models.OrderTypeLimit),
		SecurityID:      req.SecurityID,
		Quantity:        req.Quantity,
		Price:           req.EntryPrice,
		TargetPrice:     req.TargetPrice,
		StopLossPrice:   req.StopPrice,
		TrailingJump:    req.TrailingJump,
	}
	d.logger.Info().
		Str("symbol", req.TradingSymbol).
		Int("quantity", req.Quantity).
		Float64("stop_loss", req.StopPrice).
		Float64("target", req.TargetPrice).
		Msg("Placing super order")

	result, err := d.mutate(ctx, http.MethodPost, "/super/orders", body)
	if err != nil {
		return nil, fmt.Errorf("placing super order for %s: %w", req.TradingSymbol, err)
	}
	return result, nil
}

type dhanModifySuperRequest struct {
	DhanClientID  string   `json:"dhanClientId"`
	OrderID       string   `json:"orderId"`
	LegName       string   `json:"legName"`
	TargetPrice   float64  `json:"targetPrice,omitempty"`
	StopLossPrice float64  `json:"stopLossPrice,omitempty"`
	TrailingJump  *float64 `json:"trailingJump,omitempty"`
}

// ModifyBracketLeg implements Gateway.
func (d *DhanGateway) ModifyBracketLeg(ctx context.Context, orderID string, mod LegModification) (*OrderResult, error) {
	body := dhanModifySuperRequest{
		DhanClientID: d.clientID,
		OrderID:      orderID,
		LegName:      string(mod.Leg),
	}
	switch mod.Leg {
	case models.LegStopLoss:
		body.StopLossPrice = mod.Price
		jump := mod.TrailingJump
		body.TrailingJump = &jump
	case models.LegTarget:
		body.TargetPrice = mod.Price
	default:
		return nil, apperrors.NewOrderError(orderID, "", "modify", "unsupported leg "+string(mod.Leg), apperrors.ErrUnsupported)
	}

	result, err := d.mutate(ctx, http.MethodPut, "/super/orders/"+orderID, body)
	if err != nil {
		return nil, fmt.Errorf("modifying %s of super order %s: %w", mod.Leg, orderID, err)
	}
	if result.OrderID == "" {
		result.OrderID = orderID
	}
	return result, nil
}

// CancelBracketOrder implements Gateway. Cancelling the entry leg cancels all legs.
func (d *DhanGateway) CancelBracketOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	result, err := d.mutate(ctx, http.MethodDelete, "/super/orders/"+orderID+"/"+string(models.LegEntry), nil)
	if err != nil {
		return nil, fmt.Errorf("cancelling super order %s: %w", orderID, err)
	}
	if result.OrderID == "" {
		result.OrderID = orderID
	}
	return result, nil
}

// ----------------------------------------------------------------------------
// Plain orders

type dhanOrder struct {
	OrderID           string  `json:"orderId"`
	CorrelationID     string  `json:"correlationId"`
	OrderStatus       string  `json:"orderStatus"`
	TransactionType   string  `json:"transactionType"`
	ExchangeSegment   string  `json:"exchangeSegment"`
	ProductType       string  `json:"productType"`
	OrderType         string  `json:"orderType"`
	TradingSymbol     string  `json:"tradingSymbol"`
	SecurityID        string  `json:"securityId"`
	Quantity          int     `json:"quantity"`
	FilledQty         int     `json:"filledQty"`
	TradedQuantity    int     `json:"tradedQuantity"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"triggerPrice"`
	TradedPrice       float64 `json:"tradedPrice"`
	AverageTradePrice float64 `json:"averageTradedPrice"`
	AfterMarketOrder  bool    `json:"afterMarketOrder"`
	AMOTime           string  `json:"amoTime"`
	CreateTime        string  `json:"createTime"`
	UpdateTime        string  `json:"updateTime"`
}

func (o dhanOrder) toRaw() models.RawOrder {
	traded := o.TradedQuantity
	if traded == 0 {
		traded = o.FilledQty
	}
	price := o.TradedPrice
	if price == 0 {
		price = o.AverageTradePrice
	}
	return models.RawOrder{
		OrderID:         o.OrderID,
		SecurityID:      o.SecurityID,
		TradingSymbol:   o.TradingSymbol,
		Exchange:        models.Exchange(o.ExchangeSegment),
		TransactionType: models.OrderSide(o.TransactionType),
		OrderType:       models.OrderType(o.OrderType),
		ProductType:     models.ProductType(o.ProductType),
		Status:          models.OrderStatus(o.OrderStatus),
		Quantity:        o.Quantity,
		TradedQty:       traded,
		Price:           o.Price,
		TriggerPrice:    o.TriggerPrice,
		TradedPrice:     price,
		AfterMarket:     o.AfterMarketOrder,
		AMOTime:         models.AMOTime(o.AMOTime),
		CorrelationID:   o.CorrelationID,
		CreatedAt:       parseDhanTime(o.CreateTime),
		UpdatedAt:       parseDhanTime(o.UpdateTime),
	}
}

// ListPlainOrders implements Gateway.
func (d *DhanGateway) ListPlainOrders(ctx context.Context) ([]models.RawOrder, error) {
	var raw []dhanOrder
	if err := d.get(ctx, "/orders", &raw); err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders := make([]models.RawOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.toRaw())
	}
	return orders, nil
}

type dhanStopOrderRequest struct {
	DhanClientID     string  `json:"dhanClientId"`
	CorrelationID    string  `json:"correlationId,omitempty"`
	TransactionType  string  `json:"transactionType"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	ProductType      string  `json:"productType"`
	OrderType        string  `json:"orderType"`
	Validity         string  `json:"validity"`
	SecurityID       string  `json:"securityId"`
	Quantity         int     `json:"quantity"`
	Price            float64 `json:"price"`
	TriggerPrice     float64 `json:"triggerPrice"`
	AfterMarketOrder bool    `json:"afterMarketOrder"`
	AMOTime          string  `json:"amoTime,omitempty"`
}

// CreateStopOrder implements Gateway.
func (d *DhanGateway) CreateStopOrder(ctx context.Context, req StopRequest) (*OrderResult, error) {
	body := dhanStopOrderRequest{
		DhanClientID:     d.clientID,
		CorrelationID:    req.CorrelationID,
		TransactionType:  string(models.OrderSideSell),
		ExchangeSegment:  segmentOrDefault(req.Exchange),
		ProductType:      string(models.ProductCNC),
		OrderType:        string(models.OrderTypeStopLossM),
		Validity:         "DAY",
		SecurityID:       req.SecurityID,
		Quantity:         req.Quantity,
		TriggerPrice:     req.TriggerPrice,
		AfterMarketOrder: req.AfterMarket,
	}
	if req.AfterMarket {
		slot := req.AMOTime
		if !slot.Valid() {
			slot = models.AMOOpen
		}
		body.AMOTime = string(slot)
	}
	d.logger.Info().
		Str("symbol", req.TradingSymbol).
		Int("quantity", req.Quantity).
		Float64("trigger", req.TriggerPrice).
		Bool("amo", req.AfterMarket).
		Msg("Placing stop-loss order")

	result, err := d.mutate(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		return nil, fmt.Errorf("placing stop-loss order for %s: %w", req.TradingSymbol, err)
	}
	return result, nil
}

type dhanModifyOrderRequest struct {
	DhanClientID string  `json:"dhanClientId"`
	OrderID      string  `json:"orderId"`
	OrderType    string  `json:"orderType"`
	TriggerPrice float64 `json:"triggerPrice"`
	Price        float64 `json:"price"`
	Validity     string  `json:"validity"`
}

// ModifyOrder implements Gateway.
func (d *DhanGateway) ModifyOrder(ctx context.Context, orderID string, triggerPrice float64) (*OrderResult, error) {
	body := dhanModifyOrderRequest{
		DhanClientID: d.clientID,
		OrderID:      orderID,
		OrderType:    string(models.OrderTypeStopLossM),
		TriggerPrice: triggerPrice,
		Validity:     "DAY",
	}
	result, err := d.mutate(ctx, http.MethodPut, "/orders/"+orderID, body)
	if err != nil {
		return nil, fmt.Errorf("modifying order %s: %w", orderID, err)
	}
	if result.OrderID == "" {
		result.OrderID = orderID
	}
	return result, nil
}

// CancelOrder implements Gateway.
func (d *DhanGateway) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	result, err := d.mutate(ctx, http.MethodDelete, "/orders/"+orderID, nil)
	if err != nil {
		return nil, fmt.Errorf("cancelling order %s: %w", orderID, err)
	}
	if result.OrderID == "" {
		result.OrderID = orderID
	}
	return result, nil
}

// ----------------------------------------------------------------------------
// Token

type dhanTokenResponse struct {
	AccessToken      string `json:"access_token"`
	AccessTokenCamel string `json:"accessToken"`
	Token            string `json:"token"`
}

// RenewToken exchanges the current, still valid, token for a new 24h token
// and starts using it. A 401 means the token already expired; it is returned
// without retry.
func (d *DhanGateway) RenewToken(ctx context.Context) (string, error) {
	var resp dhanTokenResponse
	if _, err := d.do(ctx, http.MethodPost, "/RenewToken", nil, &resp); err != nil {
		return "", fmt.Errorf("renewing access token: %w", err)
	}

	token := resp.AccessToken
	if token == "" {
		token = resp.AccessTokenCamel
	}
	if token == "" {
		token = resp.Token
	}
	if token == "" {
		return "", apperrors.NewBrokerError("DECODE", "renewal response carried no token", http.StatusOK, nil)
	}

	d.SetAccessToken(token)
	return token, nil
}

func segmentOrDefault(e models.Exchange) string {
	if e == "" {
		return string(models.NSEEquity)
	}
	return string(e)
}

func parseDhanTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.ParseInLocation(dhanTimeLayout, s, utils.IndiaLocation); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
