package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/performance"
	"dhan-tracker/internal/protection"
)

// zerodhaTick is the price step for GTT limit prices.
const zerodhaTick = 0.05

// ZerodhaGateway implements Gateway for Zerodha Kite Connect. A bracket is a
// GTT one-cancels-other trigger (upper leg target, lower leg stop) and the
// after-market stop is an AMO SL-M order.
//
// Kite has no numeric security id shared with holdings, so instruments are
// keyed as EXCHANGE:TRADINGSYMBOL throughout.
type ZerodhaGateway struct {
	client    *kiteconnect.Client
	apiSecret string
	limiter   *performance.RateLimiter
	logger    zerolog.Logger

	mu          sync.RWMutex
	accessToken string
	amoOrders   map[string]bool
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey            string
	APISecret         string
	AccessToken       string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// NewZerodhaGateway creates a new Zerodha gateway.
func NewZerodhaGateway(cfg ZerodhaConfig, logger zerolog.Logger) (*ZerodhaGateway, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.NewConfigurationError("zerodha.api_key", "ZERODHA_API_KEY is required")
	}
	if cfg.AccessToken == "" {
		return nil, apperrors.NewConfigurationError("zerodha.access_token", "ZERODHA_ACCESS_TOKEN is required")
	}

	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.SetHTTPClient(&http.Client{Timeout: timeout})

	return &ZerodhaGateway{
		client:      client,
		apiSecret:   cfg.APISecret,
		limiter:     performance.NewRateLimiter(cfg.RequestsPerSecond, 1),
		logger:      logger.With().Str("broker", "zerodha").Logger(),
		accessToken: cfg.AccessToken,
		amoOrders:   make(map[string]bool),
	}, nil
}

// Name implements Gateway.
func (z *ZerodhaGateway) Name() string { return "zerodha" }

// SetAccessToken swaps the token used for subsequent requests.
func (z *ZerodhaGateway) SetAccessToken(token string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.accessToken = token
	z.client.SetAccessToken(token)
}

// RenewToken implements TokenRenewer.
func (z *ZerodhaGateway) RenewToken(ctx context.Context) (string, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return "", err
	}
	z.mu.RLock()
	current := z.accessToken
	z.mu.RUnlock()

	session, err := z.client.RenewAccessToken(current, z.apiSecret)
	if err != nil {
		return "", kiteError("renew token", err)
	}
	z.SetAccessToken(session.AccessToken)
	return session.AccessToken, nil
}

// kiteError converts a Kite client error into a BrokerError. Token
// exceptions are credential failures and carry status 401.
func kiteError(op string, err error) error {
	status := 0
	code := "KITE"
	var ke kiteconnect.Error
	var kp *kiteconnect.Error
	if errors.As(err, &kp) && kp != nil {
		ke = *kp
	}
	if ke.ErrorType != "" || errors.As(err, &ke) {
		code = ke.ErrorType
		status = ke.Code
		if ke.ErrorType == kiteconnect.TokenError {
			status = http.StatusUnauthorized
		}
	}
	return apperrors.NewBrokerError(code, op, status, err)
}

func instrumentKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

func splitInstrumentKey(key string) (exchange, symbol string) {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i], key[i+1:]
	}
	return "NSE", key
}

// ListHoldings implements Gateway.
func (z *ZerodhaGateway) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	holdings, err := z.client.GetHoldings()
	if err != nil {
		return nil, kiteError("get holdings", err)
	}

	result := make([]models.Holding, 0, len(holdings))
	for _, h := range holdings {
		total := h.Quantity + h.T1Quantity
		result = append(result, models.Holding{
			SecurityID:    instrumentKey(h.Exchange, h.Tradingsymbol),
			ISIN:          h.ISIN,
			TradingSymbol: h.Tradingsymbol,
			Exchange:      models.ExchangeFromVenue(h.Exchange),
			TotalQty:      total,
			DPQty:         h.Quantity,
			T1Qty:         h.T1Quantity,
			AvailableQty:  h.Quantity,
			CollateralQty: h.CollateralQuantity,
			AvgCostPrice:  h.AveragePrice,
		})
	}
	return result, nil
}

// LastPrices implements Gateway.
func (z *ZerodhaGateway) LastPrices(ctx context.Context, holdings []models.Holding) (map[string]float64, error) {
	if len(holdings) == 0 {
		return map[string]float64{}, nil
	}
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(holdings))
	for _, h := range holdings {
		keys = append(keys, h.SecurityID)
	}
	quotes, err := z.client.GetLTP(keys...)
	if err != nil {
		return nil, kiteError("get ltp", err)
	}

	prices := make(map[string]float64, len(quotes))
	for key, q := range quotes {
		prices[key] = q.LastPrice
	}
	return prices, nil
}

func gttStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "active":
		return models.OrderStatusPending
	case "triggered":
		return models.OrderStatusTriggered
	case "cancelled", "deleted", "disabled":
		return models.OrderStatusCancelled
	case "rejected":
		return models.OrderStatusRejected
	case "expired":
		return models.OrderStatusExpired
	}
	return models.OrderStatus(strings.ToUpper(s))
}

// ListStopOrders implements Gateway.
func (z *ZerodhaGateway) ListStopOrders(ctx context.Context) ([]models.ExistingOrder, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	gtts, err := z.client.GetGTTs()
	if err != nil {
		return nil, kiteError("get gtts", err)
	}

	result := make([]models.ExistingOrder, 0, len(gtts))
	for _, g := range gtts {
		o := models.ExistingOrder{
			OrderID:       strconv.Itoa(g.ID),
			SecurityID:    instrumentKey(g.Condition.Exchange, g.Condition.Tradingsymbol),
			TradingSymbol: g.Condition.Tradingsymbol,
			Status:        gttStatus(g.Status),
			Family:        models.FamilySuper,
			CreatedAt:     g.CreatedAt.Time,
		}
		if len(g.Orders) > 0 {
			o.TransactionType = models.OrderSide(g.Orders[0].TransactionType)
			o.Quantity = int(g.Orders[0].Quantity)
		}
		if tv := g.Condition.TriggerValues; len(tv) > 0 {
			o.StopPrice = tv[0]
			if g.Type == kiteconnect.GTTTypeOCO && len(tv) > 1 {
				o.TargetPrice = tv[1]
			}
		}
		result = append(result, o)
	}
	return result, nil
}

func (z *ZerodhaGateway) gttParams(securityID string, qty int, lastPrice, stop, target float64) kiteconnect.GTTParams {
	exchange, symbol := splitInstrumentKey(securityID)
	lower := kiteconnect.TriggerParams{
		TriggerValue: stop,
		LimitPrice:   protection.RoundToTick(stop*0.99, zerodhaTick),
		Quantity:     float64(qty),
	}

	var trigger kiteconnect.Trigger
	if target > 0 {
		trigger = &kiteconnect.GTTOneCancelsOtherTrigger{
			Lower: lower,
			Upper: kiteconnect.TriggerParams{
				TriggerValue: target,
				LimitPrice:   target,
				Quantity:     float64(qty),
			},
		}
	} else {
		trigger = &kiteconnect.GTTSingleLegTrigger{TriggerParams: lower}
	}

	return kiteconnect.GTTParams{
		Tradingsymbol:   symbol,
		Exchange:        exchange,
		LastPrice:       lastPrice,
		TransactionType: kiteconnect.TransactionTypeSell,
		Product:         kiteconnect.ProductCNC,
		Trigger:         trigger,
	}
}

// CreateBracketOrder implements Gateway.
func (z *ZerodhaGateway) CreateBracketOrder(ctx context.Context, req BracketRequest) (*OrderResult, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := z.gttParams(req.SecurityID, req.Quantity, req.EntryPrice, req.StopPrice, req.TargetPrice)
	resp, err := z.client.PlaceGTT(params)
	if err != nil {
		return nil, kiteError("place gtt for "+req.TradingSymbol, err)
	}
	return &OrderResult{
		OrderID: strconv.Itoa(resp.TriggerID),
		Status:  models.OrderStatusPending,
		Message: "GTT placed",
	}, nil
}

// ModifyBracketLeg implements Gateway. Kite replaces a GTT whole, so the
// untouched leg is carried over from the live trigger.
func (z *ZerodhaGateway) ModifyBracketLeg(ctx context.Context, orderID string, mod LegModification) (*OrderResult, error) {
	triggerID, err := strconv.Atoi(orderID)
	if err != nil {
		return nil, apperrors.NewOrderError(orderID, "", "modify", "invalid GTT id", err)
	}
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	g, err := z.client.GetGTT(triggerID)
	if err != nil {
		return nil, kiteError("get gtt "+orderID, err)
	}

	var stop, target float64
	if tv := g.Condition.TriggerValues; len(tv) > 0 {
		stop = tv[0]
		if g.Type == kiteconnect.GTTTypeOCO && len(tv) > 1 {
			target = tv[1]
		}
	}
	switch mod.Leg {
	case models.LegStopLoss:
		stop = mod.Price
	case models.LegTarget:
		target = mod.Price
	default:
		return nil, apperrors.NewOrderError(orderID, g.Condition.Tradingsymbol, "modify", "unsupported leg "+string(mod.Leg), apperrors.ErrUnsupported)
	}
	qty := 0
	if len(g.Orders) > 0 {
		qty = int(g.Orders[0].Quantity)
	}

	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := z.gttParams(instrumentKey(g.Condition.Exchange, g.Condition.Tradingsymbol), qty, g.Condition.LastPrice, stop, target)
	if _, err := z.client.ModifyGTT(triggerID, params); err != nil {
		return nil, kiteError("modify gtt "+orderID, err)
	}
	return &OrderResult{OrderID: orderID, Status: models.OrderStatusPending}, nil
}

// CancelBracketOrder implements Gateway.
func (z *ZerodhaGateway) CancelBracketOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	triggerID, err := strconv.Atoi(orderID)
	if err != nil {
		return nil, apperrors.NewOrderError(orderID, "", "cancel", "invalid GTT id", err)
	}
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if _, err := z.client.DeleteGTT(triggerID); err != nil {
		return nil, kiteError("delete gtt "+orderID, err)
	}
	return &OrderResult{OrderID: orderID, Status: models.OrderStatusCancelled}, nil
}

func kiteOrderType(t string) models.OrderType {
	switch t {
	case kiteconnect.OrderTypeSLM:
		return models.OrderTypeStopLossM
	case kiteconnect.OrderTypeSL:
		return models.OrderTypeStopLoss
	}
	return models.OrderType(t)
}

func kiteOrderStatus(s string) models.OrderStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return models.OrderStatusTraded
	case "OPEN", "TRIGGER PENDING":
		return models.OrderStatusPending
	case "AMO REQ RECEIVED", "PUT ORDER REQ RECEIVED", "VALIDATION PENDING", "OPEN PENDING", "MODIFY PENDING":
		return models.OrderStatusTransit
	case "CANCELLED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	}
	return models.OrderStatus(strings.ToUpper(s))
}

// ListPlainOrders implements Gateway.
func (z *ZerodhaGateway) ListPlainOrders(ctx context.Context) ([]models.RawOrder, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	orders, err := z.client.GetOrders()
	if err != nil {
		return nil, kiteError("get orders", err)
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	result := make([]models.RawOrder, 0, len(orders))
	for _, o := range orders {
		if strings.EqualFold(o.Status, "AMO REQ RECEIVED") {
			z.amoOrders[o.OrderID] = true
		}
		result = append(result, models.RawOrder{
			OrderID:         o.OrderID,
			SecurityID:      instrumentKey(o.Exchange, o.TradingSymbol),
			TradingSymbol:   o.TradingSymbol,
			Exchange:        models.ExchangeFromVenue(o.Exchange),
			TransactionType: models.OrderSide(o.TransactionType),
			OrderType:       kiteOrderType(o.OrderType),
			ProductType:     models.ProductType(o.Product),
			Status:          kiteOrderStatus(o.Status),
			Quantity:        int(o.Quantity),
			TradedQty:       int(o.FilledQuantity),
			Price:           o.Price,
			TriggerPrice:    o.TriggerPrice,
			TradedPrice:     o.AveragePrice,
			AfterMarket:     z.amoOrders[o.OrderID],
			CorrelationID:   o.Tag,
			CreatedAt:       o.OrderTimestamp.Time,
		})
	}
	return result, nil
}

// kiteTag trims a correlation id to Kite's 20-character tag limit.
func kiteTag(id string) string {
	if len(id) > 20 {
		return id[:20]
	}
	return id
}

// CreateStopOrder implements Gateway.
func (z *ZerodhaGateway) CreateStopOrder(ctx context.Context, req StopRequest) (*OrderResult, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	exchange, symbol := splitInstrumentKey(req.SecurityID)
	variety := kiteconnect.VarietyRegular
	if req.AfterMarket {
		variety = kiteconnect.VarietyAMO
	}

	resp, err := z.client.PlaceOrder(variety, kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   symbol,
		TransactionType: kiteconnect.TransactionTypeSell,
		OrderType:       kiteconnect.OrderTypeSLM,
		Product:         kiteconnect.ProductCNC,
		Quantity:        req.Quantity,
		TriggerPrice:    req.TriggerPrice,
		Validity:        kiteconnect.ValidityDay,
		Tag:             kiteTag(req.CorrelationID),
	})
	if err != nil {
		return nil, kiteError("place stop order for "+req.TradingSymbol, err)
	}

	status := models.OrderStatusPending
	if req.AfterMarket {
		status = models.OrderStatusTransit
		z.mu.Lock()
		z.amoOrders[resp.OrderID] = true
		z.mu.Unlock()
	}
	return &OrderResult{OrderID: resp.OrderID, Status: status}, nil
}

func (z *ZerodhaGateway) variety(orderID string) string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if z.amoOrders[orderID] {
		return kiteconnect.VarietyAMO
	}
	return kiteconnect.VarietyRegular
}

// ModifyOrder implements Gateway.
func (z *ZerodhaGateway) ModifyOrder(ctx context.Context, orderID string, triggerPrice float64) (*OrderResult, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	_, err := z.client.ModifyOrder(z.variety(orderID), orderID, kiteconnect.OrderParams{
		OrderType:    kiteconnect.OrderTypeSLM,
		TriggerPrice: triggerPrice,
		Validity:     kiteconnect.ValidityDay,
	})
	if err != nil {
		return nil, kiteError("modify order "+orderID, err)
	}
	return &OrderResult{OrderID: orderID, Status: models.OrderStatusPending}, nil
}

// CancelOrder implements Gateway.
func (z *ZerodhaGateway) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if _, err := z.client.CancelOrder(z.variety(orderID), orderID, nil); err != nil {
		return nil, kiteError(fmt.Sprintf("cancel order %s", orderID), err)
	}
	return &OrderResult{OrderID: orderID, Status: models.OrderStatusCancelled}, nil
}
