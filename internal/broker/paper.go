package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
)

// PaperGateway implements Gateway in memory. It simulates a broker for paper
// mode and records every call for inspection.
type PaperGateway struct {
	holdings    map[string]models.Holding
	prices      map[string]float64
	superOrders map[string]*models.ExistingOrder
	orders      map[string]*models.RawOrder

	// Order tracking
	orderCounter int
	calls        map[string]int
	failures     map[string]error

	now func() time.Time
	mu  sync.RWMutex
}

// NewPaperGateway creates an empty paper gateway.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		holdings:     make(map[string]models.Holding),
		prices:       make(map[string]float64),
		superOrders:  make(map[string]*models.ExistingOrder),
		orders:       make(map[string]*models.RawOrder),
		orderCounter: 100000,
		calls:        make(map[string]int),
		failures:     make(map[string]error),
		now:          time.Now,
	}
}

// Name implements Gateway.
func (p *PaperGateway) Name() string { return "paper" }

// SetHolding adds or replaces a holding.
func (p *PaperGateway) SetHolding(h models.Holding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdings[h.SecurityID] = h
}

// SetPrice sets the last price of a security and fires any resting stop at
// or above it.
func (p *PaperGateway) SetPrice(securityID string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[securityID] = price
	p.checkTriggers(securityID, price)
}

// FailOn makes every call to method fail with err until cleared with a nil err.
func (p *PaperGateway) FailOn(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, method)
		return
	}
	p.failures[method] = err
}

// Calls returns how many times method was invoked.
func (p *PaperGateway) Calls(method string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls[method]
}

// MutationCount returns the number of order mutations sent so far.
func (p *PaperGateway) MutationCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, m := range []string{"CreateBracketOrder", "ModifyBracketLeg", "CancelBracketOrder", "CreateStopOrder", "ModifyOrder", "CancelOrder"} {
		n += p.calls[m]
	}
	return n
}

// AddStopOrder seeds a resting super order, returning its id.
func (p *PaperGateway) AddStopOrder(o models.ExistingOrder) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.OrderID == "" {
		o.OrderID = p.nextID()
	}
	if o.Status == "" {
		o.Status = models.OrderStatusPending
	}
	if o.TransactionType == "" {
		o.TransactionType = models.OrderSideSell
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = p.now()
	}
	o.Family = models.FamilySuper
	p.superOrders[o.OrderID] = &o
	return o.OrderID
}

// AddPlainOrder seeds an order book entry, returning its id.
func (p *PaperGateway) AddPlainOrder(o models.RawOrder) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.OrderID == "" {
		o.OrderID = p.nextID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = p.now()
	}
	p.orders[o.OrderID] = &o
	return o.OrderID
}

func (p *PaperGateway) nextID() string {
	p.orderCounter++
	return strconv.Itoa(p.orderCounter)
}

// enter records a call and returns any injected failure. Caller holds mu.
func (p *PaperGateway) enter(ctx context.Context, method string) error {
	p.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.failures[method]
}

// ListHoldings implements Gateway.
func (p *PaperGateway) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "ListHoldings"); err != nil {
		return nil, err
	}

	result := make([]models.Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TradingSymbol < result[j].TradingSymbol })
	return result, nil
}

// LastPrices implements Gateway.
func (p *PaperGateway) LastPrices(ctx context.Context, holdings []models.Holding) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "LastPrices"); err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(holdings))
	for _, h := range holdings {
		if v, ok := p.prices[h.SecurityID]; ok {
			prices[h.SecurityID] = v
		}
	}
	return prices, nil
}

// ListStopOrders implements Gateway.
func (p *PaperGateway) ListStopOrders(ctx context.Context) ([]models.ExistingOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "ListStopOrders"); err != nil {
		return nil, err
	}

	result := make([]models.ExistingOrder, 0, len(p.superOrders))
	for _, o := range p.superOrders {
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderID < result[j].OrderID })
	return result, nil
}

// CreateBracketOrder implements Gateway.
func (p *PaperGateway) CreateBracketOrder(ctx context.Context, req BracketRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "CreateBracketOrder"); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 || req.StopPrice <= 0 {
		return nil, apperrors.NewBrokerError("DH-905", "invalid quantity or stop price", 400, nil)
	}
	h, ok := p.holdings[req.SecurityID]
	if !ok || h.AvailableQty < req.Quantity {
		return nil, apperrors.NewBrokerError("DH-906", "insufficient holding quantity", 400, nil)
	}

	id := p.nextID()
	p.superOrders[id] = &models.ExistingOrder{
		OrderID:         id,
		SecurityID:      req.SecurityID,
		TradingSymbol:   req.TradingSymbol,
		TransactionType: models.OrderSideSell,
		Status:          models.OrderStatusPending,
		Family:          models.FamilySuper,
		Quantity:        req.Quantity,
		StopPrice:       req.StopPrice,
		TargetPrice:     req.TargetPrice,
		TrailingJump:    req.TrailingJump,
		CorrelationID:   req.CorrelationID,
		CreatedAt:       p.now(),
	}
	return &OrderResult{OrderID: id, Status: models.OrderStatusPending, Message: "paper order placed"}, nil
}

// ModifyBracketLeg implements Gateway.
func (p *PaperGateway) ModifyBracketLeg(ctx context.Context, orderID string, mod LegModification) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "ModifyBracketLeg"); err != nil {
		return nil, err
	}
	o, ok := p.superOrders[orderID]
	if !ok || !o.Status.IsResting() {
		return nil, apperrors.NewBrokerError("DH-907", fmt.Sprintf("order %s not modifiable", orderID), 400, nil)
	}

	switch mod.Leg {
	case models.LegStopLoss:
		o.StopPrice = mod.Price
		o.TrailingJump = mod.TrailingJump
	case models.LegTarget:
		o.TargetPrice = mod.Price
	default:
		return nil, apperrors.ErrUnsupported
	}
	return &OrderResult{OrderID: orderID, Status: o.Status}, nil
}

// CancelBracketOrder implements Gateway.
func (p *PaperGateway) CancelBracketOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "CancelBracketOrder"); err != nil {
		return nil, err
	}
	o, ok := p.superOrders[orderID]
	if !ok {
		return nil, apperrors.NewBrokerError("DH-908", fmt.Sprintf("order %s not found", orderID), 404, nil)
	}
	o.Status = models.OrderStatusCancelled
	return &OrderResult{OrderID: orderID, Status: o.Status}, nil
}

// ListPlainOrders implements Gateway.
func (p *PaperGateway) ListPlainOrders(ctx context.Context) ([]models.RawOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "ListPlainOrders"); err != nil {
		return nil, err
	}

	result := make([]models.RawOrder, 0, len(p.orders))
	for _, o := range p.orders {
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderID < result[j].OrderID })
	return result, nil
}

// CreateStopOrder implements Gateway.
func (p *PaperGateway) CreateStopOrder(ctx context.Context, req StopRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "CreateStopOrder"); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 || req.TriggerPrice <= 0 {
		return nil, apperrors.NewBrokerError("DH-905", "invalid quantity or trigger price", 400, nil)
	}

	id := p.nextID()
	status := models.OrderStatusPending
	if req.AfterMarket {
		status = models.OrderStatusTransit
	}
	now := p.now()
	p.orders[id] = &models.RawOrder{
		OrderID:         id,
		SecurityID:      req.SecurityID,
		TradingSymbol:   req.TradingSymbol,
		Exchange:        req.Exchange,
		TransactionType: models.OrderSideSell,
		OrderType:       models.OrderTypeStopLossM,
		ProductType:     models.ProductCNC,
		Status:          status,
		Quantity:        req.Quantity,
		TriggerPrice:    req.TriggerPrice,
		AfterMarket:     req.AfterMarket,
		AMOTime:         req.AMOTime,
		CorrelationID:   req.CorrelationID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return &OrderResult{OrderID: id, Status: status}, nil
}

// ModifyOrder implements Gateway.
func (p *PaperGateway) ModifyOrder(ctx context.Context, orderID string, triggerPrice float64) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "ModifyOrder"); err != nil {
		return nil, err
	}
	o, ok := p.orders[orderID]
	if !ok || !o.Status.IsResting() {
		return nil, apperrors.NewBrokerError("DH-907", fmt.Sprintf("order %s not modifiable", orderID), 400, nil)
	}
	o.TriggerPrice = triggerPrice
	o.UpdatedAt = p.now()
	return &OrderResult{OrderID: orderID, Status: o.Status}, nil
}

// CancelOrder implements Gateway.
func (p *PaperGateway) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "CancelOrder"); err != nil {
		return nil, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return nil, apperrors.NewBrokerError("DH-908", fmt.Sprintf("order %s not found", orderID), 404, nil)
	}
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = p.now()
	return &OrderResult{OrderID: orderID, Status: o.Status}, nil
}

// RenewToken implements TokenRenewer.
func (p *PaperGateway) RenewToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "RenewToken"); err != nil {
		return "", err
	}
	return fmt.Sprintf("paper-token-%d", p.now().Unix()), nil
}

// checkTriggers executes resting stops for securityID at price. Executed
// plain stops stay in the order book as TRADED; executed super orders leave
// a TRADED stop-loss-market fill behind. Caller holds mu.
func (p *PaperGateway) checkTriggers(securityID string, price float64) {
	now := p.now()

	for _, o := range p.orders {
		if o.SecurityID != securityID || !o.Status.IsResting() || o.AfterMarket {
			continue
		}
		if o.TransactionType == models.OrderSideSell && o.OrderType.IsStopLoss() && price <= o.TriggerPrice {
			o.Status = models.OrderStatusTraded
			o.TradedQty = o.Quantity
			o.TradedPrice = price
			o.UpdatedAt = now
			p.reduceHolding(securityID, o.Quantity)
		}
	}

	for _, o := range p.superOrders {
		if o.SecurityID != securityID || !o.Status.IsResting() || price > o.StopPrice {
			continue
		}
		o.Status = models.OrderStatusTraded
		id := p.nextID()
		p.orders[id] = &models.RawOrder{
			OrderID:         id,
			SecurityID:      securityID,
			TradingSymbol:   o.TradingSymbol,
			TransactionType: models.OrderSideSell,
			OrderType:       models.OrderTypeStopLossM,
			ProductType:     models.ProductCNC,
			Status:          models.OrderStatusTraded,
			Quantity:        o.Quantity,
			TradedQty:       o.Quantity,
			TriggerPrice:    o.StopPrice,
			TradedPrice:     price,
			CorrelationID:   o.CorrelationID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		p.reduceHolding(securityID, o.Quantity)
	}
}

func (p *PaperGateway) reduceHolding(securityID string, qty int) {
	h, ok := p.holdings[securityID]
	if !ok {
		return
	}
	h.TotalQty -= qty
	h.AvailableQty -= qty
	if h.TotalQty <= 0 {
		delete(p.holdings, securityID)
		return
	}
	if h.AvailableQty < 0 {
		h.AvailableQty = 0
	}
	p.holdings[securityID] = h
}
