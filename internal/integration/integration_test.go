// Package integration runs the protection stack end to end against a fake
// Dhan exchange.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-tracker/internal/api"
	"dhan-tracker/internal/broker"
	"dhan-tracker/internal/config"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/notify"
	"dhan-tracker/internal/quote"
	"dhan-tracker/internal/scheduler"
	"dhan-tracker/internal/security"
	"dhan-tracker/internal/store"
	"dhan-tracker/internal/trading"
	"dhan-tracker/pkg/utils"
)

const (
	clientID = "1000000001"
	password = "integration-password"
)

type leg struct {
	LegName     string  `json:"legName"`
	Price       float64 `json:"price"`
	OrderStatus string  `json:"orderStatus"`
}

type superOrder struct {
	OrderID         string  `json:"orderId"`
	CorrelationID   string  `json:"correlationId"`
	OrderStatus     string  `json:"orderStatus"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	Quantity        int     `json:"quantity"`
	LegDetails      []leg   `json:"legDetails"`
	Price           float64 `json:"price"`
}

type plainOrder struct {
	OrderID         string  `json:"orderId"`
	OrderStatus     string  `json:"orderStatus"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	OrderType       string  `json:"orderType"`
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	Quantity        int     `json:"quantity"`
	TriggerPrice    float64 `json:"triggerPrice"`
	TradedPrice     float64 `json:"tradedPrice"`
	AMO             bool    `json:"afterMarketOrder"`
	AMOTime         string  `json:"amoTime"`
	CreateTime      string  `json:"createTime"`
}

// exchange is an in-memory Dhan v2 API holding one HDFCBANK position.
type exchange struct {
	mu       sync.Mutex
	token    string
	ltp      float64
	nextID   int
	super    []*superOrder
	orders   []*plainOrder
	requests map[string]int
}

func newExchange() *exchange {
	return &exchange{token: "initial-token", ltp: 150, nextID: 5000, requests: make(map[string]int)}
}

func (e *exchange) count(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[key]
}

func (e *exchange) setLTP(p float64) {
	e.mu.Lock()
	e.ltp = p
	e.mu.Unlock()
}

func (e *exchange) expireToken() {
	e.mu.Lock()
	e.token = ""
	e.mu.Unlock()
}

// fill executes the resting super order's stop leg at price.
func (e *exchange) fill(price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.super {
		if o.OrderStatus != "PENDING" {
			continue
		}
		o.OrderStatus = "TRADED"
		e.nextID++
		e.orders = append(e.orders, &plainOrder{
			OrderID:         fmt.Sprint(e.nextID),
			OrderStatus:     "TRADED",
			TransactionType: "SELL",
			ExchangeSegment: "NSE_EQ",
			OrderType:       "STOP_LOSS_MARKET",
			TradingSymbol:   o.TradingSymbol,
			SecurityID:      o.SecurityID,
			Quantity:        o.Quantity,
			TriggerPrice:    o.LegDetails[1].Price,
			TradedPrice:     price,
			CreateTime:      "2026-10-19 11:02:03",
		})
	}
}

func (e *exchange) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			e.mu.Lock()
			valid := e.token != "" && req.Header.Get("access-token") == e.token
			e.mu.Unlock()
			if !valid {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"errorType":"Invalid_Authentication","errorCode":"DH-901","errorMessage":"Client ID or user generated access token is invalid or expired."}`))
				return
			}
			next.ServeHTTP(w, req)

			// The route pattern is known once the router has matched.
			e.mu.Lock()
			e.requests[req.Method+" "+chi.RouteContext(req.Context()).RoutePattern()]++
			e.mu.Unlock()
		})
	})

	r.Get("/holdings", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, []map[string]interface{}{{
			"exchange": "ALL", "tradingSymbol": "HDFCBANK", "securityId": "1333", "isin": "INE040A01034",
			"totalQty": 10, "dpQty": 10, "availableQty": 10, "avgCostPrice": 100.0,
		}})
	})

	r.Post("/marketfeed/ltp", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		reply(w, map[string]interface{}{
			"data":   map[string]interface{}{"NSE_EQ": map[string]interface{}{"1333": map[string]float64{"last_price": e.ltp}}},
			"status": "success",
		})
	})

	r.Get("/super/orders", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		reply(w, e.super)
	})

	r.Post("/super/orders", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			CorrelationID string  `json:"correlationId"`
			SecurityID    string  `json:"securityId"`
			Quantity      int     `json:"quantity"`
			Price         float64 `json:"price"`
			TargetPrice   float64 `json:"targetPrice"`
			StopLossPrice float64 `json:"stopLossPrice"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.nextID++
		o := &superOrder{
			OrderID:         fmt.Sprint(e.nextID),
			CorrelationID:   body.CorrelationID,
			OrderStatus:     "PENDING",
			TransactionType: "SELL",
			ExchangeSegment: "NSE_EQ",
			TradingSymbol:   "HDFCBANK",
			SecurityID:      body.SecurityID,
			Quantity:        body.Quantity,
			Price:           body.Price,
			LegDetails: []leg{
				{LegName: "TARGET_LEG", Price: body.TargetPrice, OrderStatus: "PENDING"},
				{LegName: "STOP_LOSS_LEG", Price: body.StopLossPrice, OrderStatus: "PENDING"},
			},
		}
		e.super = append(e.super, o)
		reply(w, map[string]string{"orderId": o.OrderID, "orderStatus": "PENDING"})
	})

	r.Put("/super/orders/{orderID}", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			LegName       string  `json:"legName"`
			TargetPrice   float64 `json:"targetPrice"`
			StopLossPrice float64 `json:"stopLossPrice"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		id := chi.URLParam(req, "orderID")
		for _, o := range e.super {
			if o.OrderID != id {
				continue
			}
			switch body.LegName {
			case "TARGET_LEG":
				o.LegDetails[0].Price = body.TargetPrice
			case "STOP_LOSS_LEG":
				o.LegDetails[1].Price = body.StopLossPrice
			}
		}
		w.WriteHeader(http.StatusAccepted)
	})

	r.Delete("/super/orders/{orderID}/{leg}", func(w http.ResponseWriter, req *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		id := chi.URLParam(req, "orderID")
		for _, o := range e.super {
			if o.OrderID == id {
				o.OrderStatus = "CANCELLED"
			}
		}
		reply(w, map[string]string{"orderId": id, "orderStatus": "CANCELLED"})
	})

	r.Get("/orders", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		reply(w, e.orders)
	})

	r.Post("/orders", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			SecurityID   string  `json:"securityId"`
			OrderType    string  `json:"orderType"`
			Quantity     int     `json:"quantity"`
			TriggerPrice float64 `json:"triggerPrice"`
			AMO          bool    `json:"afterMarketOrder"`
			AMOTime      string  `json:"amoTime"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.nextID++
		o := &plainOrder{
			OrderID:         fmt.Sprint(e.nextID),
			OrderStatus:     "PENDING",
			TransactionType: "SELL",
			ExchangeSegment: "NSE_EQ",
			OrderType:       body.OrderType,
			TradingSymbol:   "HDFCBANK",
			SecurityID:      body.SecurityID,
			Quantity:        body.Quantity,
			TriggerPrice:    body.TriggerPrice,
			AMO:             body.AMO,
			AMOTime:         body.AMOTime,
		}
		e.orders = append(e.orders, o)
		reply(w, map[string]string{"orderId": o.OrderID, "orderStatus": "PENDING"})
	})

	r.Post("/RenewToken", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.token = "renewed-token"
		reply(w, map[string]string{"token": e.token})
	})

	return r
}

func reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// webhook collects notifications.
type webhook struct {
	mu       sync.Mutex
	received []map[string]interface{}
}

func (h *webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	h.mu.Lock()
	h.received = append(h.received, payload)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *webhook) titles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, p := range h.received {
		out = append(out, fmt.Sprint(p["title"]))
	}
	return out
}

type stack struct {
	exchange *exchange
	webhook  *webhook
	gateway  *broker.DhanGateway
	db       *store.SQLiteStore
	sched    *scheduler.Scheduler
	api      *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := zerolog.Nop()

	ex := newExchange()
	dhanSrv := httptest.NewServer(ex.handler())
	t.Cleanup(dhanSrv.Close)

	hook := &webhook{}
	hookSrv := httptest.NewServer(hook)
	t.Cleanup(hookSrv.Close)

	g, err := broker.NewDhanGateway(broker.DhanConfig{
		BaseURL:     dhanSrv.URL,
		ClientID:    clientID,
		AccessToken: "initial-token",
	}, log)
	require.NoError(t, err)

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	notifier := notify.NewMultiNotifier(&config.NotificationConfig{
		Enabled: true,
		Level:   "all",
		Webhook: config.WebhookConfig{Enabled: true, URL: hookSrv.URL},
	})

	cfg := trading.DefaultConfig()
	reconciler := trading.NewReconciler(g, quote.NewBrokerFeed(g), cfg, log).WithRecorder(db)
	monitor := trading.NewTriggerMonitor(g, db, trading.NewSink(db, notifier, log), cfg.Strategy, log)

	refresher := security.NewTokenRefresher(security.DhanAccessToken, g, db, security.DefaultRefreshConfig(), log).
		WithAlerter(notifier).
		AddSink(g)

	sched := scheduler.New(utils.IndiaLocation, log).WithRecorder(db)
	require.NoError(t, sched.AddJob("20 9 * * 1-5", scheduler.ProtectJob(scheduler.JobSuperProtect, reconciler,
		trading.RunOptions{Mode: models.ModeImmediate})))
	require.NoError(t, sched.AddJob("*/15 9-15 * * 1-5", scheduler.TriggerCheckJob(monitor)))
	require.NoError(t, sched.AddJob("@every 23h", scheduler.TokenRefreshJob(refresher)))

	server, err := api.New(api.Config{
		Password:   password,
		Log:        log,
		Gateway:    g,
		Reconciler: reconciler,
		Monitor:    monitor,
		Scheduler:  sched,
		History:    db,
	})
	require.NoError(t, err)
	apiSrv := httptest.NewServer(server.Handler())
	t.Cleanup(apiSrv.Close)

	return &stack{exchange: ex, webhook: hook, gateway: g, db: db, sched: sched, api: apiSrv}
}

func (s *stack) call(t *testing.T, method, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, s.api.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(api.PasswordHeader, password)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestProtectionLifecycle(t *testing.T) {
	s := newStack(t)

	// First pass places a super order priced from cost.
	var run api.RunResponse
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/protection/run", &run))
	assert.Equal(t, models.Tally{Total: 1, Succeeded: 1}, run.Summary)
	require.Len(t, run.Results, 1)
	assert.Equal(t, models.ActionCreate, run.Results[0].Action)
	assert.Equal(t, 135.0, run.Results[0].StopLossPrice)
	assert.Equal(t, 180.0, run.Results[0].TargetPrice)
	assert.Equal(t, 1, s.exchange.count("POST /super/orders"))

	// An unforced pass leaves the resting order alone.
	var again api.RunResponse
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/protection/run?force=false", &again))
	require.Len(t, again.Results, 1)
	assert.Equal(t, models.ActionNoOp, again.Results[0].Action)
	assert.Equal(t, 1, s.exchange.count("POST /super/orders"))

	// The price falls; a forced pass (the default) re-prices both legs in place.
	s.exchange.setLTP(135)
	var forced api.RunResponse
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/protection/run", &forced))
	require.Len(t, forced.Results, 1)
	assert.Equal(t, models.ActionModify, forced.Results[0].Action)
	assert.Equal(t, 120.0, forced.Results[0].StopLossPrice)
	assert.Equal(t, 2, s.exchange.count("PUT /super/orders/{orderID}"))

	var orders struct {
		Orders []models.ExistingOrder `json:"orders"`
	}
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/orders", &orders))
	require.Len(t, orders.Orders, 1)
	assert.Equal(t, 120.0, orders.Orders[0].StopPrice)
	assert.Equal(t, 162.0, orders.Orders[0].TargetPrice)

	// Every pass was recorded.
	runs, err := s.db.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	// The stop fills; the monitor records it once and notifies.
	s.exchange.fill(119.5)
	var check struct {
		NewTriggers int                    `json:"new_triggers"`
		Triggers    []models.TriggerRecord `json:"triggers"`
	}
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/triggers/check", &check))
	require.Equal(t, 1, check.NewTriggers)
	rec := check.Triggers[0]
	assert.Equal(t, "HDFCBANK", rec.TradingSymbol)
	assert.Equal(t, 119.5, rec.ExecutedPrice)
	require.NotNil(t, rec.PnLAmount)
	assert.InDelta(t, 195.0, *rec.PnLAmount, 1e-9)

	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/scheduler/trigger?job="+scheduler.JobTriggerCheck, nil))
	history, err := s.db.ListTriggers(context.Background(), models.TriggerFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 1, "a trigger is recorded once")

	titles := s.webhook.titles()
	require.Len(t, titles, 1)
	assert.Contains(t, titles[0], "HDFCBANK")
}

func TestCancelThroughAPI(t *testing.T) {
	s := newStack(t)
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/protection/run", nil))

	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/protection/cancel", &resp))
	assert.Equal(t, 1, resp.Cancelled)
	assert.Equal(t, 1, s.exchange.count("DELETE /super/orders/{orderID}/{leg}"))

	var status models.ProtectionSummary
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/protection/status", &status))
	assert.Equal(t, 0, status.ProtectedCount)
}

func TestAfterMarketPass(t *testing.T) {
	s := newStack(t)

	var run api.RunResponse
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/protection/run-amo?amo_time=PRE_OPEN", &run))
	assert.Equal(t, models.ModeAMO, run.Mode)
	require.Len(t, run.Results, 1)
	assert.True(t, run.Results[0].Success, run.Results[0].Message)
	assert.Zero(t, run.Results[0].TargetPrice)
	assert.Equal(t, 1, s.exchange.count("POST /orders"))
	assert.Zero(t, s.exchange.count("POST /super/orders"))

	var plain struct {
		Orders []models.RawOrder `json:"orders"`
	}
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/orders/regular", &plain))
	require.Len(t, plain.Orders, 1)
	assert.True(t, plain.Orders[0].AfterMarket)
	assert.Equal(t, models.AMOTime("PRE_OPEN"), plain.Orders[0].AMOTime)
	assert.Equal(t, 135.0, plain.Orders[0].TriggerPrice)
}

func TestTokenRenewalSwapsCredentials(t *testing.T) {
	s := newStack(t)

	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/scheduler/trigger?job="+scheduler.JobTokenRefresh, nil))

	tok, err := s.db.GetToken(context.Background(), security.DhanAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "renewed-token", tok.Value)
	assert.False(t, tok.ExpiresAt.IsZero())

	// The gateway now authenticates with the renewed token.
	var holdings struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/holdings", &holdings))
	assert.Equal(t, 1, holdings.Count)
}

func TestExpiredTokenHaltsPass(t *testing.T) {
	s := newStack(t)
	s.exchange.expireToken()

	var run api.RunResponse
	assert.Equal(t, http.StatusServiceUnavailable, s.call(t, "POST", "/api/protection/run", &run))
	assert.Zero(t, s.exchange.count("POST /super/orders"))

	// Renewal cannot rescue an expired token; the operator is alerted.
	assert.Error(t, s.sched.RunNow(context.Background(), scheduler.JobTokenRefresh))
	titles := s.webhook.titles()
	require.NotEmpty(t, titles)
	assert.Contains(t, titles[len(titles)-1], "expired")
}
