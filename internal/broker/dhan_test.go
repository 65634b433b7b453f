package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
)

func newTestDhan(t *testing.T, handler http.Handler) *DhanGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewDhanGateway(DhanConfig{
		BaseURL:     srv.URL,
		ClientID:    "1000000001",
		AccessToken: "token-abc",
		Timeout:     5 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	g.retry.InitialDelay = time.Millisecond
	g.retry.MaxDelay = time.Millisecond
	return g
}

func TestNewDhanGatewayRequiresCredentials(t *testing.T) {
	_, err := NewDhanGateway(DhanConfig{ClientID: "1"}, zerolog.Nop())
	require.Error(t, err)
	var cfgErr *apperrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDhanListHoldings(t *testing.T) {
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/holdings", r.URL.Path)
		assert.Equal(t, "token-abc", r.Header.Get("access-token"))
		assert.Equal(t, "1000000001", r.Header.Get("client-id"))
		_, _ = io.WriteString(w, `[{"exchange":"ALL","tradingSymbol":"HDFCBANK","securityId":"1333","isin":"INE040A01034",
			"totalQty":12,"dpQty":10,"t1Qty":2,"availableQty":10,"collateralQty":0,"avgCostPrice":1520.35}]`)
	}))

	holdings, err := g.ListHoldings(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	h := holdings[0]
	assert.Equal(t, "1333", h.SecurityID)
	assert.Equal(t, models.NSEEquity, h.Exchange)
	assert.Equal(t, 10, h.AvailableQty)
	assert.InDelta(t, 1520.35, h.AvgCostPrice, 1e-9)
}

func TestDhanEmptyHoldings(t *testing.T) {
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"errorType":"Data_Error","errorCode":"DH-1111","errorMessage":"No holdings available"}`)
	}))

	holdings, err := g.ListHoldings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestDhanGetRetriesOnceOnServerError(t *testing.T) {
	var calls int32
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))

	_, err := g.ListStopOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDhanUnauthorizedIsTerminal(t *testing.T) {
	var calls int32
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"errorType":"Invalid_Authentication","errorCode":"DH-901","errorMessage":"Client ID or user generated access token is invalid or expired."}`)
	}))

	_, err := g.ListPlainOrders(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthError(err))
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var be *apperrors.BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "DH-901", be.Code)
}

func TestDhanMutationsAreNotRetried(t *testing.T) {
	var calls int32
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := g.CreateStopOrder(context.Background(), StopRequest{SecurityID: "1333", Quantity: 1, TriggerPrice: 100})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDhanCreateBracketOrderPayload(t *testing.T) {
	var body map[string]interface{}
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/super/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"orderId":"112111182198","orderStatus":"PENDING"}`)
	}))

	res, err := g.CreateBracketOrder(context.Background(), BracketRequest{
		SecurityID:    "1333",
		TradingSymbol: "HDFCBANK",
		Exchange:      models.NSEEquity,
		Quantity:      10,
		EntryPrice:    1650,
		TargetPrice:   1980,
		StopPrice:     1520,
		CorrelationID: "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "112111182198", res.OrderID)
	assert.True(t, res.Accepted())

	assert.Equal(t, "SELL", body["transactionType"])
	assert.Equal(t, "CNC", body["productType"])
	assert.Equal(t, "LIMIT", body["orderType"])
	assert.Equal(t, "NSE_EQ", body["exchangeSegment"])
	assert.Equal(t, "1000000001", body["dhanClientId"])
	assert.Equal(t, 1520.0, body["stopLossPrice"])
	assert.Equal(t, 1980.0, body["targetPrice"])
	assert.Equal(t, "c-1", body["correlationId"])
}

func TestDhanModifyAcceptedWithoutBody(t *testing.T) {
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/super/orders/9001", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "STOP_LOSS_LEG", body["legName"])
		assert.Equal(t, 1450.0, body["stopLossPrice"])
		w.WriteHeader(http.StatusAccepted)
	}))

	res, err := g.ModifyBracketLeg(context.Background(), "9001", LegModification{Leg: models.LegStopLoss, Price: 1450})
	require.NoError(t, err)
	assert.Equal(t, "9001", res.OrderID)
	assert.True(t, res.Accepted())
}

func TestDhanListStopOrdersReadsLegs(t *testing.T) {
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"orderId":"5001","orderStatus":"PENDING","transactionType":"SELL","securityId":"1333",
			"tradingSymbol":"HDFCBANK","quantity":10,"createTime":"2024-06-03 09:20:05",
			"legDetails":[{"legName":"STOP_LOSS_LEG","price":1520,"trailingJump":2},{"legName":"TARGET_LEG","price":1980}]}]`)
	}))

	orders, err := g.ListStopOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.True(t, o.IsProtective())
	assert.Equal(t, 1520.0, o.StopPrice)
	assert.Equal(t, 1980.0, o.TargetPrice)
	assert.Equal(t, 2.0, o.TrailingJump)
	assert.Equal(t, 9, o.CreatedAt.Hour())
}

func TestDhanLastPrices(t *testing.T) {
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []int{1333}, body["NSE_EQ"])
		_, _ = io.WriteString(w, `{"data":{"NSE_EQ":{"1333":{"last_price":1660.5}}},"status":"success"}`)
	}))

	prices, err := g.LastPrices(context.Background(), []models.Holding{{SecurityID: "1333", Exchange: models.NSEEquity}})
	require.NoError(t, err)
	assert.Equal(t, 1660.5, prices["1333"])
}

func TestDhanRenewToken(t *testing.T) {
	var seen []string
	g := newTestDhan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("access-token"))
		if r.URL.Path == "/RenewToken" {
			_, _ = io.WriteString(w, `{"accessToken":"token-new"}`)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))

	token, err := g.RenewToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-new", token)

	_, err = g.ListPlainOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"token-abc", "token-new"}, seen)
}
