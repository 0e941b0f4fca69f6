package coinone

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbb100/kairos/internal/domain"
)

// fakeExchange is a scripted Coinone API for adapter tests.
type fakeExchange struct {
	t *testing.T

	balances    []map[string]string // currency -> available/limit
	tradePrice  string              // latest trade print ("" disables)
	tickerLast  string
	orderScript []map[string]interface{} // consumed per /v2.1/order call
	orderCalls  []map[string]interface{} // recorded request bodies
	cancelResp  map[string]interface{}
	orderInfo   map[string]interface{}
}

func (f *fakeExchange) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v2.1/account/balance/all", func(w http.ResponseWriter, r *http.Request) {
		entries := make([]map[string]string, 0, len(f.balances))
		entries = append(entries, f.balances...)
		writeJSON(w, map[string]interface{}{"result": "success", "balances": entries})
	})

	mux.HandleFunc("/public/v2/trades/KRW/", func(w http.ResponseWriter, r *http.Request) {
		var txs []map[string]interface{}
		if f.tradePrice != "" {
			txs = append(txs, map[string]interface{}{"price": f.tradePrice, "qty": "0.1", "timestamp": 1})
		}
		writeJSON(w, map[string]interface{}{"result": "success", "transactions": txs})
	})

	mux.HandleFunc("/public/v2/ticker/KRW/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"result": "success",
			"data":   map[string]string{"last": f.tickerLast, "close_24h": f.tickerLast},
		})
	})

	mux.HandleFunc("/v2.1/order", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.orderCalls = append(f.orderCalls, body)

		resp := map[string]interface{}{"result": "success", "order_id": "oid-1"}
		if len(f.orderScript) > 0 {
			resp = f.orderScript[0]
			f.orderScript = f.orderScript[1:]
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/private/v2.1/order/cancel", func(w http.ResponseWriter, r *http.Request) {
		resp := f.cancelResp
		if resp == nil {
			resp = map[string]interface{}{"result": "success"}
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/private/v2.1/order/info", func(w http.ResponseWriter, r *http.Request) {
		info := f.orderInfo
		if info == nil {
			info = map[string]interface{}{"order_id": "oid-1", "status": "live"}
		}
		writeJSON(w, map[string]interface{}{"result": "success", "order": info})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAdapter(t *testing.T, fake *fakeExchange) *Adapter {
	fake.t = t
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client := NewClient("key", "secret", zerolog.Nop())
	client.SetBaseURL(srv.URL)

	return NewAdapter(client, AdapterConfig{
		MaxRetries:   3,
		SafetyMargin: 0.01,
		MaxOrderKRW:  map[domain.Asset]int64{domain.BTC: 500_000_000},
		MinOrderKRW:  1_000,
	}, NewPriceCache(), zerolog.Nop())
}

func TestGetLastPricePrefersTradePrint(t *testing.T) {
	fake := &fakeExchange{tradePrice: "45000000", tickerLast: "44000000"}
	adapter := newTestAdapter(t, fake)

	price, err := adapter.GetLastPrice(domain.BTC)
	require.NoError(t, err)
	assert.Equal(t, int64(45_000_000), price)
}

func TestGetLastPriceFallsBackToTicker(t *testing.T) {
	fake := &fakeExchange{tradePrice: "", tickerLast: "44000000"}
	adapter := newTestAdapter(t, fake)

	price, err := adapter.GetLastPrice(domain.BTC)
	require.NoError(t, err)
	assert.Equal(t, int64(44_000_000), price)
}

func TestGetLastPriceUnavailable(t *testing.T) {
	fake := &fakeExchange{tradePrice: "", tickerLast: "0"}
	adapter := newTestAdapter(t, fake)

	_, err := adapter.GetLastPrice(domain.BTC)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestGetLastPriceKRWIsOne(t *testing.T) {
	adapter := newTestAdapter(t, &fakeExchange{})
	price, err := adapter.GetLastPrice(domain.KRW)
	require.NoError(t, err)
	assert.Equal(t, int64(1), price)
}

func TestPlaceOrderMarketBuy(t *testing.T) {
	fake := &fakeExchange{
		balances: []map[string]string{
			{"currency": "KRW", "available": "10000000", "limit": "0"},
		},
		tradePrice: "45000000",
	}
	adapter := newTestAdapter(t, fake)

	result, err := adapter.PlaceOrder(domain.PlaceOrderRequest{
		Asset:       domain.BTC,
		Side:        domain.Buy,
		NotionalKRW: 100_000,
		Type:        domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "oid-1", result.OrderID)
	assert.Equal(t, int64(100_000), result.NotionalKRW)

	require.Len(t, fake.orderCalls, 1)
	assert.Equal(t, "BUY", fake.orderCalls[0]["side"])
	assert.Equal(t, "MARKET", fake.orderCalls[0]["type"])
	assert.Equal(t, "100000", fake.orderCalls[0]["amount"])
}

func TestPlaceOrderMarketSellUsesQuantity(t *testing.T) {
	fake := &fakeExchange{
		balances: []map[string]string{
			{"currency": "BTC", "available": "1.0", "limit": "0"},
		},
		tradePrice: "50000000",
	}
	adapter := newTestAdapter(t, fake)

	result, err := adapter.PlaceOrder(domain.PlaceOrderRequest{
		Asset:       domain.BTC,
		Side:        domain.Sell,
		NotionalKRW: 1_000_000,
		Type:        domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "oid-1", result.OrderID)

	require.Len(t, fake.orderCalls, 1)
	assert.Equal(t, "SELL", fake.orderCalls[0]["side"])
	// 1_000_000 KRW / 50_000_000 KRW = 0.02 BTC
	qty, err := decimal.NewFromString(fake.orderCalls[0]["qty"].(string))
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("0.02")), "qty %s", qty)
}

func TestPlaceOrderDownscalesOnBalanceRejection(t *testing.T) {
	fake := &fakeExchange{
		balances: []map[string]string{
			{"currency": "KRW", "available": "10000000", "limit": "0"},
		},
		orderScript: []map[string]interface{}{
			{"result": "error", "error_code": "103", "error_msg": "Lack of Balance"},
			{"result": "success", "order_id": "oid-2"},
		},
	}
	adapter := newTestAdapter(t, fake)

	result, err := adapter.PlaceOrder(domain.PlaceOrderRequest{
		Asset:       domain.BTC,
		Side:        domain.Buy,
		NotionalKRW: 100_000,
		Type:        domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "oid-2", result.OrderID)
	// Second attempt carries 90% of the notional.
	assert.Equal(t, int64(90_000), result.NotionalKRW)
	require.Len(t, fake.orderCalls, 2)
	assert.Equal(t, "90000", fake.orderCalls[1]["amount"])
}

func TestPlaceOrderHalvesOnMaxNotionalRejection(t *testing.T) {
	fake := &fakeExchange{
		balances: []map[string]string{
			{"currency": "KRW", "available": "1000000000", "limit": "0"},
		},
		orderScript: []map[string]interface{}{
			{"result": "error", "error_code": "307", "error_msg": "above max"},
			{"result": "success", "order_id": "oid-3"},
		},
	}
	adapter := newTestAdapter(t, fake)

	result, err := adapter.PlaceOrder(domain.PlaceOrderRequest{
		Asset:       domain.BTC,
		Side:        domain.Buy,
		NotionalKRW: 400_000,
		Type:        domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), result.NotionalKRW)
}

func TestPlaceOrderBelowMinPropagates(t *testing.T) {
	fake := &fakeExchange{
		balances: []map[string]string{
			{"currency": "KRW", "available": "10000000", "limit": "0"},
		},
		orderScript: []map[string]interface{}{
			{"result": "error", "error_code": "405", "error_msg": "below min"},
		},
	}
	adapter := newTestAdapter(t, fake)

	_, err := adapter.PlaceOrder(domain.PlaceOrderRequest{
		Asset:       domain.BTC,
		Side:        domain.Buy,
		NotionalKRW: 100_000,
		Type:        domain.OrderTypeMarket,
	})
	require.Error(t, err)
	kind, ok := domain.ExchangeErrorKind(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrNotionalBelowMin, kind)
	assert.Len(t, fake.orderCalls, 1) // no retry for below-min
}

func TestPlaceOrderInsufficientUsableBalance(t *testing.T) {
	fake := &fakeExchange{
		balances: []map[string]string{
			{"currency": "KRW", "available": "500", "limit": "0"},
		},
	}
	adapter := newTestAdapter(t, fake)

	_, err := adapter.PlaceOrder(domain.PlaceOrderRequest{
		Asset:       domain.BTC,
		Side:        domain.Buy,
		NotionalKRW: 100_000,
		Type:        domain.OrderTypeMarket,
	})
	require.Error(t, err)
	kind, ok := domain.ExchangeErrorKind(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrInsufficientBalance, kind)
	assert.Empty(t, fake.orderCalls)
}

func TestCancelOrderTerminalIsSuccess(t *testing.T) {
	fake := &fakeExchange{
		cancelResp: map[string]interface{}{"result": "error", "error_code": "104", "error_msg": "already traded"},
		orderInfo:  map[string]interface{}{"order_id": "oid-1", "status": "filled"},
	}
	adapter := newTestAdapter(t, fake)

	assert.NoError(t, adapter.CancelOrder("oid-1"))
}

func TestGetOrderStatusNormalizesFields(t *testing.T) {
	fake := &fakeExchange{
		orderInfo: map[string]interface{}{
			"order_id":               "oid-1",
			"status":                 "filled",
			"executed_qty":           "0.002",
			"average_executed_price": "50000000",
			"traded_amount":          "100000",
			"fee":                    "20",
		},
	}
	adapter := newTestAdapter(t, fake)

	status, err := adapter.GetOrderStatus("oid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeOrderFilled, status.State)
	assert.True(t, status.TerminalState())
	assert.Equal(t, int64(100_000), status.FilledKRW)
	assert.Equal(t, int64(50_000_000), status.AveragePriceKRW)
	assert.Equal(t, int64(20), status.FeeKRW)
}

func TestPriceCacheFreshness(t *testing.T) {
	cache := NewPriceCache()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	cache.Update(domain.BTC, 45_000_000, now)

	price, ok := cache.Get(domain.BTC, now.Add(5*time.Second), wsPriceMaxAge)
	assert.True(t, ok)
	assert.Equal(t, int64(45_000_000), price)

	_, ok = cache.Get(domain.BTC, now.Add(time.Minute), wsPriceMaxAge)
	assert.False(t, ok)

	// Non-positive prices are ignored.
	cache.Update(domain.ETH, 0, now)
	_, ok = cache.Get(domain.ETH, now, wsPriceMaxAge)
	assert.False(t, ok)
}
