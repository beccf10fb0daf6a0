package binance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantara-dev/perpbot/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		ApiKey:    "key",
		SecretKey: "secret",
		BaseURL:   srv.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetCandles(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "4h", r.URL.Query().Get("interval"))
		w.Write([]byte(`[
			[1717200000000,"50000.1","50100.2","49900.3","50050.4","123.5",1717214399999],
			[1717214400000,"50050.4","50200.0","50000.0","50150.0","98.7",1717228799999]
		]`))
	})

	candles, err := c.GetCandles(context.Background(), "BTCUSDT", "4h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.InDelta(t, 50000.1, candles[0].Open, 1e-9)
	assert.InDelta(t, 50050.4, candles[0].Close, 1e-9)
	assert.InDelta(t, 123.5, candles[0].Volume, 1e-9)
	assert.InDelta(t, 50150.0, candles[1].Close, 1e-9)
}

func TestGetMarkPrice(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"50123.45000000"}`))
	})

	price, err := c.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 50123.45, price, 1e-9)
}

func TestGetBalance(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"), "signed endpoint carries a signature")
		w.Write([]byte(`[
			{"asset":"BNB","balance":"0.1"},
			{"asset":"USDT","balance":"10000.5"}
		]`))
	})

	balance, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10000.5, balance, 1e-9)
}

func TestGetPosition(t *testing.T) {
	t.Parallel()

	t.Run("held position", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"50000.0","markPrice":"49800.0"}]`))
		})

		pos, err := c.GetPosition(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, domain.SideShort, pos.Side())
		assert.InDelta(t, -0.01, pos.Quantity, 1e-9)
		assert.InDelta(t, 50000, pos.EntryPrice, 1e-9)
	})

	t.Run("flat returns zero quantity, not an error", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[]`))
		})

		pos, err := c.GetPosition(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, domain.SideFlat, pos.Side())
	})
}

func TestSubmitOrder(t *testing.T) {
	t.Parallel()

	req := domain.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          domain.OrderSideBuy,
		Quantity:      0.01,
		ClientOrderID: "pb-btcusdt-1-open",
	}

	t.Run("immediate fill confirms", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "pb-btcusdt-1-open", r.URL.Query().Get("newClientOrderId"))
			assert.Equal(t, "MARKET", r.URL.Query().Get("type"))
			w.Write([]byte(`{"orderId":42,"clientOrderId":"pb-btcusdt-1-open","symbol":"BTCUSDT","status":"FILLED","avgPrice":"50010.0","executedQty":"0.010","updateTime":1717200000000}`))
		})

		res, err := c.SubmitOrder(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeConfirmed, res.Outcome)
		assert.EqualValues(t, 42, res.Fill.OrderID)
		assert.InDelta(t, 50010, res.Fill.AvgPrice, 1e-9)
		assert.InDelta(t, 0.01, res.Fill.Quantity, 1e-9)
	})

	t.Run("4xx maps to rejected", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
		})

		res, err := c.SubmitOrder(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeRejected, res.Outcome)
		assert.Equal(t, "Margin is insufficient.", res.Reason)
	})

	t.Run("reduce-only flag is forwarded", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "true", r.URL.Query().Get("reduceOnly"))
			w.Write([]byte(`{"status":"FILLED","avgPrice":"50000","executedQty":"0.01"}`))
		})

		closeReq := req
		closeReq.ReduceOnly = true
		res, err := c.SubmitOrder(context.Background(), closeReq)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeConfirmed, res.Outcome)
	})

	t.Run("pending order resolves by polling", func(t *testing.T) {
		t.Parallel()
		calls := 0
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			if r.Method == http.MethodPost {
				w.Write([]byte(`{"status":"NEW"}`))
				return
			}
			w.Write([]byte(`{"status":"FILLED","avgPrice":"50020.0","executedQty":"0.010"}`))
		})

		res, err := c.SubmitOrder(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeConfirmed, res.Outcome)
		assert.GreaterOrEqual(t, calls, 2)
	})
}

func TestQueryOrder(t *testing.T) {
	t.Parallel()

	t.Run("unknown ID maps to ErrNotFound", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		})

		_, err := c.QueryOrder(context.Background(), "BTCUSDT", "pb-btcusdt-9-open")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("canceled maps to rejected", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"CANCELED"}`))
		})

		res, err := c.QueryOrder(context.Background(), "BTCUSDT", "pb-btcusdt-1-open")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	})

	t.Run("pending maps to unknown", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"PARTIALLY_FILLED"}`))
		})

		res, err := c.QueryOrder(context.Background(), "BTCUSDT", "pb-btcusdt-1-open")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeUnknown, res.Outcome)
	})
}

func TestServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
	})

	_, err := c.GetMarkPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientGateway)
}

func TestWsURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "wss://fstream.binance.com", WsURL(false, ""))
	assert.Equal(t, "wss://stream.binancefuture.com", WsURL(true, ""))
	assert.Equal(t, "ws://localhost:9000", WsURL(true, "ws://localhost:9000"))
}
