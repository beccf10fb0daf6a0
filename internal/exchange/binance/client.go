// Package binance implements the exchange gateway against the Binance USDT-M
// futures REST and WebSocket APIs. Signed endpoints use HMAC-SHA256 request
// signing; the testnet base URL is selected via configuration so orders can be
// exercised without real funds.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantara-dev/perpbot/internal/crypto"
	"github.com/quantara-dev/perpbot/internal/domain"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	mainnetWsURL = "wss://fstream.binance.com"
	testnetWsURL = "wss://stream.binancefuture.com"
)

// fillPollAttempts bounds how long SubmitOrder waits for a market order to
// reach FILLED before reporting the outcome as unknown.
const fillPollAttempts = 3

// ClientConfig holds the connection parameters for the REST client.
type ClientConfig struct {
	ApiKey    string
	SecretKey string
	Testnet   bool
	// BaseURL overrides the default host when set (useful for tests).
	BaseURL string
}

// Client is the REST gateway to Binance futures. It implements
// domain.Gateway.
type Client struct {
	baseURL    string
	apiKey     string
	signer     *crypto.RequestSigner
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	baseURL := mainnetBaseURL
	if cfg.Testnet {
		baseURL = testnetBaseURL
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    cfg.ApiKey,
		signer:    crypto.NewRequestSigner(cfg.SecretKey),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With(slog.String("component", "binance")),
	}
}

// WsURL returns the stream host matching the given testnet setting, unless an
// explicit override is provided.
func WsURL(testnet bool, override string) string {
	if override != "" {
		return override
	}
	if testnet {
		return testnetWsURL
	}
	return mainnetWsURL
}

// GetCandles returns up to limit closed klines for the symbol, oldest first.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doPublic(ctx, http.MethodGet, "/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("binance: get candles: %w", err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		var openMs, closeMs int64
		var o, h, l, cl, v floatString
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("binance: decode kline open time: %w", err)
		}
		for i, dst := range []*floatString{&o, &h, &l, &cl, &v} {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				return nil, fmt.Errorf("binance: decode kline field %d: %w", i+1, err)
			}
		}
		if err := json.Unmarshal(row[6], &closeMs); err != nil {
			return nil, fmt.Errorf("binance: decode kline close time: %w", err)
		}
		candles = append(candles, domain.Candle{
			OpenTime:  time.UnixMilli(openMs).UTC(),
			CloseTime: time.UnixMilli(closeMs).UTC(),
			Open:      float64(o),
			High:      float64(h),
			Low:       float64(l),
			Close:     float64(cl),
			Volume:    float64(v),
		})
	}
	return candles, nil
}

// GetMarkPrice returns the current mark price for the symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, fmt.Errorf("binance: get mark price: %w", err)
	}

	var resp markPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance: decode mark price: %w", err)
	}
	return float64(resp.MarkPrice), nil
}

// GetBalance returns the USDT wallet balance of the futures account.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return 0, fmt.Errorf("binance: get balance: %w", err)
	}

	var balances []balanceResponse
	if err := json.Unmarshal(body, &balances); err != nil {
		return 0, fmt.Errorf("binance: decode balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return float64(b.Balance), nil
		}
	}
	return 0, nil
}

// GetPosition returns the exchange's authoritative position for the symbol.
// A flat position is returned with zero quantity, not an error.
func (c *Client) GetPosition(ctx context.Context, symbol string) (domain.ExchangePosition, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return domain.ExchangePosition{}, fmt.Errorf("binance: get position: %w", err)
	}

	var positions []positionRiskResponse
	if err := json.Unmarshal(body, &positions); err != nil {
		return domain.ExchangePosition{}, fmt.Errorf("binance: decode position: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return domain.ExchangePosition{
				Symbol:     p.Symbol,
				Quantity:   float64(p.PositionAmt),
				EntryPrice: float64(p.EntryPrice),
				MarkPrice:  float64(p.MarkPrice),
			}, nil
		}
	}
	return domain.ExchangePosition{Symbol: symbol}, nil
}

// SubmitOrder places a market order with the caller-assigned client order ID.
// The result is three-way: confirmed with fill details, rejected with the
// exchange's reason, or unknown when the request timed out or the fill could
// not be observed within the polling window. An unknown outcome means the
// order may exist on the exchange; the caller must reconcile before retrying.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.SubmitResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
			return domain.SubmitResult{
				Outcome: domain.OutcomeRejected,
				Reason:  apiErr.Message,
			}, nil
		case isAmbiguous(err):
			// The request may have reached the exchange. Never assume it
			// did or didn't.
			c.logger.WarnContext(ctx, "order submission outcome unknown",
				slog.String("client_order_id", req.ClientOrderID),
				slog.String("error", err.Error()),
			)
			return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
		default:
			return domain.SubmitResult{}, fmt.Errorf("binance: submit order: %w", err)
		}
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("binance: decode order response: %w", err)
	}

	if resp.Status == "FILLED" {
		return domain.SubmitResult{
			Outcome: domain.OutcomeConfirmed,
			Fill:    fillFromResponse(resp),
		}, nil
	}

	// Market orders normally fill immediately; give a short grace window
	// before declaring the outcome unknown.
	for attempt := 0; attempt < fillPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
		case <-time.After(300 * time.Millisecond):
		}
		res, qErr := c.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
		if qErr != nil {
			continue
		}
		if res.Outcome == domain.OutcomeConfirmed || res.Outcome == domain.OutcomeRejected {
			return res, nil
		}
	}
	return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
}

// QueryOrder looks up an order by its client-assigned ID. It returns
// domain.ErrNotFound when the exchange has never seen the ID, which lets
// reconciliation distinguish "order never arrived" from "order pending".
func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (domain.SubmitResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			// "Order does not exist."
			return domain.SubmitResult{}, domain.ErrNotFound
		}
		return domain.SubmitResult{}, fmt.Errorf("binance: query order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("binance: decode order query: %w", err)
	}

	switch resp.Status {
	case "FILLED":
		return domain.SubmitResult{
			Outcome: domain.OutcomeConfirmed,
			Fill:    fillFromResponse(resp),
		}, nil
	case "CANCELED", "REJECTED", "EXPIRED":
		return domain.SubmitResult{
			Outcome: domain.OutcomeRejected,
			Reason:  "order " + strings.ToLower(resp.Status),
		}, nil
	default:
		return domain.SubmitResult{Outcome: domain.OutcomeUnknown}, nil
	}
}

// CancelAllOrders cancels every open order for the symbol. Used at startup to
// clear stale stop orders before reconciliation.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	if _, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params); err != nil {
		return fmt.Errorf("binance: cancel all orders: %w", err)
	}
	return nil
}

func fillFromResponse(resp orderResponse) domain.OrderFill {
	return domain.OrderFill{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		AvgPrice:      float64(resp.AvgPrice),
		Quantity:      float64(resp.ExecutedQty),
		FilledAt:      time.UnixMilli(resp.UpdateTime).UTC(),
	}
}

// ---------------------------------------------------------------------------
// Request plumbing
// ---------------------------------------------------------------------------

func (c *Client) doPublic(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return c.do(ctx, method, endpoint)
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	endpoint := c.baseURL + path + "?" + query + "&signature=" + c.signer.Sign(query)
	return c.do(ctx, method, endpoint)
}

func (c *Client) do(ctx context.Context, method, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isAmbiguous(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientGateway, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTransientGateway, err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransientGateway, parseAPIError(resp.StatusCode, body))
		}
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// isAmbiguous reports whether the error means the request may have been
// delivered even though no response was observed. Connection-refused and DNS
// failures are safe to classify as transient; timeouts are not.
func isAmbiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Compile-time interface check.
var _ domain.Gateway = (*Client)(nil)
