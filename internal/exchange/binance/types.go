package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// APIError captures structured error info returned by the exchange.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	Body       string
}

func (e *APIError) Error() string {
	if e == nil {
		return "binance API error"
	}
	if e.Code != 0 || e.Message != "" {
		return fmt.Sprintf("binance API error %d (code=%d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("binance API error %d: %s", e.StatusCode, e.Body)
}

func parseAPIError(statusCode int, body []byte) error {
	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Code != 0 || parsed.Msg != "") {
		return &APIError{StatusCode: statusCode, Code: parsed.Code, Message: parsed.Msg, Body: string(body)}
	}
	return &APIError{StatusCode: statusCode, Body: string(body)}
}

// floatString decodes the exchange's habit of sending numbers as JSON strings.
type floatString float64

func (f *floatString) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("binance: parse float %q: %w", s, err)
	}
	*f = floatString(v)
	return nil
}

// orderResponse is the raw order payload returned by order placement and
// order query endpoints.
type orderResponse struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Status        string      `json:"status"`
	Side          string      `json:"side"`
	AvgPrice      floatString `json:"avgPrice"`
	ExecutedQty   floatString `json:"executedQty"`
	OrigQty       floatString `json:"origQty"`
	UpdateTime    int64       `json:"updateTime"`
}

// positionRiskResponse is one entry of the position risk endpoint.
type positionRiskResponse struct {
	Symbol      string      `json:"symbol"`
	PositionAmt floatString `json:"positionAmt"`
	EntryPrice  floatString `json:"entryPrice"`
	MarkPrice   floatString `json:"markPrice"`
}

// balanceResponse is one entry of the futures balance endpoint.
type balanceResponse struct {
	Asset   string      `json:"asset"`
	Balance floatString `json:"balance"`
}

// markPriceResponse is the premium index payload.
type markPriceResponse struct {
	Symbol    string      `json:"symbol"`
	MarkPrice floatString `json:"markPrice"`
}
