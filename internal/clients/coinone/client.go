// Package coinone provides client functionality for the Coinone exchange
// (KRW spot markets, REST API v2/v2.1 plus the public websocket feed).
package coinone

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jbb100/kairos/internal/domain"
)

const defaultBaseURL = "https://api.coinone.co.kr"

// Client is the wire-level Coinone REST client. It owns authentication
// and transport; business semantics live in the Adapter.
type Client struct {
	baseURL   string
	http      *retryablehttp.Client
	log       zerolog.Logger
	apiKey    string
	apiSecret string
}

// NewClient creates a new Coinone REST client.
// Transient HTTP failures (network, 5xx) are retried with backoff by the
// underlying retryable transport before surfacing as ErrTransient.
func NewClient(apiKey, apiSecret string, log zerolog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:   defaultBaseURL,
		http:      rc,
		log:       log.With().Str("client", "coinone").Logger(),
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

// SetBaseURL overrides the API endpoint (tests).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// SetCredentials sets the API credentials for the client.
func (c *Client) SetCredentials(apiKey, apiSecret string) {
	c.apiKey = apiKey
	c.apiSecret = apiSecret
}

// signedHeaders builds the v2.1 private API authentication headers:
// payload = base64(compact JSON body), signature = HMAC-SHA512(payload).
func (c *Client) signedHeaders(body []byte) (payload, signature string) {
	payload = base64.StdEncoding.EncodeToString(body)
	mac := hmac.New(sha512.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	signature = hex.EncodeToString(mac.Sum(nil))
	return payload, signature
}

// privatePost issues an authenticated POST and returns the raw body.
func (c *Client) privatePost(endpoint string, params map[string]interface{}) ([]byte, error) {
	body := map[string]interface{}{
		"access_token": c.apiKey,
		"nonce":        uuid.NewString(),
	}
	for k, v := range params {
		body[k] = v
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	payload, signature := c.signedHeaders(raw)

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+endpoint, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-COINONE-PAYLOAD", payload)
	req.Header.Set("X-COINONE-SIGNATURE", signature)

	return c.do(req)
}

// publicGet issues an unauthenticated GET and returns the raw body.
func (c *Client) publicGet(endpoint string, query url.Values) ([]byte, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *Client) do(req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewExchangeError(domain.ErrTransient, "", err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewExchangeError(domain.ErrTransient, "", err.Error())
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, domain.NewExchangeError(domain.ErrTransient, strconv.Itoa(resp.StatusCode), string(body))
	case resp.StatusCode >= 400:
		return nil, domain.NewExchangeError(domain.ErrFatal, strconv.Itoa(resp.StatusCode), string(body))
	}

	return body, nil
}

// classify maps an in-body API error to the adapter error taxonomy.
// Codes per the Coinone API reference: 103 lack of balance, 307 order
// amount above maximum, 405 below minimum.
func classify(env apiResponse) error {
	if env.Result == "success" {
		return nil
	}
	switch env.ErrorCode {
	case "103":
		return domain.NewExchangeError(domain.ErrInsufficientBalance, env.ErrorCode, env.ErrorMsg)
	case "307":
		return domain.NewExchangeError(domain.ErrNotionalAboveMax, env.ErrorCode, env.ErrorMsg)
	case "405":
		return domain.NewExchangeError(domain.ErrNotionalBelowMin, env.ErrorCode, env.ErrorMsg)
	default:
		return domain.NewExchangeError(domain.ErrFatal, env.ErrorCode, env.ErrorMsg)
	}
}

// GetBalances returns total balances per currency symbol, including
// amounts locked in open orders (available + limit).
func (c *Client) GetBalances() (map[string]decimal.Decimal, error) {
	body, err := c.privatePost("/v2.1/account/balance/all", map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	var resp balancesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse balances response: %w", err)
	}
	if err := classify(resp.apiResponse); err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(resp.Balances))
	for _, entry := range resp.Balances {
		available, err := decimal.NewFromString(entry.Available)
		if err != nil {
			continue
		}
		locked, err := decimal.NewFromString(entry.Limit)
		if err != nil {
			locked = decimal.Zero
		}
		balances[entry.Currency] = available.Add(locked)
	}

	c.log.Debug().Int("assets", len(balances)).Msg("Balances fetched")
	return balances, nil
}

// GetTicker returns the 24h ticker for one KRW market.
func (c *Client) GetTicker(asset string) (*tickerData, error) {
	body, err := c.publicGet("/public/v2/ticker/KRW/"+asset, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", asset, err)
	}

	var resp tickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse ticker response: %w", err)
	}
	if err := classify(resp.apiResponse); err != nil {
		return nil, err
	}

	return &resp.Data, nil
}

// GetRecentTrades returns the most recent public trade prints, newest first.
func (c *Client) GetRecentTrades(asset string, size int) ([]tradeEntry, error) {
	query := url.Values{"size": {strconv.Itoa(size)}}
	body, err := c.publicGet("/public/v2/trades/KRW/"+asset, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent trades for %s: %w", asset, err)
	}

	var resp tradesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse trades response: %w", err)
	}
	if err := classify(resp.apiResponse); err != nil {
		return nil, err
	}

	return resp.Transactions, nil
}

// PlaceMarketBuy places a market buy sized by KRW notional.
func (c *Client) PlaceMarketBuy(asset string, notionalKRW int64) (string, error) {
	return c.placeOrder(map[string]interface{}{
		"side":            "BUY",
		"quote_currency":  "KRW",
		"target_currency": asset,
		"type":            "MARKET",
		"amount":          strconv.FormatInt(notionalKRW, 10),
	})
}

// PlaceMarketSell places a market sell sized by asset quantity.
func (c *Client) PlaceMarketSell(asset string, qty decimal.Decimal) (string, error) {
	return c.placeOrder(map[string]interface{}{
		"side":            "SELL",
		"quote_currency":  "KRW",
		"target_currency": asset,
		"type":            "MARKET",
		"qty":             qty.String(),
	})
}

// PlaceLimitOrder places a limit order at an integer KRW price.
func (c *Client) PlaceLimitOrder(asset, side string, qty decimal.Decimal, priceKRW int64) (string, error) {
	return c.placeOrder(map[string]interface{}{
		"side":            side,
		"quote_currency":  "KRW",
		"target_currency": asset,
		"type":            "LIMIT",
		"price":           strconv.FormatInt(priceKRW, 10),
		"qty":             qty.String(),
		"post_only":       false,
	})
}

func (c *Client) placeOrder(params map[string]interface{}) (string, error) {
	body, err := c.privatePost("/v2.1/order", params)
	if err != nil {
		return "", err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse order response: %w", err)
	}
	if err := classify(resp.apiResponse); err != nil {
		return "", err
	}

	c.log.Info().Str("order_id", resp.OrderID).Msg("Order placed")
	return resp.OrderID, nil
}

// CancelOrder cancels one order by ID. The caller decides how to treat
// already-terminal orders.
func (c *Client) CancelOrder(orderID string) error {
	body, err := c.privatePost("/private/v2.1/order/cancel", map[string]interface{}{
		"order_id": orderID,
	})
	if err != nil {
		return err
	}

	var resp cancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse cancel response: %w", err)
	}
	return classify(resp.apiResponse)
}

// GetOrderInfo returns the exchange's view of one order.
func (c *Client) GetOrderInfo(orderID string) (*orderInfo, error) {
	body, err := c.privatePost("/private/v2.1/order/info", map[string]interface{}{
		"order_id": orderID,
	})
	if err != nil {
		return nil, err
	}

	var resp orderInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order info response: %w", err)
	}
	if err := classify(resp.apiResponse); err != nil {
		return nil, err
	}

	return &resp.Order, nil
}
