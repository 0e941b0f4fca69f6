// Package binance provides a client for the Binance public market data
// API. Only unauthenticated kline endpoints are used; the engine needs
// Binance solely for long-horizon BTC history that the domestic
// exchange does not serve.
package binance

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.binance.com"

// Kline is one OHLC bar in the quote currency (USDT).
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	CloseTime time.Time
}

// Client fetches public kline data.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	log     zerolog.Logger
}

// NewClient creates a Binance public data client.
func NewClient(log zerolog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL: defaultBaseURL,
		http:    rc,
		log:     log.With().Str("client", "binance").Logger(),
	}
}

// SetBaseURL overrides the API endpoint (tests).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// GetKlines fetches up to limit bars for the given symbol and interval
// ("1w", "1d"), oldest first.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	query := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, c.baseURL+"/api/v3/klines?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build klines request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines request returned status %d", resp.StatusCode)
	}

	// Each kline arrives as a positional array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to parse klines response: %w", err)
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var openMs, closeMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			continue
		}
		if err := json.Unmarshal(row[6], &closeMs); err != nil {
			continue
		}
		open, err1 := parseFloatField(row[1])
		high, err2 := parseFloatField(row[2])
		low, err3 := parseFloatField(row[3])
		closePrice, err4 := parseFloatField(row[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  time.UnixMilli(openMs),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			CloseTime: time.UnixMilli(closeMs),
		})
	}

	c.log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("bars", len(klines)).
		Msg("Klines fetched")

	return klines, nil
}

// GetWeeklyCloses returns weekly closing prices, oldest first.
func (c *Client) GetWeeklyCloses(symbol string, limit int) ([]float64, error) {
	klines, err := c.GetKlines(symbol, "1w", limit)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	return closes, nil
}

// GetDailyBars returns daily OHLC bars, oldest first.
func (c *Client) GetDailyBars(symbol string, limit int) ([]Kline, error) {
	return c.GetKlines(symbol, "1d", limit)
}

// parseFloatField handles Binance's string-encoded numerics.
func parseFloatField(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}
