// Package exchangerate provides currency exchange rate fetching and caching functionality.
package exchangerate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// cacheTTL bounds how long a fetched rate is considered fresh. Stale
// entries are still served when the API is unreachable.
const cacheTTL = 12 * time.Hour

// Client for exchangerate-api.com
type Client struct {
	baseURL      string
	client       *http.Client
	log          zerolog.Logger
	fallbackRate float64 // configured USD/KRW fallback when API and cache both miss

	mu    sync.Mutex
	cache map[string]cachedRate
}

type cachedRate struct {
	rate      float64
	fetchedAt time.Time
}

// NewClient creates a new exchangerate-api.com client.
// fallbackRate is returned as the last resort when the API is
// unreachable and nothing was ever cached (offline startup).
func NewClient(fallbackRate float64, log zerolog.Logger) *Client {
	return &Client{
		baseURL:      "https://api.exchangerate-api.com/v4/latest",
		client:       &http.Client{Timeout: 10 * time.Second},
		log:          log.With().Str("client", "exchangerate-api").Logger(),
		fallbackRate: fallbackRate,
		cache:        make(map[string]cachedRate),
	}
}

// SetBaseURL overrides the API endpoint (tests).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// GetRate fetches an exchange rate with cache.
// If the API fails, returns stale cached data if available, then the
// configured fallback (stale data > fallback > nothing).
func (c *Client) GetRate(fromCurrency, toCurrency string) (float64, error) {
	if fromCurrency == toCurrency {
		return 1.0, nil
	}

	cacheKey := fromCurrency + ":" + toCurrency

	c.mu.Lock()
	entry, ok := c.cache[cacheKey]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < cacheTTL {
		return entry.rate, nil
	}

	rate, err := c.fetch(fromCurrency, toCurrency)
	if err != nil {
		if ok {
			c.log.Warn().
				Err(err).
				Str("from", fromCurrency).
				Str("to", toCurrency).
				Float64("rate", entry.rate).
				Msg("API failed, using stale cached rate")
			return entry.rate, nil
		}
		if c.fallbackRate > 0 {
			c.log.Warn().
				Err(err).
				Float64("rate", c.fallbackRate).
				Msg("API failed with empty cache, using configured fallback rate")
			return c.fallbackRate, nil
		}
		return 0, err
	}

	c.mu.Lock()
	c.cache[cacheKey] = cachedRate{rate: rate, fetchedAt: time.Now()}
	c.mu.Unlock()

	c.log.Info().
		Str("from", fromCurrency).
		Str("to", toCurrency).
		Float64("rate", rate).
		Msg("Fetched rate")

	return rate, nil
}

func (c *Client) fetch(fromCurrency, toCurrency string) (float64, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, fromCurrency)

	resp, err := c.client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var result struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}

	rate, exists := result.Rates[toCurrency]
	if !exists {
		return 0, fmt.Errorf("rate not found for %s->%s", fromCurrency, toCurrency)
	}
	return rate, nil
}
