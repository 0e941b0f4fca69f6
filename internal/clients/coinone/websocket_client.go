package coinone

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"github.com/jbb100/kairos/internal/domain"
)

const (
	defaultStreamURL = "wss://stream.coinone.co.kr"

	dialTimeout        = 30 * time.Second
	writeWait          = 10 * time.Second
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// TickerWebSocket subscribes to the Coinone public ticker stream and
// keeps the shared price cache warm. The REST adapter treats the cache
// as best effort; losing the stream only costs extra REST calls.
type TickerWebSocket struct {
	url    string
	assets []domain.Asset
	prices *PriceCache
	log    zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	cancelFunc context.CancelFunc
	stopChan   chan struct{}
	stopped    bool
}

// tickerMessage is one TICKER channel frame.
type tickerMessage struct {
	ResponseType string `json:"response_type"`
	Channel      string `json:"channel"`
	Data         struct {
		TargetCurrency string `json:"target_currency"`
		Last           string `json:"last"`
		Timestamp      int64  `json:"timestamp"`
	} `json:"data"`
}

// NewTickerWebSocket creates a ticker stream client for the given assets.
func NewTickerWebSocket(assets []domain.Asset, prices *PriceCache, log zerolog.Logger) *TickerWebSocket {
	return &TickerWebSocket{
		url:      defaultStreamURL,
		assets:   assets,
		prices:   prices,
		log:      log.With().Str("component", "ticker_websocket").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start connects and begins the read loop. Connection failures are
// retried in the background with exponential backoff.
func (ws *TickerWebSocket) Start() {
	go ws.run()
}

// Stop closes the stream and ends the read loop.
func (ws *TickerWebSocket) Stop() {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return
	}
	ws.stopped = true
	close(ws.stopChan)
	if ws.cancelFunc != nil {
		ws.cancelFunc()
	}
	if ws.conn != nil {
		_ = ws.conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	ws.mu.Unlock()

	ws.log.Info().Msg("Ticker websocket stopped")
}

// run is the connect/read/reconnect loop.
func (ws *TickerWebSocket) run() {
	delay := baseReconnectDelay
	for {
		select {
		case <-ws.stopChan:
			return
		default:
		}

		if err := ws.connectAndRead(); err != nil {
			ws.log.Warn().Err(err).Dur("retry_in", delay).Msg("Ticker stream disconnected")
		}

		select {
		case <-ws.stopChan:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// connectAndRead dials, subscribes every asset, and reads frames until
// the connection drops.
func (ws *TickerWebSocket) connectAndRead() error {
	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, ws.url, nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("failed to dial ticker stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ws.mu.Lock()
	ws.conn = conn
	ws.cancelFunc = cancel
	ws.mu.Unlock()

	defer func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
	}()

	for _, asset := range ws.assets {
		if err := ws.subscribe(ctx, conn, asset); err != nil {
			return err
		}
	}
	ws.log.Info().Int("assets", len(ws.assets)).Msg("Ticker stream subscribed")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("ticker stream read failed: %w", err)
		}
		ws.handleFrame(data)
	}
}

// subscribe sends one TICKER channel subscription.
func (ws *TickerWebSocket) subscribe(ctx context.Context, conn *websocket.Conn, asset domain.Asset) error {
	msg := map[string]interface{}{
		"request_type": "SUBSCRIBE",
		"channel":      "TICKER",
		"topic": map[string]string{
			"quote_currency":  "KRW",
			"target_currency": string(asset),
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", asset, err)
	}
	return nil
}

// handleFrame feeds a ticker frame into the price cache.
func (ws *TickerWebSocket) handleFrame(data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Channel != "TICKER" || msg.Data.Last == "" {
		return
	}

	asset, err := domain.ParseAsset(msg.Data.TargetCurrency)
	if err != nil {
		return
	}
	price, err := decimal.NewFromString(msg.Data.Last)
	if err != nil || !price.IsPositive() {
		return
	}

	at := time.Now()
	if msg.Data.Timestamp > 0 {
		at = time.UnixMilli(msg.Data.Timestamp)
	}
	ws.prices.Update(asset, price.IntPart(), at)
}
