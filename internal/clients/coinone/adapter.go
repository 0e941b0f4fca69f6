package coinone

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jbb100/kairos/internal/domain"
)

// wsPriceMaxAge bounds how old a websocket-fed price may be before the
// adapter falls back to REST.
const wsPriceMaxAge = 10 * time.Second

// AdapterConfig holds the order safety parameters.
type AdapterConfig struct {
	MaxRetries   int
	SafetyMargin float64
	MaxOrderKRW  map[domain.Asset]int64
	MinOrderKRW  int64
}

// Adapter implements domain.ExchangeAdapter on top of the Coinone
// client. It owns order validation (balance margin, per-asset bounds,
// exchange minimum) and the bounded downscale-retry policy; the wire
// client below it stays mechanical.
type Adapter struct {
	client *Client
	cfg    AdapterConfig
	prices *PriceCache
	log    zerolog.Logger
	nowFn  func() time.Time
}

// NewAdapter creates a Coinone exchange adapter.
func NewAdapter(client *Client, cfg AdapterConfig, prices *PriceCache, log zerolog.Logger) *Adapter {
	if prices == nil {
		prices = NewPriceCache()
	}
	return &Adapter{
		client: client,
		cfg:    cfg,
		prices: prices,
		log:    log.With().Str("component", "exchange_adapter").Logger(),
		nowFn:  time.Now,
	}
}

// GetBalances implements domain.ExchangeAdapter.
func (a *Adapter) GetBalances() (map[domain.Asset]decimal.Decimal, error) {
	raw, err := a.client.GetBalances()
	if err != nil {
		return nil, err
	}

	balances := make(map[domain.Asset]decimal.Decimal)
	for symbol, amount := range raw {
		asset, err := domain.ParseAsset(strings.ToUpper(symbol))
		if err != nil {
			continue // exchange lists assets outside the portfolio universe
		}
		balances[asset] = amount
	}
	return balances, nil
}

// GetLastPrice implements domain.ExchangeAdapter. Preference order:
// fresh websocket price, most recent public trade print, 24h ticker.
func (a *Adapter) GetLastPrice(asset domain.Asset) (int64, error) {
	if asset == domain.KRW {
		return 1, nil
	}

	now := a.nowFn()
	if price, ok := a.prices.Get(asset, now, wsPriceMaxAge); ok {
		return price, nil
	}

	trades, err := a.client.GetRecentTrades(string(asset), 10)
	if err == nil && len(trades) > 0 {
		if price, perr := decimal.NewFromString(trades[0].Price); perr == nil && price.IsPositive() {
			p := price.IntPart()
			a.prices.Update(asset, p, now)
			return p, nil
		}
	}

	ticker, err := a.client.GetTicker(string(asset))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrPriceUnavailable, asset, err)
	}
	for _, field := range []string{ticker.Last, ticker.Close24H} {
		if field == "" {
			continue
		}
		if price, perr := decimal.NewFromString(field); perr == nil && price.IsPositive() {
			p := price.IntPart()
			a.prices.Update(asset, p, now)
			return p, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, asset)
}

// PlaceOrder implements domain.ExchangeAdapter.
func (a *Adapter) PlaceOrder(req domain.PlaceOrderRequest) (*domain.OrderResult, error) {
	if !req.Asset.IsCrypto() {
		return nil, domain.NewExchangeError(domain.ErrFatal, "", "cannot trade quote currency")
	}

	notional := req.NotionalKRW

	// Caller-side balance validation with the safety margin. A shortfall
	// downscales the order; a downscale below the exchange minimum is an
	// insufficient-balance failure.
	usable, err := a.usableNotional(req.Asset, req.Side)
	if err != nil {
		return nil, err
	}
	if usable < notional {
		if usable < a.cfg.MinOrderKRW {
			return nil, domain.NewExchangeError(domain.ErrInsufficientBalance, "",
				fmt.Sprintf("usable %d KRW below order %d KRW for %s %s", usable, notional, req.Side, req.Asset))
		}
		a.log.Warn().
			Str("asset", string(req.Asset)).
			Int64("requested_krw", notional).
			Int64("usable_krw", usable).
			Msg("Balance shortfall, downscaling order")
		notional = usable
	}

	// Per-asset maximum order bound, bounded x0.9 downscale.
	if maxKRW, ok := a.cfg.MaxOrderKRW[req.Asset]; ok && maxKRW > 0 {
		for attempt := 0; notional > maxKRW; attempt++ {
			if attempt >= a.cfg.MaxRetries {
				return nil, domain.NewExchangeError(domain.ErrNotionalAboveMax, "",
					fmt.Sprintf("notional %d KRW above bound %d KRW for %s", notional, maxKRW, req.Asset))
			}
			notional = notional * 9 / 10
		}
	}

	if notional < a.cfg.MinOrderKRW {
		return nil, domain.NewExchangeError(domain.ErrNotionalBelowMin, "",
			fmt.Sprintf("notional %d KRW below exchange minimum %d KRW", notional, a.cfg.MinOrderKRW))
	}

	// Placement with bounded downscale retries: x0.9 on balance
	// rejection, x0.5 on max-notional rejection. Anything else
	// propagates verbatim.
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		orderID, err := a.place(req, notional)
		if err == nil {
			return &domain.OrderResult{OrderID: orderID, NotionalKRW: notional}, nil
		}
		lastErr = err

		kind, ok := domain.ExchangeErrorKind(err)
		if !ok {
			return nil, err
		}
		switch kind {
		case domain.ErrInsufficientBalance:
			notional = notional * 9 / 10
		case domain.ErrNotionalAboveMax:
			notional = notional / 2
		default:
			return nil, err
		}

		if notional < a.cfg.MinOrderKRW {
			return nil, lastErr
		}
		a.log.Warn().
			Err(err).
			Str("asset", string(req.Asset)).
			Int64("retry_krw", notional).
			Int("attempt", attempt+1).
			Msg("Order rejected, retrying downscaled")
	}

	return nil, lastErr
}

// place issues one order at the given notional.
func (a *Adapter) place(req domain.PlaceOrderRequest, notionalKRW int64) (string, error) {
	if req.Type == domain.OrderTypeLimit {
		qty, err := a.quantityFor(req, notionalKRW, req.PriceKRW)
		if err != nil {
			return "", err
		}
		return a.client.PlaceLimitOrder(string(req.Asset), string(req.Side), qty, req.PriceKRW)
	}

	if req.Side == domain.Buy {
		// Market buys are sized by KRW notional directly.
		return a.client.PlaceMarketBuy(string(req.Asset), notionalKRW)
	}

	// Market sells are sized by quantity at the latest trade price.
	price, err := a.GetLastPrice(req.Asset)
	if err != nil {
		return "", err
	}
	qty, err := a.quantityFor(req, notionalKRW, price)
	if err != nil {
		return "", err
	}
	return a.client.PlaceMarketSell(string(req.Asset), qty)
}

// quantityFor converts a KRW notional into an asset quantity. An
// explicit request quantity wins when set.
func (a *Adapter) quantityFor(req domain.PlaceOrderRequest, notionalKRW, priceKRW int64) (decimal.Decimal, error) {
	if req.Quantity.IsPositive() {
		return req.Quantity, nil
	}
	if priceKRW <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, req.Asset)
	}
	return decimal.NewFromInt(notionalKRW).
		DivRound(decimal.NewFromInt(priceKRW), 10), nil
}

// usableNotional values the spendable side of the order in KRW after
// applying the safety margin.
func (a *Adapter) usableNotional(asset domain.Asset, side domain.Side) (int64, error) {
	balances, err := a.GetBalances()
	if err != nil {
		return 0, err
	}

	margin := decimal.NewFromFloat(1 - a.cfg.SafetyMargin)

	if side == domain.Buy {
		krw := balances[domain.KRW]
		return krw.Mul(margin).IntPart(), nil
	}

	price, err := a.GetLastPrice(asset)
	if err != nil {
		return 0, err
	}
	held := balances[asset]
	return held.Mul(margin).Mul(decimal.NewFromInt(price)).IntPart(), nil
}

// CancelOrder implements domain.ExchangeAdapter. Cancellation of an
// already filled or cancelled order is success.
func (a *Adapter) CancelOrder(orderID string) error {
	err := a.client.CancelOrder(orderID)
	if err == nil {
		return nil
	}

	var ee *domain.ExchangeError
	if errors.As(err, &ee) && ee.Kind == domain.ErrTransient {
		return err
	}

	// The exchange rejects cancels of terminal orders; confirm via
	// status and treat terminal as success.
	status, statusErr := a.GetOrderStatus(orderID)
	if statusErr == nil && status.TerminalState() {
		a.log.Debug().Str("order_id", orderID).Str("state", status.State).
			Msg("Cancel of terminal order treated as success")
		return nil
	}
	return err
}

// GetOrderStatus implements domain.ExchangeAdapter.
func (a *Adapter) GetOrderStatus(orderID string) (*domain.ExchangeOrderStatus, error) {
	info, err := a.client.GetOrderInfo(orderID)
	if err != nil {
		return nil, err
	}

	status := &domain.ExchangeOrderStatus{
		OrderID: info.OrderID,
		State:   normalizeState(info.Status),
	}
	if v, err := decimal.NewFromString(info.ExecutedQty); err == nil {
		status.FilledAmount = v
	}
	if v, err := decimal.NewFromString(info.AvgPrice); err == nil {
		status.AveragePriceKRW = v.IntPart()
	}
	if v, err := decimal.NewFromString(info.TradedAmount); err == nil {
		status.FilledKRW = v.IntPart()
	}
	if v, err := decimal.NewFromString(info.FeeAmount); err == nil {
		status.FeeKRW = v.IntPart()
	}
	return status, nil
}

// normalizeState maps exchange order states onto the adapter's closed set.
func normalizeState(s string) string {
	switch strings.ToLower(s) {
	case "live", "open":
		return domain.ExchangeOrderLive
	case "partially_filled":
		return domain.ExchangeOrderPartiallyFilled
	case "filled", "done":
		return domain.ExchangeOrderFilled
	case "canceled", "cancelled", "expired":
		return domain.ExchangeOrderCancelled
	default:
		return s
	}
}
