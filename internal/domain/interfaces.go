package domain

import (
	"github.com/shopspring/decimal"
)

// OrderType selects between market and limit orders. TWAP slices are
// always market orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// PlaceOrderRequest describes one exchange order. Market buys are sized
// by NotionalKRW; market sells by Quantity (derived from the notional at
// the last price when Quantity is zero). Limit orders use PriceKRW.
type PlaceOrderRequest struct {
	Asset       Asset
	Side        Side
	NotionalKRW int64
	Quantity    decimal.Decimal
	Type        OrderType
	PriceKRW    int64
}

// OrderResult is the outcome of a successful placement.
type OrderResult struct {
	OrderID     string
	NotionalKRW int64 // the notional actually submitted after any downscale
}

// Exchange order states as normalized by the adapter.
const (
	ExchangeOrderLive            = "live"
	ExchangeOrderPartiallyFilled = "partially_filled"
	ExchangeOrderFilled          = "filled"
	ExchangeOrderCancelled       = "cancelled"
)

// ExchangeOrderStatus is the adapter's view of one placed order.
type ExchangeOrderStatus struct {
	OrderID         string
	State           string
	FilledAmount    decimal.Decimal
	AveragePriceKRW int64
	FilledKRW       int64
	FeeKRW          int64
}

// TerminalState reports whether the exchange order can no longer change.
func (s ExchangeOrderStatus) TerminalState() bool {
	return s.State == ExchangeOrderFilled || s.State == ExchangeOrderCancelled
}

// ExchangeAdapter is the engine's sole dependency on the outside world.
// Implementations validate orders before placement (balance with safety
// margin, per-asset bounds, exchange minimum) and classify failures
// through the ExchangeError taxonomy.
type ExchangeAdapter interface {
	// GetBalances returns total holdings per asset, including amounts
	// locked in open orders.
	GetBalances() (map[Asset]decimal.Decimal, error)

	// GetLastPrice returns the most recent trade print in KRW, falling
	// back to the 24h close. ErrPriceUnavailable when neither is positive.
	GetLastPrice(asset Asset) (int64, error)

	// PlaceOrder places one order after caller-side validation, with
	// bounded automatic downscale retries for balance and max-notional
	// rejections.
	PlaceOrder(req PlaceOrderRequest) (*OrderResult, error)

	// CancelOrder cancels an open order. Already filled or cancelled
	// orders are treated as success.
	CancelOrder(orderID string) error

	// GetOrderStatus returns the normalized state of a placed order.
	GetOrderStatus(orderID string) (*ExchangeOrderStatus, error)
}
