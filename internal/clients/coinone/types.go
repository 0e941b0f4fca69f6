package coinone

// Wire-level response types for the Coinone REST API v2/v2.1.
// Numeric fields arrive as strings on the wire and are parsed by the
// caller with shopspring/decimal.

// apiResponse is the envelope every endpoint shares.
type apiResponse struct {
	Result    string `json:"result"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// balanceEntry is one asset in the balance/all response.
type balanceEntry struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Limit     string `json:"limit"` // locked in open orders
}

// balancesResponse is the response for POST /v2.1/account/balance/all.
type balancesResponse struct {
	apiResponse
	Balances []balanceEntry `json:"balances"`
}

// tickerData carries the 24h ticker for one market.
type tickerData struct {
	Last     string `json:"last"`
	Close24H string `json:"close_24h"`
}

// tickerResponse is the response for GET /public/v2/ticker/KRW/{asset}.
type tickerResponse struct {
	apiResponse
	Data tickerData `json:"data"`
}

// tradeEntry is one public trade print.
type tradeEntry struct {
	Price     string `json:"price"`
	Qty       string `json:"qty"`
	Timestamp int64  `json:"timestamp"`
}

// tradesResponse is the response for GET /public/v2/trades/KRW/{asset}.
type tradesResponse struct {
	apiResponse
	Transactions []tradeEntry `json:"transactions"`
}

// orderResponse is the response for POST /v2.1/order.
type orderResponse struct {
	apiResponse
	OrderID string `json:"order_id"`
}

// orderInfo is the detail block of an order info response.
type orderInfo struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"` // live | partially_filled | filled | canceled
	ExecutedQty   string `json:"executed_qty"`
	AvgPrice      string `json:"average_executed_price"`
	TradedAmount  string `json:"traded_amount"` // filled notional, KRW
	FeeAmount     string `json:"fee"`
	RemainingQty  string `json:"remain_qty"`
	OriginalQty   string `json:"original_qty"`
	OrderedAmount string `json:"original_amount"`
}

// orderInfoResponse is the response for POST /private/v2.1/order/info.
type orderInfoResponse struct {
	apiResponse
	Order orderInfo `json:"order"`
}

// cancelResponse is the response for POST /private/v2.1/order/cancel.
type cancelResponse struct {
	apiResponse
}
