// Package exchange defines the market-making loop's view of a spot
// exchange: the nine operations it calls every iteration, and a REST
// implementation grounded on the same request/response shape the venue
// adapters in this codebase already use.
package exchange

import "context"

// Side is an order side.
type Side string

const (
	// SideBuy is a buy order.
	SideBuy Side = "BUY"
	// SideSell is a sell order.
	SideSell Side = "SELL"
)

// OrderType selects limit vs. market execution.
type OrderType string

const (
	// OrderTypeLimit is a maker-intent limit order.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeMarket is a taker market order.
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus mirrors the exchange's order lifecycle states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether status is one of the four terminal states
// wait_for_order_close polls for.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCanceled, StatusFilled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Filter is one exchange-info sizing/pricing constraint.
type Filter struct {
	Type        string
	MinPrice    string
	TickSize    string
	MinQty      string
	StepSize    string
	MinNotional string
}

// SymbolInfo is the exchangeInfo(symbol) response, narrowed to the fields
// the strategy consults.
type SymbolInfo struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Filters    []Filter
}

// DepthLevel is one [price, qty] pair as returned by depth(symbol, limit).
type DepthLevel struct {
	Price float64
	Qty   float64
}

// Depth is the depth(symbol, limit) response.
type Depth struct {
	Bids         []DepthLevel
	Asks         []DepthLevel
	LastUpdateID int64
}

// Balance is one balances[] entry from accountInfo().
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Account is the accountInfo() response.
type Account struct {
	Balances   []Balance
	UpdateTime int64 // ms since epoch
}

// OpenOrder is one openOrders(symbol) entry.
type OpenOrder struct {
	ClientOrderID string
	Side          Side
	Price         float64
	OrigQty       float64
	ExecutedQty   float64
}

// Remaining returns the unfilled quantity.
func (o OpenOrder) Remaining() float64 {
	r := o.OrigQty - o.ExecutedQty
	if r < 0 {
		return 0
	}
	return r
}

// NewOrderRequest is the newOrder(...) request.
type NewOrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	ClientOrderID string
	Price         float64 // LIMIT only
	Quantity      float64 // LIMIT always; MARKET SELL
	QuoteOrderQty float64 // MARKET BUY only
}

// NewOrderResponse is the newOrder(...) response.
type NewOrderResponse struct {
	OrderID int64
	Status  OrderStatus
}

// Trade is one myTrades(...) entry.
type Trade struct {
	ID              int64
	IsBuyer         bool
	IsMaker         bool
	Price           float64
	Qty             float64
	QuoteQty        float64
	Commission      float64
	CommissionAsset string
	Time            int64 // ms since epoch
}

// Client is the set of exchange operations the strategy loop consumes.
// Signed methods require credentials; the signing scheme itself is an
// external concern injected via Signer.
type Client interface {
	ExchangeInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	Depth(ctx context.Context, symbol string, limit int) (Depth, error)
	AccountInfo(ctx context.Context) (Account, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	NewOrder(ctx context.Context, req NewOrderRequest) (NewOrderResponse, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	CancelOpenOrders(ctx context.Context, symbol string) error
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderStatus, error)
	AccountTradeList(ctx context.Context, symbol string, fromID int64, limit int) ([]Trade, error)
}

// Signer computes the signature appended to a signed request's query
// string. The signing scheme (HMAC, Ed25519, …) is intentionally external.
type Signer interface {
	Sign(query string) (signature string)
}
