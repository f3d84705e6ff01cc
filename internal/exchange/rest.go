package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/spotmm/internal/clock"
	"github.com/coachpo/spotmm/internal/errs"
)

// RESTClient is a Client backed by a Binance-shaped spot REST API.
type RESTClient struct {
	BaseURL    string
	APIKey     string
	Signer     Signer
	HTTPClient *http.Client
	Clock      clock.Clock
	RecvWindow time.Duration
}

// NewRESTClient constructs a client with sane defaults for the fields the
// caller leaves zero.
func NewRESTClient(baseURL, apiKey string, signer Signer) *RESTClient {
	return &RESTClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Signer:     signer,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Clock:      clock.System{},
		RecvWindow: 5 * time.Second,
	}
}

func (c *RESTClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *RESTClient) clockOrDefault() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.System{}
}

type filterWire struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice"`
	TickSize    string `json:"tickSize"`
	MinQty      string `json:"minQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

type symbolWire struct {
	Symbol     string       `json:"symbol"`
	BaseAsset  string       `json:"baseAsset"`
	QuoteAsset string       `json:"quoteAsset"`
	Filters    []filterWire `json:"filters"`
}

type exchangeInfoWire struct {
	Symbols []symbolWire `json:"symbols"`
}

// ExchangeInfo fetches the public exchangeInfo(symbol) payload and narrows
// it to the requested symbol's filters.
func (c *RESTClient) ExchangeInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	var payload exchangeInfoWire
	if err := c.doPublic(ctx, "GET", "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}}, &payload); err != nil {
		return SymbolInfo{}, err
	}
	for _, sym := range payload.Symbols {
		if !strings.EqualFold(sym.Symbol, symbol) {
			continue
		}
		info := SymbolInfo{Symbol: sym.Symbol, BaseAsset: sym.BaseAsset, QuoteAsset: sym.QuoteAsset}
		for _, f := range sym.Filters {
			info.Filters = append(info.Filters, Filter{
				Type: f.FilterType, MinPrice: f.MinPrice, TickSize: f.TickSize,
				MinQty: f.MinQty, StepSize: f.StepSize, MinNotional: f.MinNotional,
			})
		}
		return info, nil
	}
	return SymbolInfo{}, errs.New(errs.KindConfig, "exchange.ExchangeInfo",
		errs.WithMessage(fmt.Sprintf("symbol %s not found in exchangeInfo response", symbol)))
}

type depthWire struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Depth fetches the public order-book snapshot.
func (c *RESTClient) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	var payload depthWire
	params := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	if err := c.doPublic(ctx, "GET", "/api/v3/depth", params, &payload); err != nil {
		return Depth{}, err
	}
	bids, err := decodeLevels(payload.Bids)
	if err != nil {
		return Depth{}, errs.New(errs.KindTransport, "exchange.Depth", errs.WithCause(err))
	}
	asks, err := decodeLevels(payload.Asks)
	if err != nil {
		return Depth{}, errs.New(errs.KindTransport, "exchange.Depth", errs.WithCause(err))
	}
	return Depth{Bids: bids, Asks: asks, LastUpdateID: payload.LastUpdateID}, nil
}

func decodeLevels(raw [][]string) ([]DepthLevel, error) {
	out := make([]DepthLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, DepthLevel{Price: price.InexactFloat64(), Qty: qty.InexactFloat64()})
	}
	return out, nil
}

type balanceWire struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type accountWire struct {
	Balances   []balanceWire `json:"balances"`
	UpdateTime int64         `json:"updateTime"`
}

// AccountInfo fetches the signed account balances snapshot.
func (c *RESTClient) AccountInfo(ctx context.Context) (Account, error) {
	var payload accountWire
	if err := c.doSigned(ctx, "GET", "/api/v3/account", url.Values{}, &payload); err != nil {
		return Account{}, err
	}
	account := Account{UpdateTime: payload.UpdateTime}
	for _, b := range payload.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		account.Balances = append(account.Balances, Balance{
			Asset: b.Asset, Free: free.InexactFloat64(), Locked: locked.InexactFloat64(),
		})
	}
	return account, nil
}

type openOrderWire struct {
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
}

// OpenOrders fetches the signed list of resting orders for symbol.
func (c *RESTClient) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var payload []openOrderWire
	if err := c.doSigned(ctx, "GET", "/api/v3/openOrders", url.Values{"symbol": {symbol}}, &payload); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(payload))
	for _, o := range payload {
		price, _ := decimal.NewFromString(o.Price)
		orig, _ := decimal.NewFromString(o.OrigQty)
		executed, _ := decimal.NewFromString(o.ExecutedQty)
		out = append(out, OpenOrder{
			ClientOrderID: o.ClientOrderID,
			Side:          Side(o.Side),
			Price:         price.InexactFloat64(),
			OrigQty:       orig.InexactFloat64(),
			ExecutedQty:   executed.InexactFloat64(),
		})
	}
	return out, nil
}

type newOrderWire struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

// NewOrder places a signed order.
func (c *RESTClient) NewOrder(ctx context.Context, req NewOrderRequest) (NewOrderResponse, error) {
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {string(req.Side)},
		"type":             {string(req.Type)},
		"newClientOrderId": {req.ClientOrderID},
	}
	if req.Type == OrderTypeLimit {
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	} else if req.Side == SideBuy {
		params.Set("quoteOrderQty", strconv.FormatFloat(req.QuoteOrderQty, 'f', -1, 64))
	} else {
		params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	}

	var payload newOrderWire
	if err := c.doSigned(ctx, "POST", "/api/v3/order", params, &payload); err != nil {
		return NewOrderResponse{}, err
	}
	return NewOrderResponse{OrderID: payload.OrderID, Status: OrderStatus(payload.Status)}, nil
}

// CancelOrder cancels a single resting order by client order id.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	var discard json.RawMessage
	return c.doSigned(ctx, "DELETE", "/api/v3/order", params, &discard)
}

// CancelOpenOrders cancels every resting order on symbol.
func (c *RESTClient) CancelOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{"symbol": {symbol}}
	var discard json.RawMessage
	return c.doSigned(ctx, "DELETE", "/api/v3/openOrders", params, &discard)
}

type queryOrderWire struct {
	Status string `json:"status"`
}

// QueryOrder reports the current lifecycle status of an order.
func (c *RESTClient) QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderStatus, error) {
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	var payload queryOrderWire
	if err := c.doSigned(ctx, "GET", "/api/v3/order", params, &payload); err != nil {
		return "", err
	}
	return OrderStatus(payload.Status), nil
}

type tradeWire struct {
	ID              int64  `json:"id"`
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

// AccountTradeList fetches own fills at or after fromID.
func (c *RESTClient) AccountTradeList(ctx context.Context, symbol string, fromID int64, limit int) ([]Trade, error) {
	params := url.Values{
		"symbol": {symbol},
		"fromId": {strconv.FormatInt(fromID, 10)},
		"limit":  {strconv.Itoa(limit)},
	}
	var payload []tradeWire
	if err := c.doSigned(ctx, "GET", "/api/v3/myTrades", params, &payload); err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(payload))
	for _, t := range payload {
		price, _ := decimal.NewFromString(t.Price)
		qty, _ := decimal.NewFromString(t.Qty)
		quoteQty, _ := decimal.NewFromString(t.QuoteQty)
		commission, _ := decimal.NewFromString(t.Commission)
		out = append(out, Trade{
			ID: t.ID, IsBuyer: t.IsBuyer, IsMaker: t.IsMaker,
			Price: price.InexactFloat64(), Qty: qty.InexactFloat64(),
			QuoteQty: quoteQty.InexactFloat64(), Commission: commission.InexactFloat64(),
			CommissionAsset: t.CommissionAsset, Time: t.Time,
		})
	}
	return out, nil
}

func (c *RESTClient) doPublic(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	return c.do(ctx, method, path, params, false, out)
}

func (c *RESTClient) doSigned(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	return c.do(ctx, method, path, params, true, out)
}

func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if signed {
		if c.Signer == nil || c.APIKey == "" {
			return errs.New(errs.KindConfig, "exchange.do", errs.WithMessage("signed call requires APIKey and Signer"))
		}
		if c.RecvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.RecvWindow.Milliseconds(), 10))
		}
		params.Set("timestamp", strconv.FormatInt(c.clockOrDefault().NowMs(), 10))
	}

	query := params.Encode()
	if signed {
		signature := c.Signer.Sign(query)
		if query != "" {
			query += "&"
		}
		query += "signature=" + signature
	}

	endpoint := c.BaseURL + path
	if query != "" {
		endpoint += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return errs.New(errs.KindTransport, "exchange.do", errs.WithCause(err))
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.APIKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return errs.New(errs.KindTransport, "exchange.do", errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errs.New(errs.KindRateLimit, "exchange.do", errs.WithHTTP(resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return errs.New(errs.KindTransport, "exchange.do",
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(strings.TrimSpace(string(body))))
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return errs.New(errs.KindTransport, "exchange.do", errs.WithCause(err))
	}
	return nil
}
