// Package strategy implements the market-making control loop: one
// sequential worker that refreshes balances and open orders, reconciles
// fills into the ledger, checks resting quotes for adverse escape
// conditions, enforces the NAV drawdown gate, and (re)posts two-sided
// quotes around the order book's microprice.
package strategy

import (
	"context"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spotmm/internal/clock"
	"github.com/coachpo/spotmm/internal/config"
	"github.com/coachpo/spotmm/internal/errs"
	"github.com/coachpo/spotmm/internal/exchange"
	"github.com/coachpo/spotmm/internal/fixedpoint"
	"github.com/coachpo/spotmm/internal/ledger"
	"github.com/coachpo/spotmm/internal/orderbook"
	"github.com/coachpo/spotmm/internal/ratelimit"
	"github.com/coachpo/spotmm/internal/risk"
	"github.com/coachpo/spotmm/internal/telemetry"
)

const (
	depthLimit         = 5
	epsilon            = 1e-9
	minHalfSpread      = 0.0005
	maxHalfSpread      = 0.02
	usdtSuffix         = "USDT"
	makerFeeEdgePad    = 0.0002
	makerFeeEdgeFactor = 2.0
)

// WorkingOrder mirrors one of the strategy's at-most-two resting quotes.
type WorkingOrder struct {
	ClientID  string
	Side      exchange.Side
	Price     float64
	Quantity  float64
	Remaining float64
}

// escapeMemory records the most recent escape attempt on one side, so a
// fresh WorkingOrder posted right after an escape still honours
// min_escape_interval_ms and can tighten its trigger against the price
// that caused the previous escape.
type escapeMemory struct {
	lastPrice float64
	lastTime  time.Time
}

// balances is the strategy's mirror of the account snapshot, narrowed to
// the base and quote assets it trades.
type balances struct {
	baseFree    float64
	baseLocked  float64
	quoteFree   float64
	quoteLocked float64
	updateTime  int64
}

func (b balances) baseTotal() float64  { return b.baseFree + b.baseLocked }
func (b balances) quoteTotal() float64 { return b.quoteFree + b.quoteLocked }

// Engine owns every piece of mutable strategy state and runs the
// sequential control loop. It is not safe for concurrent use; the order
// book it reads from may be written concurrently by a live feed.
type Engine struct {
	cfg     config.StrategyConfig
	client  exchange.Client
	book    *orderbook.Book
	ledger  *ledger.Ledger
	ids     *clock.IdFactory
	clk     clock.Clock
	log     *log.Logger
	metrics *telemetry.Metrics

	governor *ratelimit.Governor
	risk     *risk.Manager
	escapes  *risk.EscapeThrottle

	filters   []exchange.Filter
	baseAsset string

	acct         balances
	buyOrder     *WorkingOrder
	sellOrder    *WorkingOrder
	positionInit bool

	lastEscape        map[exchange.Side]escapeMemory
	tradingWasEnabled bool
	tradingStateKnown bool

	lastFillPoll int64
	sleepFunc    func(time.Duration)
}

// New constructs an Engine. It does not perform any I/O; call Bootstrap
// before the first Run iteration to load the ledger and exchange filters.
func New(cfg config.StrategyConfig, client exchange.Client, book *orderbook.Book, led *ledger.Ledger, ids *clock.IdFactory, clk clock.Clock, logger *log.Logger, metrics *telemetry.Metrics) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = clock.NewLogger("marketmaker ")
	}
	governor := ratelimit.New(clk, time.Duration(cfg.RateLimitBackoffMsInitial)*time.Millisecond, time.Duration(cfg.RateLimitBackoffMsMax)*time.Millisecond)
	throttle := risk.NewEscapeThrottle(time.Duration(cfg.TakerEscapeCooldownMs)*time.Millisecond, cfg.MaxTakerEscapesPerMin)

	return &Engine{
		cfg:        cfg,
		client:     client,
		book:       book,
		ledger:     led,
		ids:        ids,
		clk:        clk,
		log:        logger,
		metrics:    metrics,
		governor:   governor,
		escapes:    throttle,
		baseAsset:  cfg.BaseAsset(),
		lastEscape: make(map[exchange.Side]escapeMemory),
		sleepFunc:  time.Sleep,
	}
}

// Bootstrap loads exchange filters and the ledger's rebuilt state. It must
// be called once before Run. The risk manager is not built here: RunOnce
// builds it from the first NAV reading.
func (e *Engine) Bootstrap(ctx context.Context) error {
	info, err := e.client.ExchangeInfo(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	e.filters = info.Filters

	if _, err := e.ledger.Load(); err != nil {
		return err
	}
	return nil
}

// RunOnce executes exactly one iteration of the control loop, following
// the fixed causal order: rate-limit gate, account refresh, open-orders
// refresh, depth fetch, position init, fill poll, escape check, risk
// gate, startup inventory, quote maintenance.
func (e *Engine) RunOnce(ctx context.Context) {
	start := e.clk.Now()

	e.governor.Wait(e.sleepFunc)

	if err := e.refreshAccount(ctx); err != nil {
		e.log.Printf("[STRAT] Account refresh failed: err=%v", err)
		e.observe(err)
		return
	}
	if err := e.refreshOpenOrders(ctx); err != nil {
		e.log.Printf("[STRAT] Open orders refresh failed: err=%v", err)
		e.observe(err)
		return
	}

	snap, ok := e.refreshDepth(ctx)
	if !ok {
		return
	}

	e.initPositionIfNeeded(snap)

	if err := e.pollFills(ctx); err != nil {
		e.log.Printf("[STRAT] Fill poll failed: err=%v", err)
		e.observe(err)
	}

	e.enforceEscapeConditions(ctx, snap)

	nav, baseShare := e.navAndBaseShare(snap)
	e.ensureRiskManager(nav)
	tradingEnabled := e.risk.Evaluate(decimal.NewFromFloat(nav), e.clk.Now())
	if e.tradingStateKnown && tradingEnabled != e.tradingWasEnabled {
		if tradingEnabled {
			e.log.Printf("[RISK] Trading re-enabled: nav=%.2f", nav)
		} else {
			e.log.Printf("[RISK] Drawdown breach, trading disabled: nav=%.2f", nav)
		}
	}
	e.tradingWasEnabled = tradingEnabled
	e.tradingStateKnown = true
	if e.metrics != nil {
		e.metrics.NAV.Record(ctx, nav)
		e.metrics.BaseShare.Record(ctx, baseShare)
		e.metrics.BackoffMs.Record(ctx, float64(e.governor.Backoff().Milliseconds()))
	}
	if !tradingEnabled {
		e.cancelAllTracked(ctx)
		if e.metrics != nil {
			e.metrics.RecordLoopDuration(ctx, e.clk.Now().Sub(start))
		}
		return
	}

	if e.maintainStartupInventory(ctx, snap) {
		if e.metrics != nil {
			e.metrics.RecordLoopDuration(ctx, e.clk.Now().Sub(start))
		}
		return
	}

	e.maintainQuotes(ctx, snap, nav, baseShare)

	e.governor.OnSuccess()
	if e.metrics != nil {
		e.metrics.RecordLoopDuration(ctx, e.clk.Now().Sub(start))
	}
}

// Run loops RunOnce every refresh_interval_ms until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.RefreshIntervalMs) * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		iterStart := e.clk.Now()
		e.RunOnce(ctx)
		elapsed := e.clk.Now().Sub(iterStart)
		remaining := interval - elapsed
		if remaining > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
		}
	}
}

func (e *Engine) observe(err error) {
	if errs.Is(err, errs.KindRateLimit) {
		e.governor.OnRateLimited()
		e.log.Printf("[GOV] Rate limited: backoff=%s", e.governor.Backoff())
	}
}

func (e *Engine) ensureRiskManager(nav float64) {
	if e.risk != nil {
		return
	}
	limits := risk.Limits{
		MaxDrawdownUSD: decimal.NewFromFloat(e.cfg.MaxDrawdownUSD),
		MaxDrawdownPct: decimal.NewFromFloat(e.cfg.MaxDrawdownPct),
		CooldownPeriod: time.Duration(e.cfg.RiskCooldownMs) * time.Millisecond,
	}
	e.risk = risk.NewManager(limits, decimal.NewFromFloat(nav))
}

// --- account & open orders -------------------------------------------------

func (e *Engine) refreshAccount(ctx context.Context) error {
	acct, err := e.client.AccountInfo(ctx)
	if err != nil {
		return err
	}

	staleness := time.Duration(e.cfg.AccountStalenessMs) * time.Millisecond
	age := e.clk.Now().Sub(time.UnixMilli(acct.UpdateTime))
	if age > staleness {
		return errs.New(errs.KindStaleSnapshot, "strategy.refreshAccount",
			errs.WithMessage("account snapshot older than account_staleness_ms"))
	}

	var b balances
	b.updateTime = acct.UpdateTime
	for _, bal := range acct.Balances {
		switch bal.Asset {
		case e.baseAsset:
			b.baseFree, b.baseLocked = bal.Free, bal.Locked
		case usdtSuffix:
			b.quoteFree, b.quoteLocked = bal.Free, bal.Locked
		}
	}
	e.acct = b
	e.governor.OnSuccess()
	return nil
}

func (e *Engine) refreshOpenOrders(ctx context.Context) error {
	open, err := e.client.OpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}

	// The tracked WorkingOrder per side is rebuilt from scratch every
	// tick: highest-priced BUY / lowest-priced SELL among currently open
	// orders with remaining >= min_base_quantity. An order absent from
	// this scan is, by construction, forgotten (logged as closed).
	var buy, sell *exchange.OpenOrder
	for i := range open {
		o := &open[i]
		if o.Remaining() < e.cfg.MinBaseQuantity {
			continue
		}
		switch o.Side {
		case exchange.SideBuy:
			if buy == nil || o.Price > buy.Price {
				buy = o
			}
		case exchange.SideSell:
			if sell == nil || o.Price < sell.Price {
				sell = o
			}
		}
	}

	if e.buyOrder != nil && buy == nil {
		e.log.Printf("[STRAT] Working order closed: side=BUY clientId=%s", e.buyOrder.ClientID)
	}
	if e.sellOrder != nil && sell == nil {
		e.log.Printf("[STRAT] Working order closed: side=SELL clientId=%s", e.sellOrder.ClientID)
	}
	e.buyOrder = trackedFrom(buy)
	e.sellOrder = trackedFrom(sell)
	e.governor.OnSuccess()
	return nil
}

func trackedFrom(o *exchange.OpenOrder) *WorkingOrder {
	if o == nil {
		return nil
	}
	return &WorkingOrder{
		ClientID:  o.ClientOrderID,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  o.OrigQty,
		Remaining: o.Remaining(),
	}
}

// --- depth -------------------------------------------------------------

func (e *Engine) refreshDepth(ctx context.Context) (orderbook.Snapshot, bool) {
	depth, err := e.client.Depth(ctx, e.cfg.Symbol, depthLimit)
	if err != nil {
		e.log.Printf("[STRAT] Depth fetch failed: err=%v", err)
		e.observe(err)
		return orderbook.Snapshot{}, false
	}
	if depth.LastUpdateID < e.book.UpdateID() {
		e.log.Printf("[STRAT] Depth lastUpdateId regressed: got=%d have=%d", depth.LastUpdateID, e.book.UpdateID())
		return orderbook.Snapshot{}, false
	}

	bids := make([]orderbook.Level, len(depth.Bids))
	for i, l := range depth.Bids {
		bids[i] = orderbook.Level{Price: l.Price, Qty: l.Qty}
	}
	asks := make([]orderbook.Level, len(depth.Asks))
	for i, l := range depth.Asks {
		asks[i] = orderbook.Level{Price: l.Price, Qty: l.Qty}
	}
	e.book.ApplySnapshot(bids, asks, depth.LastUpdateID)

	exclBid, exclAsk := e.ownPrices()
	snap := e.book.GetSnapshotExcluding(exclBid, exclAsk, depthLimit)
	e.governor.OnSuccess()
	return snap, true
}

func (e *Engine) ownPrices() (bids, asks []float64) {
	if e.buyOrder != nil {
		bids = append(bids, e.buyOrder.Price)
	}
	if e.sellOrder != nil {
		asks = append(asks, e.sellOrder.Price)
	}
	return bids, asks
}

func (e *Engine) mark(snap orderbook.Snapshot) float64 {
	switch {
	case snap.BestBid <= 0 && snap.BestAsk <= 0:
		return 0
	case snap.BestBid <= 0:
		return snap.BestAsk
	case snap.BestAsk <= 0:
		return snap.BestBid
	default:
		return snap.Microprice
	}
}

// --- position bootstrap & NAV -------------------------------------------

func (e *Engine) initPositionIfNeeded(snap orderbook.Snapshot) {
	if e.positionInit {
		return
	}
	e.positionInit = true
	if e.ledger.State().LastTradeID != 0 || e.ledger.State().PositionBase != 0 {
		return
	}

	mark := e.mark(snap)
	if mark <= 0 {
		return
	}
	positionBase := fixedpoint.ToScaled(e.acct.baseTotal(), e.ledger.BaseScale())
	positionCost := fixedpoint.RoundScaled(positionBase, fixedpoint.ToScaled(mark, e.ledger.QuoteScale()), e.ledger.BaseScale())
	if positionBase == 0 {
		return
	}
	seed := ledger.TradeFill{
		ID:        1,
		Timestamp: e.clk.NowMs(),
		Side:      ledger.SideBuy,
		BaseQty:   positionBase,
		QuoteQty:  positionCost,
		FeeAsset:  "",
	}
	if err := e.ledger.Append(seed); err != nil {
		e.log.Printf("[STRAT] Position bootstrap seed failed: err=%v", err)
	}
}

func (e *Engine) navAndBaseShare(snap orderbook.Snapshot) (nav, baseShare float64) {
	mark := e.mark(snap)
	nav = e.acct.quoteTotal() + e.acct.baseTotal()*mark
	if nav <= epsilon {
		return nav, 0
	}
	baseShare = (e.acct.baseTotal() * mark) / nav
	return nav, baseShare
}

// --- fills ---------------------------------------------------------------

func (e *Engine) pollFills(ctx context.Context) error {
	now := e.clk.NowMs()
	interval := e.cfg.FillPollIntervalMs
	if interval > 0 && now-e.lastFillPoll < interval {
		return nil
	}
	e.lastFillPoll = now

	fromID := e.ledger.State().LastTradeID + 1
	trades, err := e.client.AccountTradeList(ctx, e.cfg.Symbol, fromID, 100)
	if err != nil {
		return err
	}

	sortTradesByID(trades)
	for _, t := range trades {
		if t.ID < fromID {
			continue
		}
		side := ledger.SideSell
		if t.IsBuyer {
			side = ledger.SideBuy
		}
		baseQty := fixedpoint.ToScaled(t.Qty, e.ledger.BaseScale())
		quoteQty := fixedpoint.ToScaled(t.QuoteQty, e.ledger.QuoteScale())
		feeScale := e.ledger.BaseScale()
		if t.CommissionAsset == usdtSuffix {
			feeScale = e.ledger.QuoteScale()
		}
		feeQty := fixedpoint.ToScaled(t.Commission, feeScale)

		baseQty, quoteQty = ledger.FoldFee(baseQty, quoteQty, feeQty, t.CommissionAsset, e.baseAsset, usdtSuffix)

		before := e.ledger.State().RealizedPnL
		fill := ledger.TradeFill{
			ID:        t.ID,
			Timestamp: t.Time,
			Side:      side,
			BaseQty:   baseQty,
			QuoteQty:  quoteQty,
			FeeQty:    feeQty,
			FeeAsset:  t.CommissionAsset,
			IsMaker:   t.IsMaker,
		}
		if err := e.ledger.Append(fill); err != nil {
			return err
		}
		delta := e.ledger.State().RealizedPnL - before
		e.log.Printf("[STRAT] Fill recorded: id=%d side=%s qty=%.8f price=%.8f notional=%.2f pnlDelta=%d",
			t.ID, side, t.Qty, t.Price, t.QuoteQty, delta)
	}
	e.governor.OnSuccess()
	return nil
}

func sortTradesByID(trades []exchange.Trade) {
	for i := 1; i < len(trades); i++ {
		for j := i; j > 0 && trades[j-1].ID > trades[j].ID; j-- {
			trades[j-1], trades[j] = trades[j], trades[j-1]
		}
	}
}

// --- escape ---------------------------------------------------------------

func (e *Engine) enforceEscapeConditions(ctx context.Context, snap orderbook.Snapshot) {
	e.checkEscape(ctx, snap, e.sellOrder, exchange.SideSell)
	e.checkEscape(ctx, snap, e.buyOrder, exchange.SideBuy)
}

func (e *Engine) checkEscape(ctx context.Context, snap orderbook.Snapshot, w *WorkingOrder, side exchange.Side) {
	if w == nil {
		return
	}
	now := e.clk.Now()
	mem := e.lastEscape[side]
	minInterval := time.Duration(e.cfg.MinEscapeIntervalMs) * time.Millisecond
	if !mem.lastTime.IsZero() && now.Sub(mem.lastTime) < minInterval {
		return
	}

	escapeFrac := e.cfg.EscapeBps / 10000
	hysteresisFrac := e.cfg.EscapeHysteresisBps / 10000

	var threshold, adjusted float64
	var fires bool
	switch side {
	case exchange.SideSell:
		threshold = w.Price * (1 - escapeFrac)
		adjusted = threshold - w.Price*hysteresisFrac
		if mem.lastPrice > 0 && mem.lastPrice < adjusted {
			adjusted = mem.lastPrice
		}
		fires = snap.BestBid > 0 && snap.BestBid < adjusted
	case exchange.SideBuy:
		threshold = w.Price * (1 + escapeFrac)
		adjusted = threshold + w.Price*hysteresisFrac
		if mem.lastPrice > 0 && mem.lastPrice > adjusted {
			adjusted = mem.lastPrice
		}
		fires = snap.BestAsk > 0 && snap.BestAsk > adjusted
	}
	if !fires {
		return
	}

	e.fireEscape(ctx, w, side, adjusted)
}

func (e *Engine) fireEscape(ctx context.Context, w *WorkingOrder, side exchange.Side, adjustedPx float64) {
	now := e.clk.Now()
	e.lastEscape[side] = escapeMemory{lastPrice: adjustedPx, lastTime: now}

	if err := e.client.CancelOrder(ctx, e.cfg.Symbol, w.ClientID); err != nil {
		e.log.Printf("[ESCAPE] Cancel failed: clientId=%s err=%v", w.ClientID, err)
		e.observe(err)
		return
	}

	closed := e.waitForOrderClose(ctx, w.ClientID)
	e.forgetTracked(side)
	if !closed {
		e.log.Printf("[ESCAPE] Order did not reach a terminal status within timeout: clientId=%s", w.ClientID)
		return
	}

	if !e.escapes.Allow(string(side), now) {
		e.log.Printf("[ESCAPE] Throttled: side=%s", side)
		return
	}

	req := exchange.NewOrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Type:          exchange.OrderTypeMarket,
		ClientOrderID: e.ids.Mint(e.cfg.Symbol, clock.TagEscape),
	}
	if side == exchange.SideSell {
		req.Quantity = w.Remaining
	} else {
		req.QuoteOrderQty = w.Remaining * adjustedPx
	}

	resp, err := e.client.NewOrder(ctx, req)
	if err != nil {
		e.log.Printf("[ESCAPE] Replacement order failed: err=%v", err)
		e.observe(err)
		return
	}
	if resp.Status != exchange.StatusNew && resp.Status != exchange.StatusPartiallyFilled && resp.Status != exchange.StatusFilled {
		e.log.Printf("[ESCAPE] Replacement order rejected: status=%s", resp.Status)
	}
	if e.metrics != nil {
		e.metrics.Escapes.Add(ctx, 1)
	}
}

func (e *Engine) forgetTracked(side exchange.Side) {
	switch side {
	case exchange.SideBuy:
		e.buyOrder = nil
	case exchange.SideSell:
		e.sellOrder = nil
	}
}

func (e *Engine) waitForOrderClose(ctx context.Context, clientID string) bool {
	deadline := e.clk.Now().Add(time.Duration(e.cfg.OrderStatusTimeoutMs) * time.Millisecond)
	pollInterval := time.Duration(e.cfg.OrderStatusPollMs) * time.Millisecond
	for {
		status, err := e.client.QueryOrder(ctx, e.cfg.Symbol, clientID)
		if err == nil && status.IsTerminal() {
			return true
		}
		if e.clk.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

func (e *Engine) cancelAllTracked(ctx context.Context) {
	if err := e.client.CancelOpenOrders(ctx, e.cfg.Symbol); err != nil {
		e.log.Printf("[RISK] Halt cancel failed: err=%v", err)
		e.observe(err)
		return
	}
	e.buyOrder = nil
	e.sellOrder = nil
}

// --- startup inventory imbalance ------------------------------------------

// maintainStartupInventory posts a single bootstrap order when the
// account can't fund normal two-sided quoting, and reports whether it
// acted (in which case the caller should skip maintainQuotes this tick).
func (e *Engine) maintainStartupInventory(ctx context.Context, snap orderbook.Snapshot) bool {
	if e.acct.quoteFree+epsilon < e.cfg.MinQuoteOrder && e.acct.baseTotal() > e.cfg.MinBaseQuantity {
		price := snap.BestBid
		if price <= 0 {
			return false
		}
		shortfall := e.cfg.MinQuoteOrder / price
		qty := math.Min(e.acct.baseTotal(), shortfall)
		qty = fixedpoint.FloorToStep(qty, e.stepSize())
		if qty < e.cfg.MinBaseQuantity {
			return false
		}
		e.placeLimitOrder(ctx, exchange.SideSell, price, qty)
		return true
	}

	if e.acct.baseTotal() < e.cfg.MinBaseQuantity && e.acct.quoteFree > e.cfg.MinQuoteOrder {
		price := snap.BestAsk
		if price <= 0 {
			return false
		}
		notional := math.Min(e.acct.quoteFree, e.cfg.QuoteBudget)
		qty := fixedpoint.FloorToStep(notional/price, e.stepSize())
		if qty < e.cfg.MinBaseQuantity {
			return false
		}
		e.placeLimitOrder(ctx, exchange.SideBuy, price, qty)
		return true
	}
	return false
}

// --- quote maintenance -----------------------------------------------------

func (e *Engine) maintainQuotes(ctx context.Context, snap orderbook.Snapshot, nav, baseShare float64) {
	mark := e.mark(snap)
	if mark <= 0 || snap.Spread <= 0 {
		return
	}

	spreadFraction := snap.Spread / mark
	minEdge := math.Max(e.cfg.MinEdgeBps/10000, makerFeeEdgeFactor*e.cfg.MakerFee+makerFeeEdgePad)
	if spreadFraction < minEdge {
		return
	}

	targetValue := nav * e.cfg.InventoryTarget
	targetBaseQty := targetValue / mark

	h := clampFloat(math.Max(e.cfg.SpreadBps/10000, spreadFraction/2), minHalfSpread, maxHalfSpread)

	imbalance := 0.0
	if snap.BidVolume+snap.AskVolume > epsilon {
		imbalance = (snap.BidVolume - snap.AskVolume) / (snap.BidVolume + snap.AskVolume)
	}
	deviation := (baseShare - e.cfg.InventoryTarget) / e.cfg.InventoryTolerance
	skew := clampFloat(0.5*imbalance-deviation, -1, 1)

	buyPrice := fixedpoint.FloorToTick(mark*(1-h/2-0.25*skew*h), e.tickSize())
	sellPrice := fixedpoint.FloorToTick(mark*(1+h/2+0.25*skew*h), e.tickSize())
	if buyPrice >= sellPrice {
		return
	}

	allowSell := baseShare > (1-e.cfg.MaxInventoryRatio)+e.cfg.InventoryTolerance/2
	allowBuy := baseShare < e.cfg.MaxInventoryRatio-e.cfg.InventoryTolerance/2

	if allowSell && e.sellOrder == nil {
		excessBase := math.Max(0, e.acct.baseTotal()-targetBaseQty)
		sizeCandidates := []float64{excessBase, e.acct.baseFree - e.cfg.MinBaseQuantity, e.cfg.QuoteBudget / sellPrice}
		qty := fixedpoint.FloorToStep(minPositive(sizeCandidates), e.stepSize())
		if qty >= e.cfg.MinBaseQuantity {
			e.placeLimitOrder(ctx, exchange.SideSell, sellPrice, qty)
		}
	}

	if allowBuy && e.buyOrder == nil {
		notional := fixedpoint.FloorToStep(math.Min(e.cfg.QuoteBudget, e.acct.quoteFree), e.cfg.QuoteIncrement)
		if notional >= e.cfg.MinQuoteOrder {
			qty := fixedpoint.FloorToStep(notional/buyPrice, e.stepSize())
			if qty >= e.cfg.MinBaseQuantity {
				e.placeLimitOrder(ctx, exchange.SideBuy, buyPrice, qty)
			}
		}
	}
}

func minPositive(candidates []float64) float64 {
	smallest := math.Inf(1)
	for _, c := range candidates {
		if c > 0 && c < smallest {
			smallest = c
		}
	}
	if math.IsInf(smallest, 1) {
		return 0
	}
	return smallest
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) stepSize() float64 {
	if v, ok := filterValue(e.filters, "LOT_SIZE", func(f exchange.Filter) string { return f.StepSize }); ok {
		return v
	}
	return e.cfg.QuantityIncrement
}

func (e *Engine) tickSize() float64 {
	if v, ok := filterValue(e.filters, "PRICE_FILTER", func(f exchange.Filter) string { return f.TickSize }); ok {
		return v
	}
	return math.Pow(10, -float64(e.cfg.PricePrecision))
}

func filterValue(filters []exchange.Filter, filterType string, pick func(exchange.Filter) string) (float64, bool) {
	for _, f := range filters {
		if f.Type != filterType {
			continue
		}
		return parseFloat(pick(f))
	}
	return 0, false
}

// placeLimitOrder enforces the placement invariants before issuing a
// maker order: quantity floor, notional floor, and exchange filters.
func (e *Engine) placeLimitOrder(ctx context.Context, side exchange.Side, price, quantity float64) {
	if quantity < e.cfg.MinBaseQuantity {
		e.log.Printf("[STRAT] Filter violation: quantity=%.8f below min_base_quantity", quantity)
		if e.metrics != nil {
			e.metrics.OrdersRejected.Add(ctx, 1)
		}
		return
	}
	if quantity*price < e.cfg.MinQuoteOrder {
		e.log.Printf("[STRAT] Filter violation: notional=%.8f below min_quote_order", quantity*price)
		if e.metrics != nil {
			e.metrics.OrdersRejected.Add(ctx, 1)
		}
		return
	}
	if !e.passesFilters(price, quantity) {
		e.log.Printf("[STRAT] Filter violation: price=%.8f quantity=%.8f fails exchange filters", price, quantity)
		if e.metrics != nil {
			e.metrics.OrdersRejected.Add(ctx, 1)
		}
		return
	}

	tag := clock.TagBuy
	if side == exchange.SideSell {
		tag = clock.TagSell
	}
	req := exchange.NewOrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Type:          exchange.OrderTypeLimit,
		ClientOrderID: e.ids.Mint(e.cfg.Symbol, tag),
		Price:         price,
		Quantity:      quantity,
	}
	resp, err := e.client.NewOrder(ctx, req)
	if err != nil {
		e.log.Printf("[STRAT] Place order failed: err=%v", err)
		e.observe(err)
		return
	}
	if resp.Status != exchange.StatusNew && resp.Status != exchange.StatusPartiallyFilled {
		e.log.Printf("[STRAT] Order rejected: status=%s", resp.Status)
		if e.metrics != nil {
			e.metrics.OrdersRejected.Add(ctx, 1)
		}
		return
	}

	w := &WorkingOrder{ClientID: req.ClientOrderID, Side: side, Price: price, Quantity: quantity, Remaining: quantity}
	switch side {
	case exchange.SideBuy:
		e.buyOrder = w
	case exchange.SideSell:
		e.sellOrder = w
	}
	if e.metrics != nil {
		e.metrics.OrdersPlaced.Add(ctx, 1)
	}
}

func (e *Engine) passesFilters(price, quantity float64) bool {
	for _, f := range e.filters {
		switch f.Type {
		case "PRICE_FILTER":
			if v, ok := parseFloat(f.MinPrice); ok && price < v {
				return false
			}
		case "LOT_SIZE":
			if v, ok := parseFloat(f.MinQty); ok && quantity < v {
				return false
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			if v, ok := parseFloat(f.MinNotional); ok && price*quantity < v {
				return false
			}
		}
	}
	return true
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
