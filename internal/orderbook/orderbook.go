// Package orderbook implements the concurrent, single-symbol depth book
// shared between a depth-stream writer and the strategy loop's reads.
package orderbook

import (
	"sort"
	"sync"
)

const priceMatchEpsilon = 1e-6

// Level is a single price/quantity point on one side of the book.
type Level struct {
	Price float64
	Qty   float64
}

// Snapshot is a point-in-time, copy-out view of the book.
type Snapshot struct {
	Bids        []Level
	Asks        []Level
	BestBid     float64
	BestAsk     float64
	Spread      float64
	Microprice  float64
	UpdateID    int64
	BidVolume   float64
	AskVolume   float64
}

// Book is a single-symbol order book. Writers (the depth feed or poller)
// call ApplySnapshot/ApplyUpdate; readers call the Get*/best-price/metric
// methods. All reads return copies so the writer's lock is never exposed.
type Book struct {
	mu sync.RWMutex

	bids []Level // descending by price
	asks []Level // ascending by price

	updateID int64
}

// New constructs an empty book.
func New() *Book {
	return &Book{}
}

// ApplySnapshot replaces both sides atomically. Entries with non-positive
// quantity are dropped.
func (b *Book) ApplySnapshot(bids, asks []Level, updateID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = filterPositive(bids)
	b.asks = filterPositive(asks)
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price > b.bids[j].Price })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price < b.asks[j].Price })
	b.updateID = updateID
}

// ApplyUpdate merges absolute-quantity level updates into one side each.
// A zero quantity removes the level; levels absent from the update are
// left unchanged. updateID overwrites the stored one unconditionally.
func (b *Book) ApplyUpdate(bidUpdates, askUpdates []Level, updateID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = mergeSide(b.bids, bidUpdates, true)
	b.asks = mergeSide(b.asks, askUpdates, false)
	b.updateID = updateID
}

func filterPositive(levels []Level) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Qty > 0 {
			out = append(out, l)
		}
	}
	return out
}

func mergeSide(existing, updates []Level, descending bool) []Level {
	byPrice := make(map[float64]float64, len(existing)+len(updates))
	for _, l := range existing {
		byPrice[l.Price] = l.Qty
	}
	for _, u := range updates {
		if u.Qty <= 0 {
			delete(byPrice, u.Price)
			continue
		}
		byPrice[u.Price] = u.Qty
	}
	out := make([]Level, 0, len(byPrice))
	for price, qty := range byPrice {
		out = append(out, Level{Price: price, Qty: qty})
	}
	if descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	}
	return out
}

// UpdateID reports the currently stored update id.
func (b *Book) UpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updateID
}

// BestBid returns the top bid price, or 0 if the book has no bids.
func (b *Book) BestBid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestPrice(b.bids)
}

// BestAsk returns the top ask price, or 0 if the book has no asks.
func (b *Book) BestAsk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestPrice(b.asks)
}

func bestPrice(levels []Level) float64 {
	if len(levels) == 0 {
		return 0
	}
	return levels[0].Price
}

// Spread returns best_ask - best_bid, or 0 if either side is empty or the
// book is crossed.
func (b *Book) Spread() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return spreadLocked(b.bids, b.asks)
}

func spreadLocked(bids, asks []Level) float64 {
	bid, ask := bestPrice(bids), bestPrice(asks)
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0
	}
	return ask - bid
}

// Microprice returns the volume-imbalance-weighted midpoint over the top
// depthLevels of each side. A heavier ask notional pulls the price toward
// the bid, since liquidity sits opposite the direction it pulls.
func (b *Book) Microprice(depthLevels int) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return micropriceLocked(b.bids, b.asks, depthLevels)
}

func micropriceLocked(bids, asks []Level, depthLevels int) float64 {
	bid, ask := bestPrice(bids), bestPrice(asks)
	if bid <= 0 && ask <= 0 {
		return 0
	}
	if bid <= 0 {
		return ask
	}
	if ask <= 0 {
		return bid
	}

	bidNotional := notionalTop(bids, depthLevels)
	askNotional := notionalTop(asks, depthLevels)
	total := bidNotional + askNotional
	if total < priceMatchEpsilon {
		return (bid + ask) / 2
	}
	return bid*askNotional/total + ask*bidNotional/total
}

func notionalTop(levels []Level, depth int) float64 {
	if depth <= 0 || depth > len(levels) {
		depth = len(levels)
	}
	var sum float64
	for i := 0; i < depth; i++ {
		sum += levels[i].Price * levels[i].Qty
	}
	return sum
}

// QuantityAtPrice returns the resting quantity at an exact price on the
// given side, or 0 if absent.
func (b *Book) QuantityAtPrice(side Side, price float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	levels := b.sideLocked(side)
	for _, l := range levels {
		if l.Price == price {
			return l.Qty
		}
	}
	return 0
}

// Side distinguishes bid/ask for side-parameterized calls.
type Side int

const (
	// Bid selects the buy side.
	Bid Side = iota
	// Ask selects the sell side.
	Ask
)

func (b *Book) sideLocked(side Side) []Level {
	if side == Bid {
		return b.bids
	}
	return b.asks
}

// CumulativeVolume returns cumulative notional (Σ price·qty) over the top
// N levels of the given side.
func (b *Book) CumulativeVolume(side Side, n int) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return notionalTop(b.sideLocked(side), n)
}

// GetBids returns a copy of the top N bid levels (all if n<=0).
func (b *Book) GetBids(n int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyTop(b.bids, n)
}

// GetAsks returns a copy of the top N ask levels (all if n<=0).
func (b *Book) GetAsks(n int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyTop(b.asks, n)
}

func copyTop(levels []Level, n int) []Level {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	out := make([]Level, n)
	copy(out, levels[:n])
	return out
}

// GetSnapshot returns a copy-out view of the book's top N levels per side.
// includeDepth controls whether Bids/Asks are populated; when false only
// the scalar fields are filled in, avoiding an allocation for callers that
// only need best-of-book/microprice.
func (b *Book) GetSnapshot(n int, includeDepth bool) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked(b.bids, b.asks, n, includeDepth)
}

// GetSnapshotExcluding behaves like GetSnapshot but first filters out any
// level whose price matches (within 1e-6) a price in excludeBidPrices or
// excludeAskPrices, so the strategy can view the market without its own
// resting quotes.
func (b *Book) GetSnapshotExcluding(excludeBidPrices, excludeAskPrices []float64, n int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids := excludePrices(b.bids, excludeBidPrices)
	asks := excludePrices(b.asks, excludeAskPrices)
	return b.snapshotLocked(bids, asks, n, true)
}

func excludePrices(levels []Level, excluded []float64) []Level {
	if len(excluded) == 0 {
		return levels
	}
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		match := false
		for _, e := range excluded {
			if absDiff(l.Price, e) <= priceMatchEpsilon {
				match = true
				break
			}
		}
		if !match {
			out = append(out, l)
		}
	}
	return out
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (b *Book) snapshotLocked(bids, asks []Level, n int, includeDepth bool) Snapshot {
	snap := Snapshot{
		BestBid:    bestPrice(bids),
		BestAsk:    bestPrice(asks),
		Spread:     spreadLocked(bids, asks),
		Microprice: micropriceLocked(bids, asks, n),
		UpdateID:   b.updateID,
		BidVolume:  notionalTop(bids, n),
		AskVolume:  notionalTop(asks, n),
	}
	if includeDepth {
		snap.Bids = copyTop(bids, n)
		snap.Asks = copyTop(asks, n)
	}
	return snap
}

// IsValid reports whether both sides are non-empty and the book is not
// crossed or locked: best_bid must be strictly less than best_ask.
func (b *Book) IsValid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.asks[0].Price > b.bids[0].Price
}

// Clear empties both sides and resets the stored update id.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = nil
	b.asks = nil
	b.updateID = 0
}
