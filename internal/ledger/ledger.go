// Package ledger implements the append-only durable store of own fills and
// the derived position/cost/realized-PnL state that survives restarts.
package ledger

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/spotmm/internal/errs"
	"github.com/coachpo/spotmm/internal/fixedpoint"
)

// Side is the side of a trade fill.
type Side string

const (
	// SideBuy marks a buy fill.
	SideBuy Side = "BUY"
	// SideSell marks a sell fill.
	SideSell Side = "SELL"
)

const realizedPnLClamp = int64(1_000_000_000_000_000) // ±10^15 quote units

// TradeFill is a single own-trade record, scaled to the ledger's fixed-point
// precision before it reaches Append.
type TradeFill struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"time"`
	Side      Side   `json:"side"`
	BaseQty   int64  `json:"base"`
	QuoteQty  int64  `json:"quote"`
	FeeQty    int64  `json:"feeQty"`
	FeeAsset  string `json:"feeAsset"`
	IsMaker   bool   `json:"isMaker"`
}

// State is the derived, in-memory position/cost/PnL view.
type State struct {
	PositionBase int64
	PositionCost int64
	RealizedPnL  int64
	LastTradeID  int64
}

// Ledger owns the durable fill log exclusively; no other component opens
// the underlying file.
type Ledger struct {
	path       string
	baseScale  int64
	quoteScale int64

	mu    sync.Mutex
	file  *os.File
	state State

	skippedLines int
}

// New constructs a ledger bound to path with the given fixed-point scales.
// Scales must be positive; a non-positive scale is a fatal ConfigError.
func New(path string, baseScale, quoteScale int64) (*Ledger, error) {
	if baseScale <= 0 || quoteScale <= 0 {
		return nil, errs.New(errs.KindConfig, "ledger.New",
			errs.WithMessage("base and quote scales must be positive"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.New(errs.KindLedgerIO, "ledger.New", errs.WithCause(err))
	}
	return &Ledger{path: path, baseScale: baseScale, quoteScale: quoteScale}, nil
}

// BaseScale returns the configured base-asset scale (10^quantity_precision).
func (l *Ledger) BaseScale() int64 { return l.baseScale }

// QuoteScale returns the configured quote-asset scale (10^quote_precision).
func (l *Ledger) QuoteScale() int64 { return l.quoteScale }

// Load reads the storage file line by line, skips unparseable lines, then
// rebuilds the in-memory state by replaying fills in ascending id order
// regardless of their order on disk.
func (l *Ledger) Load() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return State{}, errs.New(errs.KindLedgerIO, "ledger.Load", errs.WithCause(err))
	}
	l.file = f

	fills, err := readFills(l.path)
	if err != nil {
		return State{}, err
	}
	l.skippedLines = fills.skipped

	sort.Slice(fills.valid, func(i, j int) bool { return fills.valid[i].ID < fills.valid[j].ID })

	l.state = State{}
	for _, fill := range fills.valid {
		if err := l.applyLocked(fill); err != nil {
			return State{}, err
		}
	}
	return l.state, nil
}

// SkippedLines reports how many lines load() discarded as unparseable.
func (l *Ledger) SkippedLines() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skippedLines
}

type parsedFills struct {
	valid   []TradeFill
	skipped int
}

func readFills(path string) (parsedFills, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return parsedFills{}, nil
		}
		return parsedFills{}, errs.New(errs.KindLedgerIO, "ledger.readFills", errs.WithCause(err))
	}
	defer func() { _ = f.Close() }()

	var out parsedFills
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fill TradeFill
		if err := json.Unmarshal(line, &fill); err != nil {
			out.skipped++
			continue
		}
		if fill.Side != SideBuy && fill.Side != SideSell {
			out.skipped++
			continue
		}
		out.valid = append(out.valid, fill)
	}
	if err := scanner.Err(); err != nil {
		return parsedFills{}, errs.New(errs.KindLedgerIO, "ledger.readFills", errs.WithCause(err))
	}
	return out, nil
}

// Append persists the fill (flushed before returning) then updates the
// in-memory state using the same accounting algorithm as Load's rebuild.
func (l *Ledger) Append(fill TradeFill) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return errs.New(errs.KindLedgerIO, "ledger.Append", errs.WithCause(err))
		}
		l.file = f
	}

	encoded, err := json.Marshal(fill)
	if err != nil {
		return errs.New(errs.KindLedgerIO, "ledger.Append", errs.WithCause(err))
	}
	encoded = append(encoded, '\n')
	if _, err := l.file.Write(encoded); err != nil {
		return errs.New(errs.KindLedgerIO, "ledger.Append", errs.WithCause(err))
	}
	if err := l.file.Sync(); err != nil {
		return errs.New(errs.KindLedgerIO, "ledger.Append", errs.WithCause(err))
	}

	return l.applyLocked(fill)
}

// State returns a read-only snapshot of the derived ledger state.
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close releases the underlying file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// applyLocked folds a single fill into the in-memory state using
// weighted-average-cost accounting. Callers must hold l.mu.
func (l *Ledger) applyLocked(fill TradeFill) error {
	s := &l.state

	switch fill.Side {
	case SideBuy:
		base, ok := addOverflowSafe(s.PositionBase, fill.BaseQty)
		if !ok {
			return errs.New(errs.KindArithmetic, "ledger.applyLocked", errs.WithMessage("position_base overflow"))
		}
		cost, ok := addOverflowSafe(s.PositionCost, fill.QuoteQty)
		if !ok {
			return errs.New(errs.KindArithmetic, "ledger.applyLocked", errs.WithMessage("position_cost overflow"))
		}
		s.PositionBase = base
		s.PositionCost = cost

	case SideSell:
		remaining := fill.BaseQty
		for remaining > 0 && s.PositionBase > 0 {
			denom := s.PositionBase
			if denom < 1 {
				denom = 1
			}
			matched := remaining
			if s.PositionBase < matched {
				matched = s.PositionBase
			}
			costReduction := fixedpoint.RoundScaled(s.PositionCost, matched, denom)

			var proceeds int64
			if fill.BaseQty > 0 {
				proceeds = fixedpoint.RoundScaled(fill.QuoteQty, matched, fill.BaseQty)
			}

			s.PositionBase -= matched
			s.PositionCost -= costReduction
			if s.PositionCost < 0 {
				s.PositionCost = 0
			}

			pnl, ok := addOverflowSafe(s.RealizedPnL, proceeds-costReduction)
			if !ok {
				return errs.New(errs.KindArithmetic, "ledger.applyLocked", errs.WithMessage("realized_pnl overflow"))
			}
			s.RealizedPnL = clampPnL(pnl)
			remaining -= matched
		}
		// Excess sell quantity beyond current inventory is dropped: no
		// short accounting.
	}

	if fill.ID > s.LastTradeID {
		s.LastTradeID = fill.ID
	}
	return nil
}

func clampPnL(v int64) int64 {
	if v > realizedPnLClamp {
		return realizedPnLClamp
	}
	if v < -realizedPnLClamp {
		return -realizedPnLClamp
	}
	return v
}

func addOverflowSafe(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// FoldFee subtracts a commission from base or quote quantity when the fee
// asset matches one of the two trade legs, per the strategy's fee-folding
// contract: fees in a third asset are recorded in FeeQty but not deducted.
func FoldFee(baseQty, quoteQty, feeQty int64, feeAsset, baseAsset, quoteAsset string) (int64, int64) {
	switch feeAsset {
	case baseAsset:
		baseQty -= feeQty
		if baseQty < 0 {
			baseQty = 0
		}
	case quoteAsset:
		quoteQty -= feeQty
		if quoteQty < 0 {
			quoteQty = 0
		}
	}
	return baseQty, quoteQty
}
