// Package risk enforces the strategy's NAV drawdown gate and the taker
// escape throttle: the two places the control loop must refuse to act
// even though the underlying exchange calls would otherwise succeed.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Limits configures the drawdown gate. A zero MaxDrawdownUSD or
// MaxDrawdownPct disables that particular check.
type Limits struct {
	MaxDrawdownUSD decimal.Decimal
	MaxDrawdownPct decimal.Decimal
	CooldownPeriod time.Duration
}

// State is the drawdown gate's persistent, per-session state.
type State struct {
	TradingEnabled    bool
	InitialNAV        decimal.Decimal
	SessionPeakNAV    decimal.Decimal
	RiskDisabledSince time.Time
}

// half is the fraction of max_drawdown_pct used for the recovery line.
var half = decimal.NewFromFloat(0.5)

// Manager tracks the drawdown gate for one symbol's strategy loop.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	state  State
}

// NewManager constructs a manager. initialNAV seeds both InitialNAV and
// SessionPeakNAV; trading starts enabled.
func NewManager(limits Limits, initialNAV decimal.Decimal) *Manager {
	return &Manager{
		limits: limits,
		state: State{
			TradingEnabled: true,
			InitialNAV:     initialNAV,
			SessionPeakNAV: initialNAV,
		},
	}
}

// Evaluate folds the latest NAV reading into the drawdown gate: it updates
// the session peak, checks for a breach, and checks for recovery from a
// prior breach. It returns the resulting TradingEnabled state.
func (m *Manager) Evaluate(nav decimal.Decimal, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nav.GreaterThan(m.state.SessionPeakNAV) {
		m.state.SessionPeakNAV = nav
	}

	if m.state.TradingEnabled {
		if m.breached(nav) {
			m.state.TradingEnabled = false
			m.state.RiskDisabledSince = now
		}
		return m.state.TradingEnabled
	}

	if m.recovered(nav, now) {
		m.state.TradingEnabled = true
		m.state.RiskDisabledSince = time.Time{}
	}
	return m.state.TradingEnabled
}

func (m *Manager) breached(nav decimal.Decimal) bool {
	drawdown := m.state.SessionPeakNAV.Sub(nav)
	if m.limits.MaxDrawdownUSD.IsPositive() && drawdown.GreaterThan(m.limits.MaxDrawdownUSD) {
		return true
	}
	if m.limits.MaxDrawdownPct.IsPositive() && m.state.SessionPeakNAV.IsPositive() {
		ratio := drawdown.Div(m.state.SessionPeakNAV)
		if ratio.GreaterThan(m.limits.MaxDrawdownPct) {
			return true
		}
	}
	return false
}

func (m *Manager) recovered(nav decimal.Decimal, now time.Time) bool {
	if now.Sub(m.state.RiskDisabledSince) < m.limits.CooldownPeriod {
		return false
	}
	recoveryLine := m.state.SessionPeakNAV.Mul(decimal.NewFromInt(1).Sub(half.Mul(m.limits.MaxDrawdownPct)))
	return nav.GreaterThanOrEqual(recoveryLine)
}

// State returns a copy of the current gate state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EscapeThrottle bounds taker escape orders to a cooldown against the
// previous escape on any side, plus a per-minute token-bucket cap, per
// throttle_taker_escape.
type EscapeThrottle struct {
	mu        sync.Mutex
	cooldown  time.Duration
	perMinute *rate.Limiter
	lastFired time.Time
	fired     bool
}

// NewEscapeThrottle constructs a throttle with a global cooldown between
// any two escapes regardless of side, and a token bucket holding at most
// maxPerMinute tokens that refills at maxPerMinute tokens per minute. A
// burst of maxPerMinute escapes is allowed at once; the bucket does not
// count escapes over a sliding 60-second window, so up to
// 2*maxPerMinute-1 escapes can fall within one such window.
func NewEscapeThrottle(cooldown time.Duration, maxPerMinute int) *EscapeThrottle {
	limit := rate.Limit(float64(maxPerMinute) / 60.0)
	return &EscapeThrottle{
		cooldown:  cooldown,
		perMinute: rate.NewLimiter(limit, maxPerMinute),
	}
}

// Allow reports whether an escape on the given side may fire now, and if
// so records it as fired. side is accepted for call-site symmetry but no
// longer keys the cooldown: the cooldown is against the previous escape
// on any side.
func (t *EscapeThrottle) Allow(side string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fired && now.Sub(t.lastFired) < t.cooldown {
		return false
	}
	if !t.perMinute.AllowN(now, 1) {
		return false
	}
	t.lastFired = now
	t.fired = true
	return true
}
