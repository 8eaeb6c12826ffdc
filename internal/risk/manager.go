// Package risk provides per-trade sizing and the global limit /
// kill-switch layer.
package risk

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

// Block describes a vetoed intent. Blocks are events, never errors;
// existing exit intents are always allowed through.
type Block struct {
	Rule    string    `json:"rule"`
	Message string    `json:"message"`
	Symbol  string    `json:"symbol"`
	AgentID string    `json:"agentId"`
	Ts      time.Time `json:"ts"`
}

// Manager sizes intents and enforces global limits.
type Manager struct {
	logger *zap.Logger
	config types.RiskConfig

	// killSwitch is single-writer (here / external API), single-reader
	// (the loop).
	killSwitch    atomic.Bool
	emergencyStop atomic.Bool

	mu                sync.Mutex
	dailyPnL          decimal.Decimal
	dailyDate         string
	dailyStartEquity  decimal.Decimal
	consecutiveLosses int
	tradePnLs         []decimal.Decimal

	// Package rate limiting.
	packageTimes         map[string][]time.Time // per strategy, last minute
	packageTimesHour     []time.Time

	fixedInvestment decimal.Decimal
	blocks          []Block
}

// NewManager creates a risk manager.
func NewManager(logger *zap.Logger, config types.RiskConfig, fixedInvestment decimal.Decimal) *Manager {
	m := &Manager{
		logger:          logger.Named("risk"),
		config:          config,
		packageTimes:    make(map[string][]time.Time),
		fixedInvestment: fixedInvestment,
	}
	if config.KillSwitch {
		m.killSwitch.Store(true)
	}
	return m
}

// defaultVolCaps bounds notional per volatility bucket when the
// config does not override it.
var defaultVolCaps = map[types.VolatilityLevel]decimal.Decimal{
	types.VolLow:     decimal.NewFromInt(50000),
	types.VolMedium:  decimal.NewFromInt(30000),
	types.VolHigh:    decimal.NewFromInt(15000),
	types.VolExtreme: decimal.NewFromInt(5000),
}

// Size re-sizes the intent's position delta through the sizing chain:
// volatility bucket cap, per-symbol risk-per-trade, fixed investment,
// and the CVaR tail bound. Returns the adjusted delta.
func (m *Manager) Size(intent *types.TradeIntent, signal types.RegimeSignal, price decimal.Decimal, equity decimal.Decimal, symbolCfg types.SymbolConfig) decimal.Decimal {
	if intent.Instrument == types.InstrumentOption {
		// Option contract counts are set by the agent and pass through
		// unchanged; none of the caps below is applied to them.
		return intent.PositionDelta
	}
	if price.IsZero() {
		return decimal.Zero
	}

	delta := intent.PositionDelta
	sign := decimal.NewFromInt(int64(delta.Sign()))
	notional := delta.Abs().Mul(price)

	// (a) volatility bucket cap
	caps := m.config.VolBucketCaps
	if caps == nil {
		caps = defaultVolCaps
	}
	if bucketCap, ok := caps[signal.Vol]; ok && notional.GreaterThan(bucketCap) {
		notional = bucketCap
	}

	// (b) per-symbol risk-per-trade: the amount at risk through the
	// stop must stay under riskPct of equity, so max notional is
	// equity x riskPct / stopPct.
	if symbolCfg.RiskPerTradePct > 0 && symbolCfg.StopLossPct > 0 && equity.Sign() > 0 {
		riskCap := equity.Mul(decimal.NewFromFloat(symbolCfg.RiskPerTradePct / symbolCfg.StopLossPct))
		if notional.GreaterThan(riskCap) {
			notional = riskCap
		}
	}

	// (c) fixed investment override
	if m.fixedInvestment.Sign() > 0 {
		notional = m.fixedInvestment
	}

	// (d) CVaR tail bound: shrink sizing when the tail of recent
	// trade results is deep relative to equity.
	if scale := m.cvarScale(equity); scale < 1 {
		notional = notional.Mul(decimal.NewFromFloat(scale))
	}

	return notional.Div(price).Round(0).Mul(sign)
}

// cvarScale returns a [0.25, 1] multiplier from the mean of the worst
// 5% of the lookback trade results.
func (m *Manager) cvarScale(equity decimal.Decimal) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	lookback := m.config.CVaRLookback
	if lookback <= 0 || len(m.tradePnLs) < lookback/2 || equity.Sign() <= 0 {
		return 1
	}

	pnls := m.tradePnLs
	if len(pnls) > lookback {
		pnls = pnls[len(pnls)-lookback:]
	}
	sorted := make([]decimal.Decimal, len(pnls))
	copy(sorted, pnls)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	tailN := len(sorted) / 20
	if tailN < 1 {
		tailN = 1
	}
	tailSum := decimal.Zero
	for _, p := range sorted[:tailN] {
		tailSum = tailSum.Add(p)
	}
	cvar := tailSum.Div(decimal.NewFromInt(int64(tailN)))
	if cvar.Sign() >= 0 {
		return 1
	}

	ratio, _ := cvar.Abs().Div(equity).Float64()
	scale := 1 - ratio*10
	if scale < 0.25 {
		scale = 0.25
	}
	if scale > 1 {
		scale = 1
	}
	return scale
}

// Check applies the global limits to an entry intent. A nil return
// admits the intent; a Block vetoes it.
func (m *Manager) Check(intent *types.TradeIntent, now time.Time, equity decimal.Decimal) *Block {
	if m.emergencyStop.Load() {
		return m.block("emergency_stop", "new entries blocked by emergency stop", intent, now)
	}
	if m.killSwitch.Load() {
		return m.block("kill_switch", "kill switch engaged", intent, now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDay(now)

	if m.config.MaxDailyLoss.Sign() > 0 && m.dailyPnL.Neg().GreaterThanOrEqual(m.config.MaxDailyLoss) {
		return m.blockLocked("max_daily_loss", "daily loss cap reached", intent, now)
	}
	if m.config.MaxDailyLossPct > 0 && m.dailyStartEquity.Sign() > 0 {
		lossPct, _ := m.dailyPnL.Neg().Div(m.dailyStartEquity).Float64()
		if lossPct >= m.config.MaxDailyLossPct {
			return m.blockLocked("max_daily_loss_pct", "daily loss percentage cap reached", intent, now)
		}
	}
	if m.config.MaxLossStreak > 0 && m.consecutiveLosses >= m.config.MaxLossStreak {
		return m.blockLocked("loss_streak", "max consecutive losses reached", intent, now)
	}

	if intent.MultiLeg() {
		if b := m.checkPackageRateLocked(intent, now); b != nil {
			return b
		}
	}
	return nil
}

// checkPackageRateLocked enforces per-minute-per-strategy and
// per-hour-global package rate limits.
func (m *Manager) checkPackageRateLocked(intent *types.TradeIntent, now time.Time) *Block {
	strategy := string(intent.PackageType)

	recent := trimAfter(m.packageTimes[strategy], now.Add(-time.Minute))
	m.packageTimes[strategy] = recent
	if m.config.MaxPackagesPerMin > 0 && len(recent) >= m.config.MaxPackagesPerMin {
		return m.blockLocked("package_rate_minute", "per-minute package limit reached", intent, now)
	}

	hour := trimAfter(m.packageTimesHour, now.Add(-time.Hour))
	m.packageTimesHour = hour
	if m.config.MaxPackagesPerHour > 0 && len(hour) >= m.config.MaxPackagesPerHour {
		return m.blockLocked("package_rate_hour", "per-hour package limit reached", intent, now)
	}
	return nil
}

// RecordPackageOpen counts an admitted package against the rate
// limits.
func (m *Manager) RecordPackageOpen(strategy types.PackageType, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packageTimes[string(strategy)] = append(m.packageTimes[string(strategy)], now)
	m.packageTimesHour = append(m.packageTimesHour, now)
}

// RecordTradeResult feeds realized P&L back into the daily and streak
// accounting.
func (m *Manager) RecordTradeResult(pnl decimal.Decimal, now time.Time, equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDay(now)
	if m.dailyStartEquity.IsZero() {
		m.dailyStartEquity = equity
	}
	m.dailyPnL = m.dailyPnL.Add(pnl)
	m.tradePnLs = append(m.tradePnLs, pnl)
	if len(m.tradePnLs) > 4*maxInt(m.config.CVaRLookback, 50) {
		m.tradePnLs = m.tradePnLs[len(m.tradePnLs)/2:]
	}

	if pnl.Sign() < 0 {
		m.consecutiveLosses++
	} else if pnl.Sign() > 0 {
		m.consecutiveLosses = 0
	}
}

// SetKillSwitch flips the kill switch.
func (m *Manager) SetKillSwitch(on bool) {
	m.killSwitch.Store(on)
	m.logger.Warn("Kill switch changed", zap.Bool("on", on))
}

// KillSwitch reads the flag.
func (m *Manager) KillSwitch() bool { return m.killSwitch.Load() }

// SetEmergencyStop blocks new entries; exits remain allowed.
func (m *Manager) SetEmergencyStop(on bool) {
	m.emergencyStop.Store(on)
	m.logger.Warn("Emergency stop changed", zap.Bool("on", on))
}

// EmergencyStop reads the flag.
func (m *Manager) EmergencyStop() bool { return m.emergencyStop.Load() }

// Blocks returns the recorded risk blocks.
func (m *Manager) Blocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Block, len(m.blocks))
	copy(out, m.blocks)
	return out
}

func (m *Manager) block(rule, msg string, intent *types.TradeIntent, now time.Time) *Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockLocked(rule, msg, intent, now)
}

func (m *Manager) blockLocked(rule, msg string, intent *types.TradeIntent, now time.Time) *Block {
	b := Block{Rule: rule, Message: msg, Symbol: intent.Symbol, AgentID: intent.AgentID, Ts: now}
	m.blocks = append(m.blocks, b)
	m.logger.Warn("RiskBlock",
		zap.String("rule", rule),
		zap.String("symbol", intent.Symbol),
		zap.String("agent", intent.AgentID),
	)
	return &b
}

func (m *Manager) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if m.dailyDate != day {
		m.dailyDate = day
		m.dailyPnL = decimal.Zero
		m.dailyStartEquity = decimal.Zero
	}
}

func trimAfter(times []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
