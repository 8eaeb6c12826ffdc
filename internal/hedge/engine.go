// Package hedge maintains delta hedges in the underlying for
// gamma-scalping option packages. Hedge positions back-reference
// packages by id; the package engine never owns them.
package hedge

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/options"
	"github.com/regimetrader/engine/pkg/types"
)

// Config holds the hedging guardrails.
type Config struct {
	MinAdjustShares  int64           // skip adjustments smaller than this
	FrequencyBars    int64           // min bars between hedges per package
	MaxDailyTrades   int             // per package per day
	MaxDailyNotional decimal.Decimal // per symbol per day
	OrphanBars       int64           // residual shares older than this force-flatten
	RiskFree         float64
}

// DefaultConfig returns the standard guardrails.
func DefaultConfig() Config {
	return Config{
		MinAdjustShares:  5,
		FrequencyBars:    5,
		MaxDailyTrades:   50,
		MaxDailyNotional: decimal.NewFromInt(100000),
		OrphanBars:       60,
		RiskFree:         0.04,
	}
}

// EventFunc receives hedge lifecycle events.
type EventFunc func(event, packageID string, fields map[string]any)

// Engine owns every hedge position and its timeline.
type Engine struct {
	mu     sync.Mutex
	logger *zap.Logger
	config Config

	positions map[string]*types.HedgePosition
	timelines map[string][]TimelineRow

	// orphanSince records the bar at which a closed package was first
	// seen still carrying shares.
	orphanSince map[string]int64

	events EventFunc
}

// New creates a hedge engine.
func New(logger *zap.Logger, config Config) *Engine {
	return &Engine{
		logger:      logger.Named("hedge"),
		config:      config,
		positions:   make(map[string]*types.HedgePosition),
		timelines:   make(map[string][]TimelineRow),
		orphanSince: make(map[string]int64),
	}
}

// SetEventSink wires the run event log.
func (e *Engine) SetEventSink(fn EventFunc) { e.events = fn }

// NetOptionsDelta computes the package's per-share net delta: the sum
// of call and put deltas scaled by contract count. Long packages carry
// the raw leg deltas; short packages carry their negation.
func (e *Engine) NetOptionsDelta(pkg *types.MultiLegPosition, spot, iv float64, now time.Time) (float64, error) {
	callK, _ := pkg.CallFill.Strike.Float64()
	putK, _ := pkg.PutFill.Strike.Float64()

	_, callExp, _, _, err := options.ParseOCCSymbol(pkg.CallFill.OptionSymbol)
	if err != nil {
		return 0, fmt.Errorf("call leg symbol: %w", err)
	}
	_, putExp, _, _, err := options.ParseOCCSymbol(pkg.PutFill.OptionSymbol)
	if err != nil {
		return 0, fmt.Errorf("put leg symbol: %w", err)
	}

	callT := yearFrac(now, callExp)
	putT := yearFrac(now, putExp)

	callDelta := options.BSDelta(true, spot, callK, callT, e.config.RiskFree, iv)
	putDelta := options.BSDelta(false, spot, putK, putT, e.config.RiskFree, iv)

	net := (callDelta + putDelta) * float64(pkg.Quantity)
	if pkg.Direction == types.PackageShort {
		net = -net
	}
	return net, nil
}

// Evaluate runs one hedging decision for a package on the current
// bar. It computes net delta, applies the banded/frequency/notional
// guardrails, executes any adjustment at the bar price, and appends a
// timeline row. optionsPnL is the package's current options mark,
// supplied by the package engine.
func (e *Engine) Evaluate(pkg *types.MultiLegPosition, signal types.RegimeSignal, barIndex int64, price decimal.Decimal, optionsPnL decimal.Decimal) error {
	if pkg.TradeType != types.PackageStrangle || pkg.Direction != types.PackageLong || !pkg.BothLegsFilled {
		return nil
	}
	spot, _ := price.Float64()
	iv := 0.20
	if signal.Features != nil && signal.Features.IVProxy > 0 {
		iv = signal.Features.IVProxy
	}

	netDelta, err := e.NetOptionsDelta(pkg, spot, iv, signal.Ts)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, exists := e.positions[pkg.PackageID]
	if !exists {
		pos = &types.HedgePosition{
			PackageID: pkg.PackageID,
			Symbol:    pkg.Symbol,
			CreatedAt: signal.Ts,
		}
	}
	e.rollDayLocked(pos, signal.Ts)

	target := -int64(math.Round(netDelta * types.ContractMultiplier))
	adj := target - pos.Shares
	note := ""

	switch {
	case abs64(adj) < e.config.MinAdjustShares:
		note = "below_min_size"
	case exists && barIndex-pos.LastHedgeBar < e.config.FrequencyBars:
		note = "frequency_band"
	case pos.DailyTrades >= e.config.MaxDailyTrades:
		note = "guardrail_daily_trades"
		e.logger.Warn("Hedge guardrail: daily trade cap",
			zap.String("packageId", pkg.PackageID),
			zap.Int("trades", pos.DailyTrades),
		)
	case e.wouldBreachNotionalLocked(pos, adj, price):
		note = "guardrail_daily_notional"
		e.logger.Warn("Hedge guardrail: daily notional cap",
			zap.String("packageId", pkg.PackageID),
			zap.String("notional", pos.DailyNotional.StringFixed(2)),
		)
	default:
		e.executeLocked(pos, adj, price, barIndex)
		note = fmt.Sprintf("hedged_%+d", adj)
	}

	pos.UnrealizedPnL = price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Shares))
	if exists || pos.Shares != 0 {
		// Created on first hedge; evaluations that never traded leave
		// no position behind.
		e.positions[pkg.PackageID] = pos
	}

	hedgePnL := pos.RealizedPnL.Add(pos.UnrealizedPnL)
	e.appendRowLocked(pkg.PackageID, TimelineRow{
		Bar:             barIndex,
		Price:           price,
		NetOptionsDelta: netDelta,
		HedgeShares:     pos.Shares,
		TotalDelta:      netDelta + float64(pos.Shares)/types.ContractMultiplier,
		OptionsPnL:      optionsPnL,
		HedgePnL:        hedgePnL,
		TotalPnL:        optionsPnL.Add(hedgePnL),
		Note:            note,
	})
	return nil
}

// executeLocked applies an adjustment of adj shares at price.
// Extending on the same side moves the weighted-average entry;
// reducing or flipping realizes P&L on the reduced quantity.
func (e *Engine) executeLocked(pos *types.HedgePosition, adj int64, price decimal.Decimal, barIndex int64) {
	oldShares := pos.Shares
	newShares := oldShares + adj

	switch {
	case oldShares == 0 || (oldShares > 0) == (adj > 0):
		// Opening or extending: weighted-average entry.
		if newShares != 0 {
			oldPart := decimal.NewFromInt(oldShares).Mul(pos.AvgPrice)
			adjPart := decimal.NewFromInt(adj).Mul(price)
			pos.AvgPrice = oldPart.Add(adjPart).Div(decimal.NewFromInt(newShares))
		}
	default:
		// Reducing or flipping: realize on the reduced amount.
		reduced := min64(abs64(adj), abs64(oldShares))
		sign := decimal.NewFromInt(1)
		if oldShares < 0 {
			sign = decimal.NewFromInt(-1)
		}
		realized := price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(reduced)).Mul(sign)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		if (newShares > 0) != (oldShares > 0) && newShares != 0 {
			// Flipped through zero: the remainder opens at the fill.
			pos.AvgPrice = price
		}
		if newShares == 0 {
			pos.AvgPrice = decimal.Zero
		}
	}

	pos.Shares = newShares
	pos.LastHedgeBar = barIndex
	pos.DailyTrades++
	pos.DailyNotional = pos.DailyNotional.Add(decimal.NewFromInt(abs64(adj)).Mul(price))
}

func (e *Engine) wouldBreachNotionalLocked(pos *types.HedgePosition, adj int64, price decimal.Decimal) bool {
	if e.config.MaxDailyNotional.Sign() <= 0 {
		return false
	}
	next := pos.DailyNotional.Add(decimal.NewFromInt(abs64(adj)).Mul(price))
	// The cap is shared by every package hedging the same symbol today.
	for _, other := range e.positions {
		if other != pos && other.Symbol == pos.Symbol && other.DailyDate == pos.DailyDate {
			next = next.Add(other.DailyNotional)
		}
	}
	return next.GreaterThan(e.config.MaxDailyNotional)
}

// OnPackageClosed flattens the package's hedge at the close price.
func (e *Engine) OnPackageClosed(packageID string, price decimal.Decimal, barIndex int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flattenLocked(packageID, price, barIndex, "package_close")
}

// CheckOrphans force-flattens hedges whose packages are gone. The first
// call that finds shares on a package that is no longer open starts the
// orphan clock; the shares are flattened once more than OrphanBars bars
// have passed since then. The flatten at the close itself is done by
// OnPackageClosed.
func (e *Engine) CheckOrphans(openPackage func(string) bool, price func(string) decimal.Decimal, barIndex int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for pkgID, pos := range e.positions {
		if pos.Shares == 0 {
			continue
		}
		if openPackage(pkgID) {
			delete(e.orphanSince, pkgID)
			continue
		}
		since, seen := e.orphanSince[pkgID]
		if !seen {
			e.orphanSince[pkgID] = barIndex
			continue
		}
		if barIndex-since > e.config.OrphanBars {
			e.flattenLocked(pkgID, price(pos.Symbol), barIndex, "OrphanHedgeFlatten")
		}
	}
}

func (e *Engine) flattenLocked(packageID string, price decimal.Decimal, barIndex int64, reason string) {
	pos, ok := e.positions[packageID]
	if !ok || pos.Shares == 0 {
		return
	}

	adj := -pos.Shares
	e.executeLocked(pos, adj, price, barIndex)
	pos.UnrealizedPnL = decimal.Zero
	delete(e.orphanSince, packageID)

	e.appendRowLocked(packageID, TimelineRow{
		Bar:         barIndex,
		Price:       price,
		HedgeShares: 0,
		HedgePnL:    pos.RealizedPnL,
		TotalPnL:    pos.RealizedPnL,
		Note:        reason,
	})

	e.logger.Info("Hedge flattened",
		zap.String("packageId", packageID),
		zap.String("reason", reason),
		zap.String("realizedPnl", pos.RealizedPnL.StringFixed(2)),
	)
	if reason == "OrphanHedgeFlatten" && e.events != nil {
		e.events("OrphanHedgeFlatten", packageID, map[string]any{
			"flattened": adj,
			"realized":  pos.RealizedPnL.StringFixed(2),
		})
	}
}

// PnL returns the realized and unrealized hedge P&L for a package.
func (e *Engine) PnL(packageID string) (realized, unrealized decimal.Decimal, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, exists := e.positions[packageID]
	if !exists {
		return decimal.Zero, decimal.Zero, false
	}
	return pos.RealizedPnL, pos.UnrealizedPnL, true
}

// Position returns a copy of the hedge position for a package.
func (e *Engine) Position(packageID string) *types.HedgePosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[packageID]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

func (e *Engine) rollDayLocked(pos *types.HedgePosition, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if pos.DailyDate != day {
		pos.DailyDate = day
		pos.DailyTrades = 0
		pos.DailyNotional = decimal.Zero
	}
}

func yearFrac(now, expiry time.Time) float64 {
	hours := expiry.Sub(now).Hours()
	if hours < 6 {
		hours = 6
	}
	return hours / (24 * 365)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
