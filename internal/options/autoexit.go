package options

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

// AutoExitConfig holds the package exit rule table.
type AutoExitConfig struct {
	// Short straddle (theta harvesting).
	ThetaTakeProfitPct float64 // of credit
	ThetaStopLossPct   float64 // of credit, as a loss multiple
	ThetaIVDropPct     float64 // IV collapse from entry IV

	// Long strangle (gamma scalping).
	GammaTakeProfitPct float64 // of premium
	GammaStopLossPct   float64 // of premium
	GammaMinHoldBars   int64
	GammaMaxHoldBars   int64
}

// DefaultAutoExitConfig returns the standard rule table.
func DefaultAutoExitConfig() AutoExitConfig {
	return AutoExitConfig{
		ThetaTakeProfitPct: 0.50,
		ThetaStopLossPct:   2.00,
		ThetaIVDropPct:     0.30,
		GammaTakeProfitPct: 1.50,
		GammaStopLossPct:   0.50,
		GammaMinHoldBars:   5,
		GammaMaxHoldBars:   390,
	}
}

// Exit reasons recorded on auto-closed packages.
const (
	ExitThetaTakeProfit = "theta_take_profit"
	ExitThetaStopLoss   = "theta_stop_loss"
	ExitThetaIVCollapse = "theta_iv_collapse"
	ExitThetaRegime     = "theta_regime_exit"
	ExitGammaTakeProfit = "gamma_take_profit"
	ExitGammaStopLoss   = "gamma_stop_loss"
	ExitGammaGEXFlip    = "gamma_gex_flip"
	ExitGammaMaxHold    = "gamma_max_hold"
)

// CheckAutoExits evaluates the exit table for every fully-filled open
// package on the signal's symbol and closes those whose rules fire.
// The P&L driving the rules is options P&L plus the hedge's realized
// and unrealized P&L when the package carries a hedge.
func (e *Engine) CheckAutoExits(ctx context.Context, signal types.RegimeSignal, barIndex int64) ([]types.MultiLegTrade, error) {
	e.mu.Lock()
	var candidates []*types.MultiLegPosition
	for _, pkg := range e.open {
		if pkg.Symbol == signal.Symbol && pkg.State == types.PackageOpenFull {
			candidates = append(candidates, pkg)
		}
	}
	e.mu.Unlock()

	spot, ok := signalSpot(signal)
	if !ok {
		return nil, nil
	}

	var closed []types.MultiLegTrade
	for _, pkg := range candidates {
		optionsPnL, err := e.OptionsPnL(pkg, spot)
		if err != nil {
			e.logger.Warn("Auto-exit mark failed",
				zap.String("packageId", pkg.PackageID),
				zap.Error(err),
			)
			continue
		}

		totalPnL := optionsPnL
		if e.hedgePnL != nil {
			if realized, unrealized, has := e.hedgePnL(pkg.PackageID); has {
				totalPnL = totalPnL.Add(realized).Add(unrealized)
			}
		}

		reason := e.exitReason(pkg, signal, totalPnL, barIndex)
		if reason == "" {
			continue
		}

		trade, err := e.Close(ctx, pkg.PackageID, reason, signal)
		if err != nil {
			e.logger.Error("Auto-exit close failed",
				zap.String("packageId", pkg.PackageID),
				zap.Error(err),
			)
			continue
		}
		closed = append(closed, *trade)
	}
	return closed, nil
}

// exitReason applies the per-strategy rule table; empty means hold.
func (e *Engine) exitReason(pkg *types.MultiLegPosition, signal types.RegimeSignal, totalPnL decimal.Decimal, barIndex int64) string {
	premium := pkg.NetPremium.Abs()
	if premium.IsZero() {
		return ""
	}
	cfg := e.config.AutoExit

	switch {
	case pkg.TradeType == types.PackageStraddle && pkg.Direction == types.PackageShort:
		if totalPnL.GreaterThanOrEqual(premium.Mul(decimal.NewFromFloat(cfg.ThetaTakeProfitPct))) {
			return ExitThetaTakeProfit
		}
		if totalPnL.LessThanOrEqual(premium.Mul(decimal.NewFromFloat(cfg.ThetaStopLossPct)).Neg()) {
			return ExitThetaStopLoss
		}
		if pkg.EntryIV > 0 && signal.Features != nil &&
			signal.Features.IVProxy <= pkg.EntryIV*(1-cfg.ThetaIVDropPct) {
			return ExitThetaIVCollapse
		}
		if signal.Regime != types.RegimeCompression {
			return ExitThetaRegime
		}

	case pkg.TradeType == types.PackageStrangle && pkg.Direction == types.PackageLong:
		held := barIndex - pkg.EntryBar
		if held < cfg.GammaMinHoldBars {
			return ""
		}
		if held >= cfg.GammaMaxHoldBars {
			return ExitGammaMaxHold
		}
		if totalPnL.GreaterThanOrEqual(premium.Mul(decimal.NewFromFloat(cfg.GammaTakeProfitPct))) {
			return ExitGammaTakeProfit
		}
		if totalPnL.LessThanOrEqual(premium.Mul(decimal.NewFromFloat(cfg.GammaStopLossPct)).Neg()) {
			return ExitGammaStopLoss
		}
		if pkg.EntryGEX < 0 && signal.Features != nil && signal.Features.GEXProxy >= 0 {
			return ExitGammaGEXFlip
		}
	}
	return ""
}
