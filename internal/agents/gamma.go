package agents

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/internal/options"
	"github.com/regimetrader/engine/pkg/types"
)

// GammaScalper buys 25-delta strangles when the dealer-gamma proxy is
// negative and premium is cheap (low IV percentile). The resulting
// package is delta-hedged in the underlying by the hedge engine.
type GammaScalper struct {
	Config GammaConfig
}

// GammaConfig is plain-data configuration for the gamma scalper.
type GammaConfig struct {
	MinConf      float64
	Contracts    int
	DeltaTarget  float64
	MaxIVPercent float64
	MinDTE       int
	MaxDTE       int
}

// DefaultGammaConfig returns sensible defaults.
func DefaultGammaConfig() GammaConfig {
	return GammaConfig{
		MinConf:      0.40,
		Contracts:    5,
		DeltaTarget:  0.25,
		MaxIVPercent: 30,
		MinDTE:       7,
		MaxDTE:       30,
	}
}

func NewGammaScalper(cfg GammaConfig) *GammaScalper { return &GammaScalper{Config: cfg} }

func (a *GammaScalper) ID() string { return "gamma_scalper" }

func (a *GammaScalper) ActiveRegimes() []types.RegimeType {
	// Negative dealer gamma shows up across regimes; the GEX and IV
	// gates below do the real selection.
	return []types.RegimeType{
		types.RegimeTrend,
		types.RegimeMeanReversion,
		types.RegimeCompression,
		types.RegimeExpansion,
	}
}

func (a *GammaScalper) MinConfidence() float64 { return a.Config.MinConf }

func (a *GammaScalper) Evaluate(signal types.RegimeSignal, state *MarketState) ([]types.TradeIntent, error) {
	if !gate(a, signal, state) || state.Chain == nil || signal.Features == nil {
		return nil, nil
	}
	snap := signal.Features
	if !state.TestingMode {
		if snap.GEXProxy >= 0 {
			return nil, nil
		}
		if snap.IVPercent >= a.Config.MaxIVPercent {
			return nil, nil
		}
	}

	spot := state.Spot()
	iv := snap.IVProxy
	if iv <= 0 {
		iv = 0.20
	}
	minDTE := a.Config.MinDTE
	if state.TestingMode {
		minDTE = 0
	}
	expiry := nextExpiry(state.Now, minDTE, a.Config.MaxDTE)
	T := expiry.Sub(state.Now).Hours() / (24 * 365)

	callStrike := options.RoundToStrike(options.StrikeForDelta(true, spot, T, 0.04, iv, a.Config.DeltaTarget))
	putStrike := options.RoundToStrike(options.StrikeForDelta(false, spot, T, 0.04, iv, a.Config.DeltaTarget))

	call, err := state.Chain.Quote(signal.Symbol, spot, types.OptionCall, callStrike, expiry, state.Now)
	if err != nil {
		return nil, fmt.Errorf("strangle call quote: %w", err)
	}
	put, err := state.Chain.Quote(signal.Symbol, spot, types.OptionPut, putStrike, expiry, state.Now)
	if err != nil {
		return nil, fmt.Errorf("strangle put quote: %w", err)
	}

	qty := decimal.NewFromInt(int64(a.Config.Contracts))
	mult := decimal.NewFromInt(types.ContractMultiplier)
	// Long legs pay the ask.
	debit := call.Ask.Add(put.Ask).Mul(qty).Mul(mult)

	return []types.TradeIntent{{
		Symbol:         signal.Symbol,
		Instrument:     types.InstrumentOption,
		Direction:      types.BiasNeutral,
		PositionDelta:  qty,
		Confidence:     signal.Confidence,
		AgentID:        a.ID(),
		Reason:         "gamma_long_strangle",
		RequiredRegime: signal.Regime,
		CallSymbol:     call.OptionSymbol,
		PutSymbol:      put.OptionSymbol,
		CallStrike:     callStrike,
		PutStrike:      putStrike,
		Expiry:         expiry,
		TotalDebit:     debit,
		PackageType:    types.PackageStrangle,
		PackageDir:     types.PackageLong,
		Meta: map[string]any{
			"entry_iv":  snap.IVProxy,
			"entry_gex": snap.GEXProxy,
		},
	}}, nil
}
