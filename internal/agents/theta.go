package agents

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

// ThetaHarvester sells ATM straddles on COMPRESSION bars when the IV
// percentile is rich: compressed realized movement with relatively
// expensive premium is the harvestable edge.
type ThetaHarvester struct {
	Config ThetaConfig
}

// ThetaConfig is plain-data configuration for the theta harvester.
type ThetaConfig struct {
	MinConf       float64
	Contracts     int
	MinIVPercent  float64
	MinDTE        int
	MaxDTE        int
}

// DefaultThetaConfig returns sensible defaults.
func DefaultThetaConfig() ThetaConfig {
	return ThetaConfig{
		MinConf:      0.45,
		Contracts:    5,
		MinIVPercent: 70,
		MinDTE:       7,
		MaxDTE:       30,
	}
}

func NewThetaHarvester(cfg ThetaConfig) *ThetaHarvester { return &ThetaHarvester{Config: cfg} }

func (a *ThetaHarvester) ID() string { return "theta_harvester" }

func (a *ThetaHarvester) ActiveRegimes() []types.RegimeType {
	return []types.RegimeType{types.RegimeCompression}
}

func (a *ThetaHarvester) MinConfidence() float64 { return a.Config.MinConf }

func (a *ThetaHarvester) Evaluate(signal types.RegimeSignal, state *MarketState) ([]types.TradeIntent, error) {
	if !gate(a, signal, state) || state.Chain == nil || signal.Features == nil {
		return nil, nil
	}
	if signal.Features.IVPercent < a.Config.MinIVPercent && !state.TestingMode {
		return nil, nil
	}

	spot := state.Spot()
	strike := atmStrike(spot)
	minDTE := a.Config.MinDTE
	if state.TestingMode {
		minDTE = 0
	}
	expiry := nextExpiry(state.Now, minDTE, a.Config.MaxDTE)

	call, err := state.Chain.Quote(signal.Symbol, spot, types.OptionCall, strike, expiry, state.Now)
	if err != nil {
		return nil, fmt.Errorf("straddle call quote: %w", err)
	}
	put, err := state.Chain.Quote(signal.Symbol, spot, types.OptionPut, strike, expiry, state.Now)
	if err != nil {
		return nil, fmt.Errorf("straddle put quote: %w", err)
	}

	qty := decimal.NewFromInt(int64(a.Config.Contracts))
	mult := decimal.NewFromInt(types.ContractMultiplier)
	// Short legs collect the bid.
	credit := call.Bid.Add(put.Bid).Mul(qty).Mul(mult)

	return []types.TradeIntent{{
		Symbol:         signal.Symbol,
		Instrument:     types.InstrumentOption,
		Direction:      types.BiasNeutral,
		PositionDelta:  qty.Neg(),
		Confidence:     signal.Confidence,
		AgentID:        a.ID(),
		Reason:         "theta_short_straddle",
		RequiredRegime: types.RegimeCompression,
		CallSymbol:     call.OptionSymbol,
		PutSymbol:      put.OptionSymbol,
		CallStrike:     strike,
		PutStrike:      strike,
		Expiry:         expiry,
		TotalCredit:    credit,
		PackageType:    types.PackageStraddle,
		PackageDir:     types.PackageShort,
		Meta: map[string]any{
			"entry_iv":      signal.Features.IVProxy,
			"iv_percentile": signal.Features.IVPercent,
		},
	}}, nil
}

// atmStrike snaps the spot to the nearest listed strike.
func atmStrike(spot float64) decimal.Decimal {
	if spot >= 200 {
		return decimal.NewFromInt(int64(spot/5+0.5) * 5)
	}
	return decimal.NewFromInt(int64(spot + 0.5))
}
