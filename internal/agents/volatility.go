package agents

import (
	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

// VolatilityAgent rides range expansion: it enters in the direction
// of the displacement on EXPANSION bars.
type VolatilityAgent struct {
	Config VolatilityConfig
}

// VolatilityConfig is plain-data configuration for the volatility
// agent.
type VolatilityConfig struct {
	MinConf     float64
	BaseDollars decimal.Decimal
}

// DefaultVolatilityConfig returns sensible defaults.
func DefaultVolatilityConfig() VolatilityConfig {
	return VolatilityConfig{
		MinConf:     0.50,
		BaseDollars: decimal.NewFromInt(6000),
	}
}

func NewVolatilityAgent(cfg VolatilityConfig) *VolatilityAgent {
	return &VolatilityAgent{Config: cfg}
}

func (a *VolatilityAgent) ID() string { return "volatility" }

func (a *VolatilityAgent) ActiveRegimes() []types.RegimeType {
	return []types.RegimeType{types.RegimeExpansion}
}

func (a *VolatilityAgent) MinConfidence() float64 { return a.Config.MinConf }

func (a *VolatilityAgent) Evaluate(signal types.RegimeSignal, state *MarketState) ([]types.TradeIntent, error) {
	if !gate(a, signal, state) || signal.Features == nil {
		return nil, nil
	}
	snap := signal.Features

	qty := stockQty(a.Config.BaseDollars, state.Bar.Close)
	var delta decimal.Decimal
	dir := types.BiasNeutral
	switch {
	case snap.Close > snap.VWAP:
		delta, dir = qty, types.BiasLong
	case snap.Close < snap.VWAP:
		delta, dir = qty.Neg(), types.BiasShort
	default:
		return nil, nil
	}

	return []types.TradeIntent{{
		Symbol:         signal.Symbol,
		Instrument:     types.InstrumentStock,
		Direction:      dir,
		PositionDelta:  delta,
		Confidence:     signal.Confidence,
		AgentID:        a.ID(),
		Reason:         "expansion_displacement",
		RequiredRegime: types.RegimeExpansion,
	}}, nil
}
