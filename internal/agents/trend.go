package agents

import (
	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

// TrendAgent emits directional stock intents on TREND bars whose bias
// lines up with the trend direction.
type TrendAgent struct {
	Config TrendConfig
}

// TrendConfig is plain-data configuration for the trend agent.
type TrendConfig struct {
	MinConf     float64
	BaseDollars decimal.Decimal
	MinADX      float64
}

// DefaultTrendConfig returns sensible defaults.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		MinConf:     0.45,
		BaseDollars: decimal.NewFromInt(10000),
		MinADX:      25,
	}
}

func NewTrendAgent(cfg TrendConfig) *TrendAgent { return &TrendAgent{Config: cfg} }

func (a *TrendAgent) ID() string { return "trend" }

func (a *TrendAgent) ActiveRegimes() []types.RegimeType {
	return []types.RegimeType{types.RegimeTrend}
}

func (a *TrendAgent) MinConfidence() float64 { return a.Config.MinConf }

func (a *TrendAgent) Evaluate(signal types.RegimeSignal, state *MarketState) ([]types.TradeIntent, error) {
	if !gate(a, signal, state) {
		return nil, nil
	}
	if signal.Features != nil && signal.Features.ADX < a.Config.MinADX && !state.TestingMode {
		return nil, nil
	}

	qty := stockQty(a.Config.BaseDollars, state.Bar.Close)
	var delta decimal.Decimal
	var reason string
	switch {
	case signal.Bias == types.BiasLong && signal.Trend == types.TrendUp:
		delta = qty
		reason = "trend_up_aligned"
	case signal.Bias == types.BiasShort && signal.Trend == types.TrendDown:
		delta = qty.Neg()
		reason = "trend_down_aligned"
	default:
		return nil, nil
	}

	return []types.TradeIntent{{
		Symbol:         signal.Symbol,
		Instrument:     types.InstrumentStock,
		Direction:      signal.Bias,
		PositionDelta:  delta,
		Confidence:     signal.Confidence,
		AgentID:        a.ID(),
		Reason:         reason,
		RequiredRegime: types.RegimeTrend,
	}}, nil
}
