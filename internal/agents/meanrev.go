package agents

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

// MeanRevAgent trades back toward the mean in MEAN_REVERSION, either
// near a fair-value-gap midpoint or on an RSI extreme.
type MeanRevAgent struct {
	Config MeanRevConfig
}

// MeanRevConfig is plain-data configuration for the mean-reversion
// agent.
type MeanRevConfig struct {
	MinConf       float64
	BaseDollars   decimal.Decimal
	FVGProximityATR float64
	RSIOverbought float64
	RSIOversold   float64
}

// DefaultMeanRevConfig returns sensible defaults.
func DefaultMeanRevConfig() MeanRevConfig {
	return MeanRevConfig{
		MinConf:         0.45,
		BaseDollars:     decimal.NewFromInt(8000),
		FVGProximityATR: 0.25,
		RSIOverbought:   70,
		RSIOversold:     30,
	}
}

func NewMeanRevAgent(cfg MeanRevConfig) *MeanRevAgent { return &MeanRevAgent{Config: cfg} }

func (a *MeanRevAgent) ID() string { return "meanrev_fvg" }

func (a *MeanRevAgent) ActiveRegimes() []types.RegimeType {
	return []types.RegimeType{types.RegimeMeanReversion}
}

func (a *MeanRevAgent) MinConfidence() float64 { return a.Config.MinConf }

func (a *MeanRevAgent) Evaluate(signal types.RegimeSignal, state *MarketState) ([]types.TradeIntent, error) {
	if !gate(a, signal, state) || signal.Features == nil {
		return nil, nil
	}
	snap := signal.Features

	long, short, reason := a.trigger(snap)
	if !long && !short {
		return nil, nil
	}

	qty := stockQty(a.Config.BaseDollars, state.Bar.Close)
	delta := qty
	dir := types.BiasLong
	if short {
		delta = qty.Neg()
		dir = types.BiasShort
	}

	return []types.TradeIntent{{
		Symbol:         signal.Symbol,
		Instrument:     types.InstrumentStock,
		Direction:      dir,
		PositionDelta:  delta,
		Confidence:     signal.Confidence,
		AgentID:        a.ID(),
		Reason:         reason,
		RequiredRegime: types.RegimeMeanReversion,
	}}, nil
}

// trigger checks FVG proximity first, then RSI extremes.
func (a *MeanRevAgent) trigger(snap *types.FeatureSnapshot) (long, short bool, reason string) {
	tolerance := snap.ATR * a.Config.FVGProximityATR
	for _, fvg := range snap.FVGs {
		if math.Abs(snap.Close-fvg.Midpoint()) <= tolerance {
			if fvg.Bullish {
				return true, false, "fvg_midpoint_bullish"
			}
			return false, true, "fvg_midpoint_bearish"
		}
	}
	if snap.RSI <= a.Config.RSIOversold {
		return true, false, "rsi_oversold"
	}
	if snap.RSI >= a.Config.RSIOverbought {
		return false, true, "rsi_overbought"
	}
	return false, false, ""
}
