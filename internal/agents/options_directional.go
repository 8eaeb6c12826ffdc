package agents

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/internal/options"
	"github.com/regimetrader/engine/pkg/types"
)

// DirectionalOptionsAgent buys single-leg calls or puts on TREND or
// EXPANSION bars with a strong aligned bias. Candidates are filtered
// on spread, open interest, volume, IV percentile, and a Greeks check
// (high |delta|, low gamma).
type DirectionalOptionsAgent struct {
	Config DirectionalOptionsConfig
}

// DirectionalOptionsConfig is plain-data configuration for the
// directional options agent.
type DirectionalOptionsConfig struct {
	MinConf       float64
	Contracts     int
	DeltaTarget   float64
	MinDTE        int // floored to 0 in testing mode
	MaxDTE        int
	MaxSpreadPct  float64
	MinOpenInt    int
	MinVolume     int
	MaxIVPercent  float64
	MinAbsDelta   float64
	MaxGamma      float64
}

// DefaultDirectionalOptionsConfig returns sensible defaults.
func DefaultDirectionalOptionsConfig() DirectionalOptionsConfig {
	return DirectionalOptionsConfig{
		MinConf:      0.55,
		Contracts:    2,
		DeltaTarget:  0.60,
		MinDTE:       7,
		MaxDTE:       45,
		MaxSpreadPct: 8,
		MinOpenInt:   100,
		MinVolume:    50,
		MaxIVPercent: 80,
		MinAbsDelta:  0.50,
		MaxGamma:     0.05,
	}
}

func NewDirectionalOptionsAgent(cfg DirectionalOptionsConfig) *DirectionalOptionsAgent {
	return &DirectionalOptionsAgent{Config: cfg}
}

func (a *DirectionalOptionsAgent) ID() string { return "directional_options" }

func (a *DirectionalOptionsAgent) ActiveRegimes() []types.RegimeType {
	return []types.RegimeType{types.RegimeTrend, types.RegimeExpansion}
}

func (a *DirectionalOptionsAgent) MinConfidence() float64 { return a.Config.MinConf }

func (a *DirectionalOptionsAgent) Evaluate(signal types.RegimeSignal, state *MarketState) ([]types.TradeIntent, error) {
	if !gate(a, signal, state) || state.Chain == nil {
		return nil, nil
	}
	if signal.Bias == types.BiasNeutral {
		return nil, nil
	}
	if signal.Features != nil && signal.Features.IVPercent > a.Config.MaxIVPercent && !state.TestingMode {
		return nil, nil
	}

	optType := types.OptionCall
	if signal.Bias == types.BiasShort {
		optType = types.OptionPut
	}

	spot := state.Spot()
	iv := 0.20
	if signal.Features != nil && signal.Features.IVProxy > 0 {
		iv = signal.Features.IVProxy
	}

	// Testing mode admits 0-DTE candidates; otherwise the configured
	// minimum applies. Both stay inside the [0,45] window.
	minDTE := a.Config.MinDTE
	if state.TestingMode {
		minDTE = 0
	}
	expiry := nextExpiry(state.Now, minDTE, a.Config.MaxDTE)

	T := expiry.Sub(state.Now).Hours() / (24 * 365)
	rawStrike := options.StrikeForDelta(optType == types.OptionCall, spot, T, 0.04, iv, a.Config.DeltaTarget)
	strike := options.RoundToStrike(rawStrike)

	quote, err := state.Chain.Quote(signal.Symbol, spot, optType, strike, expiry, state.Now)
	if err != nil {
		return nil, fmt.Errorf("quote %s %s: %w", signal.Symbol, optType, err)
	}

	if reason := a.reject(quote); reason != "" && !state.TestingMode {
		return nil, nil
	}

	debit := quote.Ask.Mul(decimal.NewFromInt(int64(a.Config.Contracts))).Mul(decimal.NewFromInt(types.ContractMultiplier))

	return []types.TradeIntent{{
		Symbol:         signal.Symbol,
		Instrument:     types.InstrumentOption,
		Direction:      signal.Bias,
		PositionDelta:  decimal.NewFromInt(int64(a.Config.Contracts)),
		Confidence:     signal.Confidence,
		AgentID:        a.ID(),
		Reason:         fmt.Sprintf("directional_%s", optType),
		RequiredRegime: signal.Regime,
		OptionType:     optType,
		Strike:         quote.Strike,
		Expiry:         expiry,
		TotalDebit:     debit,
		Meta: map[string]any{
			"occ_symbol": quote.OptionSymbol,
			"delta":      quote.Delta,
			"gamma":      quote.Gamma,
		},
	}}, nil
}

// reject returns a non-empty reason when the quote fails a filter.
func (a *DirectionalOptionsAgent) reject(q *options.Quote) string {
	if q.SpreadPct() > a.Config.MaxSpreadPct {
		return "spread"
	}
	if q.OpenInterest < a.Config.MinOpenInt {
		return "open_interest"
	}
	if q.Volume < a.Config.MinVolume {
		return "volume"
	}
	if math.Abs(q.Delta) < a.Config.MinAbsDelta {
		return "delta"
	}
	if q.Gamma > a.Config.MaxGamma {
		return "gamma"
	}
	return ""
}

// nextExpiry picks the first Friday at least minDTE days out, capped
// at maxDTE days. minDTE of zero selects the same-day contract.
func nextExpiry(now time.Time, minDTE, maxDTE int) time.Time {
	today := now.UTC().Truncate(24 * time.Hour)
	if minDTE == 0 {
		return today
	}
	day := today.AddDate(0, 0, minDTE)
	for day.Weekday() != time.Friday {
		day = day.AddDate(0, 0, 1)
	}
	latest := today.AddDate(0, 0, maxDTE)
	if day.After(latest) {
		day = latest
	}
	return day
}
