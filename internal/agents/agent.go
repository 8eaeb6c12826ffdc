// Package agents contains the trading agents evaluated on every bar.
// Agents are pure with respect to their own parameters: Evaluate never
// mutates shared state.
package agents

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/internal/options"
	"github.com/regimetrader/engine/pkg/types"
)

// MarketState is the read-only view handed to every agent alongside
// the regime signal.
type MarketState struct {
	Bar          *types.Bar
	BarIndex     int64
	TestingMode  bool
	SymbolParams types.SymbolConfig
	Chain        options.Quoter
	Now          time.Time
}

// Spot returns the bar close as float64.
func (m *MarketState) Spot() float64 {
	spot, _ := m.Bar.Close.Float64()
	return spot
}

// Agent proposes position changes for one bar. Each agent declares
// the regimes it is active in and its own confidence floor.
type Agent interface {
	ID() string
	ActiveRegimes() []types.RegimeType
	MinConfidence() float64
	Evaluate(signal types.RegimeSignal, state *MarketState) ([]types.TradeIntent, error)
}

// activeIn reports whether the regime is in the agent's active set.
func activeIn(regimes []types.RegimeType, r types.RegimeType) bool {
	for _, ar := range regimes {
		if ar == r {
			return true
		}
	}
	return false
}

// gate applies the shared activation checks; testing mode skips the
// active-regime check and caps the confidence floor at 0.05.
func gate(a Agent, signal types.RegimeSignal, state *MarketState) bool {
	if !activeIn(a.ActiveRegimes(), signal.Regime) && !state.TestingMode {
		return false
	}
	floor := a.MinConfidence()
	if state.TestingMode && floor > 0.05 {
		floor = 0.05
	}
	return signal.Confidence >= floor
}

// stockQty converts a dollar base size to shares at the current spot.
func stockQty(base decimal.Decimal, spot decimal.Decimal) decimal.Decimal {
	if spot.IsZero() {
		return decimal.Zero
	}
	return base.Div(spot).Round(0)
}
