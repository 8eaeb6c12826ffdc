package options

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

// stubQuoter returns fixed per-type prices so tests can hit exit
// thresholds exactly. Bid, mid, and ask collapse to one price.
type stubQuoter struct {
	callPrice decimal.Decimal
	putPrice  decimal.Decimal
}

func (q *stubQuoter) Quote(underlying string, spot float64, typ types.OptionType, strike decimal.Decimal, expiry time.Time, now time.Time) (*Quote, error) {
	price := q.callPrice
	if typ == types.OptionPut {
		price = q.putPrice
	}
	sym, err := OCCSymbol(underlying, expiry, typ, strike)
	if err != nil {
		return nil, err
	}
	return &Quote{
		OptionSymbol: sym,
		Underlying:   underlying,
		Type:         typ,
		Strike:       strike,
		Expiry:       expiry,
		Bid:          price,
		Ask:          price,
		Mid:          price,
		Delta:        0.5,
		OpenInterest: 1000,
		Volume:       500,
	}, nil
}

var (
	testExpiry = time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	barTime    = time.Date(2024, 12, 2, 15, 0, 0, 0, time.UTC)
)

func straddleIntent(t *testing.T, qty int64) *types.TradeIntent {
	t.Helper()
	strike := decimal.NewFromInt(600)
	callSym, err := OCCSymbol("SPY", testExpiry, types.OptionCall, strike)
	require.NoError(t, err)
	putSym, err := OCCSymbol("SPY", testExpiry, types.OptionPut, strike)
	require.NoError(t, err)

	return &types.TradeIntent{
		Symbol:        "SPY",
		Instrument:    types.InstrumentOption,
		PositionDelta: decimal.NewFromInt(-qty),
		Confidence:    0.8,
		AgentID:       "theta_harvester",
		Reason:        "theta_short_straddle",
		CallSymbol:    callSym,
		PutSymbol:     putSym,
		CallStrike:    strike,
		PutStrike:     strike,
		Expiry:        testExpiry,
		TotalCredit:   decimal.NewFromInt(1250), // 2.50 x 5 x 100
		PackageType:   types.PackageStraddle,
		PackageDir:    types.PackageShort,
		SimOnly:       true,
		Meta:          map[string]any{"entry_iv": 0.25},
	}
}

func compressionSignal(ivProxy, gex float64) types.RegimeSignal {
	return types.RegimeSignal{
		Symbol: "SPY",
		Ts:     barTime,
		Regime: types.RegimeCompression,
		Vol:    types.VolLow,
		Features: &types.FeatureSnapshot{
			Symbol:  "SPY",
			Close:   600,
			IVProxy: ivProxy,
			GEXProxy: gex,
		},
	}
}

func newStraddleEngine(q Quoter) *Engine {
	return NewEngine(zap.NewNop(), DefaultEngineConfig(), nil, q, "test-run")
}

func TestOpenShortStraddleCollectsCredit(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.25), putPrice: decimal.NewFromFloat(1.25)}
	e := newStraddleEngine(q)

	pkg, err := e.Open(context.Background(), straddleIntent(t, 5), compressionSignal(0.25, 0.1), 100)
	require.NoError(t, err)
	require.NotNil(t, pkg)

	assert.Equal(t, types.PackageOpenFull, pkg.State)
	assert.True(t, pkg.BothLegsFilled)
	assert.Equal(t, types.LegFilled, pkg.CallFill.Status)
	assert.Equal(t, types.LegFilled, pkg.PutFill.Status)
	// Credit = (1.25 + 1.25) x 5 x 100 = 1250.
	assert.True(t, pkg.NetPremium.Equal(decimal.NewFromInt(1250)), "net premium %s", pkg.NetPremium)
	assert.Equal(t, 0.25, pkg.EntryIV)
	assert.Equal(t, types.RegimeCompression, pkg.EntryRegime)
}

func TestBothLegsFilledInvariant(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.25), putPrice: decimal.NewFromFloat(1.25)}
	e := newStraddleEngine(q)

	pkg, err := e.Open(context.Background(), straddleIntent(t, 5), compressionSignal(0.25, 0.1), 100)
	require.NoError(t, err)

	bothFilled := pkg.CallFill.Status == types.LegFilled && pkg.PutFill.Status == types.LegFilled
	assert.Equal(t, bothFilled, pkg.BothLegsFilled)
}

func TestDuplicatePackageSkipped(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.25), putPrice: decimal.NewFromFloat(1.25)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	first, err := e.Open(ctx, straddleIntent(t, 5), compressionSignal(0.25, 0.1), 100)
	require.NoError(t, err)
	require.NotNil(t, first)

	dup, err := e.Open(ctx, straddleIntent(t, 5), compressionSignal(0.25, 0.1), 101)
	require.NoError(t, err)
	assert.Nil(t, dup, "identical open package must be skipped")
}

func TestCreditMismatchWarnsButRetains(t *testing.T) {
	// Fills yield 1000 against an expected 1250 credit: a 20%
	// deviation, past the 10% tolerance.
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.00), putPrice: decimal.NewFromFloat(1.00)}
	e := newStraddleEngine(q)

	var mismatches int
	e.SetEventSink(func(event, packageID string, strategy types.PackageType, fields map[string]any) {
		if event == "CreditMismatch" {
			mismatches++
		}
	})

	pkg, err := e.Open(context.Background(), straddleIntent(t, 5), compressionSignal(0.25, 0.1), 100)
	require.NoError(t, err)
	require.NotNil(t, pkg)

	assert.Equal(t, 1, mismatches, "20%% deviation should warn")
	assert.Equal(t, types.PackageOpenFull, pkg.State, "package is retained despite mismatch")
	assert.Len(t, e.OpenPackages(), 1)
}

func TestThetaTakeProfitScenario(t *testing.T) {
	// Short straddle at 2.50 credit x 5 contracts = $1,250. Marks
	// decay to a combined 1.25: unrealized +625 = 50% of credit, the
	// take-profit fires.
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.25), putPrice: decimal.NewFromFloat(1.25)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	pkg, err := e.Open(ctx, straddleIntent(t, 5), compressionSignal(0.25, 0.1), 100)
	require.NoError(t, err)
	require.NotNil(t, pkg)

	// Still compressed, marks unchanged: no exit.
	closed, err := e.CheckAutoExits(ctx, compressionSignal(0.25, 0.1), 101)
	require.NoError(t, err)
	assert.Empty(t, closed)

	q.callPrice = decimal.NewFromFloat(0.65)
	q.putPrice = decimal.NewFromFloat(0.60)
	closed, err = e.CheckAutoExits(ctx, compressionSignal(0.25, 0.1), 110)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	trade := closed[0]
	assert.Equal(t, ExitThetaTakeProfit, trade.ExitReason)
	// (2.50 - 1.25) x 5 x 100 = 625.
	assert.True(t, trade.CombinedPnL.Equal(decimal.NewFromInt(625)), "combined pnl %s", trade.CombinedPnL)
	assert.True(t, trade.CombinedPnLPct.Equal(decimal.NewFromInt(50)), "combined pnl pct %s", trade.CombinedPnLPct)
	assert.Empty(t, e.OpenPackages())
	assert.Len(t, e.ClosedTrades(), 1)
}

func TestThetaStopLossAtDoubleCredit(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.25), putPrice: decimal.NewFromFloat(1.25)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	_, err := e.Open(ctx, straddleIntent(t, 5), compressionSignal(0.25, 0.1), 100)
	require.NoError(t, err)

	// Marks triple: loss = (2.50 - 7.50) x 500 = -2500 = -200% of credit.
	q.callPrice = decimal.NewFromFloat(3.75)
	q.putPrice = decimal.NewFromFloat(3.75)
	closed, err := e.CheckAutoExits(ctx, compressionSignal(0.25, 0.1), 105)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitThetaStopLoss, closed[0].ExitReason)
}

func TestThetaIVCollapseExit(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.25), putPrice: decimal.NewFromFloat(1.25)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	_, err := e.Open(ctx, straddleIntent(t, 5), compressionSignal(0.25, 0.1), 100)
	require.NoError(t, err)

	// IV falls 32% from entry (0.25 -> 0.17) with P&L flat.
	closed, err := e.CheckAutoExits(ctx, compressionSignal(0.17, 0.1), 105)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitThetaIVCollapse, closed[0].ExitReason)
}

func TestThetaRegimeExit(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.25), putPrice: decimal.NewFromFloat(1.25)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	_, err := e.Open(ctx, straddleIntent(t, 5), compressionSignal(0.25, 0.1), 100)
	require.NoError(t, err)

	exitSignal := compressionSignal(0.25, 0.1)
	exitSignal.Regime = types.RegimeExpansion
	closed, err := e.CheckAutoExits(ctx, exitSignal, 105)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitThetaRegime, closed[0].ExitReason)
}

func strangleIntent(t *testing.T, qty int64) *types.TradeIntent {
	t.Helper()
	callStrike := decimal.NewFromInt(680)
	putStrike := decimal.NewFromInt(665)
	callSym, err := OCCSymbol("SPY", testExpiry, types.OptionCall, callStrike)
	require.NoError(t, err)
	putSym, err := OCCSymbol("SPY", testExpiry, types.OptionPut, putStrike)
	require.NoError(t, err)

	return &types.TradeIntent{
		Symbol:        "SPY",
		Instrument:    types.InstrumentOption,
		PositionDelta: decimal.NewFromInt(qty),
		Confidence:    0.8,
		AgentID:       "gamma_scalper",
		Reason:        "gamma_long_strangle",
		CallSymbol:    callSym,
		PutSymbol:     putSym,
		CallStrike:    callStrike,
		PutStrike:     putStrike,
		Expiry:        testExpiry,
		TotalDebit:    decimal.NewFromInt(1000),
		PackageType:   types.PackageStrangle,
		PackageDir:    types.PackageLong,
		SimOnly:       true,
		Meta:          map[string]any{"entry_iv": 0.18, "entry_gex": -0.4},
	}
}

func TestGammaMinHoldBlocksEarlyExit(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.00), putPrice: decimal.NewFromFloat(1.00)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	_, err := e.Open(ctx, strangleIntent(t, 5), compressionSignal(0.18, -0.4), 100)
	require.NoError(t, err)

	// Premium explodes immediately, but min hold is 5 bars.
	q.callPrice = decimal.NewFromFloat(5.00)
	q.putPrice = decimal.NewFromFloat(5.00)
	closed, err := e.CheckAutoExits(ctx, compressionSignal(0.18, -0.4), 103)
	require.NoError(t, err)
	assert.Empty(t, closed, "exit inside the minimum hold is impossible")

	closed, err = e.CheckAutoExits(ctx, compressionSignal(0.18, -0.4), 105)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitGammaTakeProfit, closed[0].ExitReason)
}

func TestGammaGEXFlipExit(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.00), putPrice: decimal.NewFromFloat(1.00)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	_, err := e.Open(ctx, strangleIntent(t, 5), compressionSignal(0.18, -0.4), 100)
	require.NoError(t, err)

	// GEX proxy flips negative -> positive with P&L flat.
	closed, err := e.CheckAutoExits(ctx, compressionSignal(0.18, 0.2), 106)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitGammaGEXFlip, closed[0].ExitReason)
}

func TestGammaMaxHoldForcesExit(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.00), putPrice: decimal.NewFromFloat(1.00)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	_, err := e.Open(ctx, strangleIntent(t, 5), compressionSignal(0.18, -0.4), 100)
	require.NoError(t, err)

	closed, err := e.CheckAutoExits(ctx, compressionSignal(0.18, -0.4), 490)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitGammaMaxHold, closed[0].ExitReason)
}

func TestCombinedPnLIncludesHedge(t *testing.T) {
	q := &stubQuoter{callPrice: decimal.NewFromFloat(1.00), putPrice: decimal.NewFromFloat(1.00)}
	e := newStraddleEngine(q)
	ctx := context.Background()

	_, err := e.Open(ctx, strangleIntent(t, 5), compressionSignal(0.18, -0.4), 100)
	require.NoError(t, err)

	// Options at +1400 (below the +1500 TP), hedge adds +200: the
	// take-profit threshold is crossed only with the hedge included.
	e.SetHedgePnL(func(packageID string) (decimal.Decimal, decimal.Decimal, bool) {
		return decimal.NewFromInt(150), decimal.NewFromInt(50), true
	})
	q.callPrice = decimal.NewFromFloat(2.40)
	q.putPrice = decimal.NewFromFloat(2.40)
	closed, err := e.CheckAutoExits(ctx, compressionSignal(0.18, -0.4), 110)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitGammaTakeProfit, closed[0].ExitReason)
}
