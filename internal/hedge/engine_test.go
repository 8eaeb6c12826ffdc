package hedge

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/options"
	"github.com/regimetrader/engine/pkg/types"
)

var (
	hedgeExpiry = time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	hedgeTime   = time.Date(2024, 12, 2, 15, 0, 0, 0, time.UTC)
)

func stranglePackage(t *testing.T, qty int) *types.MultiLegPosition {
	t.Helper()
	callStrike := decimal.NewFromInt(680)
	putStrike := decimal.NewFromInt(665)
	callSym, err := options.OCCSymbol("SPY", hedgeExpiry, types.OptionCall, callStrike)
	require.NoError(t, err)
	putSym, err := options.OCCSymbol("SPY", hedgeExpiry, types.OptionPut, putStrike)
	require.NoError(t, err)

	return &types.MultiLegPosition{
		PackageID: "SPY_strangle_long_680.00_665.00_241220",
		Symbol:    "SPY",
		TradeType: types.PackageStrangle,
		Direction: types.PackageLong,
		Quantity:  qty,
		CallFill: &types.LegFill{
			Role: types.OptionCall, OptionSymbol: callSym,
			Strike: callStrike, Quantity: qty,
			Price: decimal.NewFromFloat(1.00), Status: types.LegFilled,
		},
		PutFill: &types.LegFill{
			Role: types.OptionPut, OptionSymbol: putSym,
			Strike: putStrike, Quantity: qty,
			Price: decimal.NewFromFloat(1.00), Status: types.LegFilled,
		},
		BothLegsFilled: true,
		NetPremium:     decimal.NewFromInt(1000),
		EntryIV:        0.18,
		EntryGEX:       -0.4,
		EntryBar:       100,
	}
}

func hedgeSignal(spot float64) types.RegimeSignal {
	return types.RegimeSignal{
		Symbol: "SPY",
		Ts:     hedgeTime,
		Regime: types.RegimeExpansion,
		Features: &types.FeatureSnapshot{
			Symbol:  "SPY",
			Close:   spot,
			IVProxy: 0.18,
		},
	}
}

func TestHedgeMovesTowardZeroDelta(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	pkg := stranglePackage(t, 5)
	price := decimal.NewFromInt(673)
	spot := 673.0

	netBefore, err := e.NetOptionsDelta(pkg, spot, 0.18, hedgeTime)
	require.NoError(t, err)

	require.NoError(t, e.Evaluate(pkg, hedgeSignal(spot), 105, price, decimal.Zero))

	pos := e.Position(pkg.PackageID)
	if pos == nil {
		// Net delta can legitimately sit inside the minimum band.
		require.Less(t, math.Abs(netBefore*100), float64(DefaultConfig().MinAdjustShares))
		return
	}

	// Shares moved by exactly the adjustment toward -round(netDelta*100).
	assert.Equal(t, -int64(math.Round(netBefore*100)), pos.Shares)

	// Invariant: post-hedge total delta is no larger than the raw
	// options delta.
	totalAfter := netBefore + float64(pos.Shares)/100
	assert.LessOrEqual(t, math.Abs(totalAfter), math.Abs(netBefore))
}

func TestFrequencyBandBlocksBackToBackHedges(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	pkg := stranglePackage(t, 1)

	require.NoError(t, e.Evaluate(pkg, hedgeSignal(690), 105, decimal.NewFromInt(690), decimal.Zero))
	pos := e.Position(pkg.PackageID)
	require.NotNil(t, pos, "a deep ITM move must hedge")
	sharesAfterFirst := pos.Shares

	// Price keeps running, but only 3 bars have passed.
	require.NoError(t, e.Evaluate(pkg, hedgeSignal(700), 108, decimal.NewFromInt(700), decimal.Zero))
	assert.Equal(t, sharesAfterFirst, e.Position(pkg.PackageID).Shares,
		"two hedges within 5 bars are impossible on one package")

	// Past the band, the adjustment goes through.
	require.NoError(t, e.Evaluate(pkg, hedgeSignal(700), 110, decimal.NewFromInt(700), decimal.Zero))
	assert.NotEqual(t, sharesAfterFirst, e.Position(pkg.PackageID).Shares)
}

func TestDailyNotionalGuardrail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyNotional = decimal.NewFromInt(1000) // tiny cap
	e := New(zap.NewNop(), cfg)
	pkg := stranglePackage(t, 1)

	// Any meaningful hedge at $690 breaches a $1,000 daily notional.
	require.NoError(t, e.Evaluate(pkg, hedgeSignal(690), 105, decimal.NewFromInt(690), decimal.Zero))
	assert.Nil(t, e.Position(pkg.PackageID), "hedge breaching the notional cap must be skipped")

	rows := e.Timeline(pkg.PackageID)
	require.NotEmpty(t, rows)
	assert.Equal(t, "guardrail_daily_notional", rows[len(rows)-1].Note)
}

func TestDailyTradeCountGuardrail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrequencyBars = 0
	e := New(zap.NewNop(), cfg)
	pkg := stranglePackage(t, 1)

	// Seed a position with the cap nearly reached.
	require.NoError(t, e.Evaluate(pkg, hedgeSignal(690), 105, decimal.NewFromInt(690), decimal.Zero))
	pos := e.Position(pkg.PackageID)
	require.NotNil(t, pos)

	e.mu.Lock()
	e.positions[pkg.PackageID].DailyTrades = cfg.MaxDailyTrades
	e.mu.Unlock()

	shares := e.Position(pkg.PackageID).Shares
	require.NoError(t, e.Evaluate(pkg, hedgeSignal(660), 120, decimal.NewFromInt(660), decimal.Zero))
	assert.Equal(t, shares, e.Position(pkg.PackageID).Shares, "51st daily hedge must be blocked")
}

func TestWeightedAverageAndRealization(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	pos := &types.HedgePosition{PackageID: "p", Symbol: "SPY"}

	// Short 15 at 675, then 15 more at 677.
	e.executeLocked(pos, -15, decimal.NewFromInt(675), 100)
	e.executeLocked(pos, -15, decimal.NewFromInt(677), 105)

	assert.Equal(t, int64(-30), pos.Shares)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(676)), "avg %s", pos.AvgPrice)

	// Cover 10 at 674: short gains (674-676) x 10 x (-1) = +20.
	e.executeLocked(pos, 10, decimal.NewFromInt(674), 110)
	assert.Equal(t, int64(-20), pos.Shares)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(20)), "realized %s", pos.RealizedPnL)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(676)), "avg unchanged on reduce")

	// Flip: buy 30 at 680. Covers 20 at a loss of (680-676)x20 = 80,
	// remainder +10 long at 680.
	e.executeLocked(pos, 30, decimal.NewFromInt(680), 115)
	assert.Equal(t, int64(10), pos.Shares)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(680)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(-60)), "realized %s", pos.RealizedPnL)
}

func TestPackageCloseFlattensHedge(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	pkg := stranglePackage(t, 1)

	require.NoError(t, e.Evaluate(pkg, hedgeSignal(690), 105, decimal.NewFromInt(690), decimal.Zero))
	require.NotNil(t, e.Position(pkg.PackageID))

	e.OnPackageClosed(pkg.PackageID, decimal.NewFromInt(692), 110)

	pos := e.Position(pkg.PackageID)
	require.NotNil(t, pos)
	assert.Equal(t, int64(0), pos.Shares, "hedge shares must be zero at package close")
	assert.True(t, pos.UnrealizedPnL.IsZero(), "unrealized must be zero at package close")
}

func TestOrphanHedgeFlatten(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	pkg := stranglePackage(t, 1)

	var orphanEvents int
	e.SetEventSink(func(event, packageID string, fields map[string]any) {
		if event == "OrphanHedgeFlatten" {
			orphanEvents++
		}
	})

	require.NoError(t, e.Evaluate(pkg, hedgeSignal(690), 105, decimal.NewFromInt(690), decimal.Zero))
	require.NotNil(t, e.Position(pkg.PackageID))

	noOpen := func(string) bool { return false }
	price := func(string) decimal.Decimal { return decimal.NewFromInt(688) }

	// First sighting arms the orphan clock; more than 60 bars later it fires.
	e.CheckOrphans(noOpen, price, 120)
	assert.NotEqual(t, int64(0), e.Position(pkg.PackageID).Shares)

	e.CheckOrphans(noOpen, price, 181)
	assert.Equal(t, int64(0), e.Position(pkg.PackageID).Shares)
	assert.Equal(t, 1, orphanEvents)
}

func TestTimelineRowsAppendEveryEvaluation(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	pkg := stranglePackage(t, 1)

	require.NoError(t, e.Evaluate(pkg, hedgeSignal(690), 105, decimal.NewFromInt(690), decimal.NewFromInt(100)))
	require.NoError(t, e.Evaluate(pkg, hedgeSignal(690), 106, decimal.NewFromInt(690), decimal.NewFromInt(120)))

	rows := e.Timeline(pkg.PackageID)
	require.Len(t, rows, 2)
	assert.True(t, rows[1].OptionsPnL.Equal(decimal.NewFromInt(120)))
	assert.True(t, rows[1].TotalPnL.Equal(rows[1].OptionsPnL.Add(rows[1].HedgePnL)))
}

func TestExportTimelines(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig())
	pkg := stranglePackage(t, 1)
	require.NoError(t, e.Evaluate(pkg, hedgeSignal(690), 105, decimal.NewFromInt(690), decimal.Zero))

	dir := t.TempDir()
	ids, err := e.ExportTimelines(dir)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, pkg.PackageID, ids[0])
}
