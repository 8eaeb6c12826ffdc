package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

func entryIntent() *types.TradeIntent {
	return &types.TradeIntent{
		Symbol:        "SPY",
		Instrument:    types.InstrumentStock,
		Direction:     types.BiasLong,
		PositionDelta: decimal.NewFromInt(100),
		AgentID:       "trend",
	}
}

func packageIntent() *types.TradeIntent {
	return &types.TradeIntent{
		Symbol:        "SPY",
		Instrument:    types.InstrumentOption,
		PositionDelta: decimal.NewFromInt(5),
		AgentID:       "theta_harvester",
		CallSymbol:    "SPY   241220C00600000",
		PutSymbol:     "SPY   241220P00600000",
		PackageType:   types.PackageStraddle,
		PackageDir:    types.PackageShort,
	}
}

func signalWith(vol types.VolatilityLevel) types.RegimeSignal {
	return types.RegimeSignal{Regime: types.RegimeTrend, Vol: vol}
}

func TestSizeVolBucketCap(t *testing.T) {
	m := NewManager(zap.NewNop(), types.RiskConfig{}, decimal.Zero)

	intent := entryIntent()
	intent.PositionDelta = decimal.NewFromInt(1000) // $600k notional at $600
	price := decimal.NewFromInt(600)
	equity := decimal.NewFromInt(1000000)

	sized := m.Size(intent, signalWith(types.VolExtreme), price, equity, types.SymbolConfig{})
	// Extreme bucket caps notional at $5,000: 8 shares.
	if sized.IntPart() != 8 {
		t.Errorf("extreme vol sizing incorrect: %d shares", sized.IntPart())
	}
}

func TestSizeFixedInvestmentOverride(t *testing.T) {
	m := NewManager(zap.NewNop(), types.RiskConfig{}, decimal.NewFromInt(6000))

	sized := m.Size(entryIntent(), signalWith(types.VolLow), decimal.NewFromInt(600),
		decimal.NewFromInt(100000), types.SymbolConfig{})
	if sized.IntPart() != 10 {
		t.Errorf("fixed investment should size to 10 shares, got %d", sized.IntPart())
	}
}

func TestSizeRiskPerTrade(t *testing.T) {
	m := NewManager(zap.NewNop(), types.RiskConfig{}, decimal.Zero)

	// 1% risk at a 3% stop on $90k equity caps notional at $30k.
	sized := m.Size(entryIntent(), signalWith(types.VolLow), decimal.NewFromInt(600),
		decimal.NewFromInt(90000), types.SymbolConfig{RiskPerTradePct: 0.01, StopLossPct: 0.03})
	if sized.IntPart() != 50 {
		t.Errorf("risk-per-trade sizing incorrect: %d shares", sized.IntPart())
	}
}

func TestDailyLossCapBlocks(t *testing.T) {
	m := NewManager(zap.NewNop(), types.RiskConfig{MaxDailyLoss: decimal.NewFromInt(500)}, decimal.Zero)
	now := time.Now().UTC()
	equity := decimal.NewFromInt(100000)

	m.RecordTradeResult(decimal.NewFromInt(-600), now, equity)

	if block := m.Check(entryIntent(), now, equity); block == nil {
		t.Fatal("daily loss cap should block new entries")
	} else if block.Rule != "max_daily_loss" {
		t.Errorf("wrong rule: %s", block.Rule)
	}

	// Next day the cap resets.
	tomorrow := now.Add(24 * time.Hour)
	if block := m.Check(entryIntent(), tomorrow, equity); block != nil {
		t.Errorf("daily loss should reset across days, blocked by %s", block.Rule)
	}
}

func TestLossStreakBlocks(t *testing.T) {
	m := NewManager(zap.NewNop(), types.RiskConfig{MaxLossStreak: 3}, decimal.Zero)
	now := time.Now().UTC()
	equity := decimal.NewFromInt(100000)

	for i := 0; i < 3; i++ {
		m.RecordTradeResult(decimal.NewFromInt(-10), now, equity)
	}
	if m.Check(entryIntent(), now, equity) == nil {
		t.Fatal("loss streak should block")
	}

	// A winner resets the streak.
	m.RecordTradeResult(decimal.NewFromInt(50), now, equity)
	if block := m.Check(entryIntent(), now, equity); block != nil {
		t.Errorf("streak should reset on a win, blocked by %s", block.Rule)
	}
}

func TestKillSwitchAndEmergencyStop(t *testing.T) {
	m := NewManager(zap.NewNop(), types.RiskConfig{}, decimal.Zero)
	now := time.Now().UTC()
	equity := decimal.NewFromInt(100000)

	m.SetKillSwitch(true)
	if block := m.Check(entryIntent(), now, equity); block == nil || block.Rule != "kill_switch" {
		t.Fatal("kill switch should block entries")
	}
	m.SetKillSwitch(false)

	m.SetEmergencyStop(true)
	if block := m.Check(entryIntent(), now, equity); block == nil || block.Rule != "emergency_stop" {
		t.Fatal("emergency stop should block entries")
	}
}

func TestPackageRateLimits(t *testing.T) {
	m := NewManager(zap.NewNop(), types.RiskConfig{MaxPackagesPerMin: 2, MaxPackagesPerHour: 3}, decimal.Zero)
	now := time.Now().UTC()
	equity := decimal.NewFromInt(100000)

	for i := 0; i < 2; i++ {
		if block := m.Check(packageIntent(), now, equity); block != nil {
			t.Fatalf("package %d should pass, blocked by %s", i, block.Rule)
		}
		m.RecordPackageOpen(types.PackageStraddle, now)
	}

	if block := m.Check(packageIntent(), now, equity); block == nil || block.Rule != "package_rate_minute" {
		t.Fatal("third package in one minute should hit the per-minute limit")
	}

	// Past the minute window the per-minute limit clears but the
	// hourly one eventually binds.
	later := now.Add(2 * time.Minute)
	if block := m.Check(packageIntent(), later, equity); block != nil {
		t.Fatalf("per-minute window should have cleared, blocked by %s", block.Rule)
	}
	m.RecordPackageOpen(types.PackageStraddle, later)

	if block := m.Check(packageIntent(), later.Add(time.Minute), equity); block == nil || block.Rule != "package_rate_hour" {
		t.Fatal("fourth package inside the hour should hit the hourly limit")
	}
}
