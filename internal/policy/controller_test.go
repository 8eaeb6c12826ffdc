package policy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

func trendSignal(conf float64) types.RegimeSignal {
	return types.RegimeSignal{
		Symbol:     "SPY",
		Ts:         time.Now().UTC(),
		Regime:     types.RegimeTrend,
		Trend:      types.TrendUp,
		Vol:        types.VolMedium,
		Bias:       types.BiasLong,
		Confidence: conf,
	}
}

func stockIntent(agent string, dir types.Bias, size int64, conf float64, regime types.RegimeType) types.TradeIntent {
	return types.TradeIntent{
		Symbol:         "SPY",
		Instrument:     types.InstrumentStock,
		Direction:      dir,
		PositionDelta:  decimal.NewFromInt(size),
		Confidence:     conf,
		AgentID:        agent,
		RequiredRegime: regime,
	}
}

func newTestController() *Controller {
	cfg := DefaultConfig()
	return NewController(zap.NewNop(), cfg, NewWeightMemory())
}

func TestLowSignalConfidenceEmitsNothing(t *testing.T) {
	c := newTestController()
	intents := []types.TradeIntent{stockIntent("trend", types.BiasLong, 100, 0.9, types.RegimeTrend)}

	if got := c.Decide(trendSignal(0.2), intents); got != nil {
		t.Error("signal below the confidence floor must emit no trade")
	}
}

func TestRegimeFilterDropsMismatch(t *testing.T) {
	c := newTestController()
	intents := []types.TradeIntent{
		stockIntent("meanrev", types.BiasLong, 100, 0.9, types.RegimeMeanReversion),
	}

	if got := c.Decide(trendSignal(0.8), intents); got != nil {
		t.Error("intent requiring a different regime must be filtered")
	}
}

func TestTestingModeBypassesRegimeFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TestingMode = true
	cfg.MinConfidence = 0.05
	c := NewController(zap.NewNop(), cfg, NewWeightMemory())

	intents := []types.TradeIntent{
		stockIntent("meanrev", types.BiasLong, 100, 0.9, types.RegimeMeanReversion),
	}
	if got := c.Decide(trendSignal(0.8), intents); got == nil {
		t.Error("testing mode should bypass the regime filter")
	}
}

func TestOppositeDirectionConflictKeepsHighestConfidence(t *testing.T) {
	c := newTestController()
	intents := []types.TradeIntent{
		stockIntent("trend", types.BiasLong, 100, 0.9, types.RegimeTrend),
		stockIntent("vol", types.BiasShort, 100, 0.6, types.RegimeTrend),
	}

	final := c.Decide(trendSignal(0.8), intents)
	if final == nil {
		t.Fatal("expected a final intent")
	}
	if final.Direction != types.BiasLong {
		t.Errorf("conflict resolution should keep the long side, got %s", final.Direction)
	}
}

func TestBlendWithinThreshold(t *testing.T) {
	c := newTestController()
	// Same direction, same instrument, near-equal confidence: scores
	// land within 10% of each other and blend.
	intents := []types.TradeIntent{
		stockIntent("a", types.BiasLong, 100, 0.80, types.RegimeTrend),
		stockIntent("b", types.BiasLong, 200, 0.78, types.RegimeTrend),
	}

	final := c.Decide(trendSignal(0.8), intents)
	if final == nil {
		t.Fatal("expected a final intent")
	}
	size := final.PositionDelta.IntPart()
	if size <= 100 || size >= 200 {
		t.Errorf("blended size should land between the inputs, got %d", size)
	}
}

func TestNoBlendOutsideThreshold(t *testing.T) {
	c := newTestController()
	intents := []types.TradeIntent{
		stockIntent("a", types.BiasLong, 100, 0.90, types.RegimeTrend),
		stockIntent("b", types.BiasLong, 200, 0.40, types.RegimeTrend),
	}

	final := c.Decide(trendSignal(0.8), intents)
	if final == nil {
		t.Fatal("expected a final intent")
	}
	if final.PositionDelta.IntPart() != 100 {
		t.Errorf("runner-up outside threshold must not blend, got size %d", final.PositionDelta.IntPart())
	}
}

func TestWeightMemoryShiftsArbitration(t *testing.T) {
	weights := NewWeightMemory()
	// Agent b has a losing record.
	for i := 0; i < 10; i++ {
		weights.RecordResult("b", decimal.NewFromInt(-100))
	}
	c := NewController(zap.NewNop(), DefaultConfig(), weights)

	intents := []types.TradeIntent{
		stockIntent("a", types.BiasLong, 100, 0.70, types.RegimeTrend),
		stockIntent("b", types.BiasLong, 200, 0.72, types.RegimeTrend),
	}
	final := c.Decide(trendSignal(0.8), intents)
	if final == nil {
		t.Fatal("expected a final intent")
	}
	if final.AgentID != "a" {
		t.Errorf("penalized agent should lose arbitration, winner %s", final.AgentID)
	}

	if w := weights.Weight("b"); w >= 1 {
		t.Errorf("losing agent weight should drop below 1, got %f", w)
	}
	if w := weights.Weight("unseen"); w != 1 {
		t.Errorf("unseen agent weight should be 1, got %f", w)
	}
}
