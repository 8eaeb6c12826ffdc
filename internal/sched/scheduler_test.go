package sched

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/agents"
	"github.com/regimetrader/engine/internal/artifacts"
	"github.com/regimetrader/engine/internal/broker"
	"github.com/regimetrader/engine/internal/data"
	"github.com/regimetrader/engine/internal/exec"
	"github.com/regimetrader/engine/internal/features"
	"github.com/regimetrader/engine/internal/hedge"
	"github.com/regimetrader/engine/internal/options"
	"github.com/regimetrader/engine/internal/policy"
	"github.com/regimetrader/engine/internal/portfolio"
	"github.com/regimetrader/engine/internal/regime"
	"github.com/regimetrader/engine/internal/risk"
	"github.com/regimetrader/engine/pkg/types"
)

// stubAgent emits a fixed stock intent, or fails every bar.
type stubAgent struct {
	id      string
	conf    float64
	failing bool
}

func (a *stubAgent) ID() string { return a.id }

func (a *stubAgent) ActiveRegimes() []types.RegimeType {
	return []types.RegimeType{
		types.RegimeTrend, types.RegimeMeanReversion,
		types.RegimeCompression, types.RegimeExpansion,
	}
}

func (a *stubAgent) MinConfidence() float64 { return 0.05 }

func (a *stubAgent) Evaluate(signal types.RegimeSignal, state *agents.MarketState) ([]types.TradeIntent, error) {
	if a.failing {
		return nil, fmt.Errorf("synthetic fault")
	}
	return []types.TradeIntent{{
		Symbol:        signal.Symbol,
		Instrument:    types.InstrumentStock,
		Direction:     types.BiasLong,
		PositionDelta: decimal.NewFromInt(10),
		Confidence:    a.conf,
		AgentID:       a.id,
		Reason:        "stub",
	}}, nil
}

// monday 9:31 ET.
var testStart = time.Date(2024, 12, 2, 14, 31, 0, 0, time.UTC)

func writeBars(t *testing.T, store *data.Store, n int) {
	t.Helper()
	bars := make([]*types.Bar, n)
	for i := 0; i < n; i++ {
		px := decimal.NewFromFloat(600 + float64(i)*0.05)
		bars[i] = &types.Bar{
			Symbol:    "SPY",
			Timeframe: "1m",
			Ts:        testStart.Add(time.Duration(i) * time.Minute),
			Open:      px, High: px.Add(decimal.NewFromFloat(0.2)),
			Low:  px.Sub(decimal.NewFromFloat(0.2)),
			Close: px, Volume: decimal.NewFromInt(1000),
		}
	}
	if err := store.SaveBars("SPY", "1m", bars); err != nil {
		t.Fatalf("save bars: %v", err)
	}
}

type testEngine struct {
	scheduler *Scheduler
	portfolio *portfolio.Portfolio
	events    *artifacts.EventSink
	packages  *options.Engine
}

func newTestEngine(t *testing.T, cfg types.EngineConfig, agentSet []agents.Agent, bars int) *testEngine {
	t.Helper()
	logger := zap.NewNop()

	cfg.Symbols = []string{"SPY"}
	cfg.Mode = types.ModeOffline
	cfg.Timeframe = "1m"
	if cfg.ReplaySpeed == 0 {
		cfg.ReplaySpeed = 3000
	}
	if cfg.BarsPerPull == 0 {
		cfg.BarsPerPull = 10
	}
	if cfg.EmptyPullLimit == 0 {
		cfg.EmptyPullLimit = 5
	}
	if cfg.WarmupBars == 0 {
		cfg.WarmupBars = 15
	}
	cfg.DataDir = t.TempDir()
	cfg.ResultsDir = t.TempDir()

	store, err := data.NewStore(logger, cfg.DataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if bars > 0 {
		writeBars(t, store, bars)
	}

	feed := data.NewHistoricalFeed(logger, store, data.HistoricalFeedConfig{
		Timeframe: cfg.Timeframe,
		Strict:    cfg.StrictDataMode,
		Seed:      cfg.Seed,
		StartTime: cfg.StartTime,
		EndTime:   cfg.EndTime,
	})

	computer := features.NewComputer(logger, cfg.EffectiveWarmup())
	classifier := regime.NewClassifier(logger, nil)

	controllerCfg := policy.DefaultConfig()
	controllerCfg.MinConfidence = cfg.EffectiveMinConfidence()
	controllerCfg.TestingMode = cfg.TestingMode
	controller := policy.NewController(logger, controllerCfg, policy.NewWeightMemory())

	sim := broker.NewSimBroker("test-run", decimal.NewFromInt(100000), false, nil)
	pf := portfolio.New(logger, "test-run", decimal.NewFromInt(100000))
	riskMgr := risk.NewManager(logger, cfg.Risk, cfg.FixedInvestmentAmount)

	execCfg := exec.DefaultConfig()
	execCfg.RetryDelay = time.Millisecond
	executor := exec.New(logger, execCfg, sim, pf, "test-run")

	quoter := options.NewSyntheticQuoter(cfg.Seed, 0.04, func(string) float64 { return 0.20 })
	packages := options.NewEngine(logger, options.DefaultEngineConfig(), sim, quoter, "test-run")
	hedgeEngine := hedge.New(logger, hedge.DefaultConfig())
	packages.SetHedgePnL(hedgeEngine.PnL)

	events, err := artifacts.NewEventSink(logger, cfg.ResultsDir, "test-run")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	scheduler := New(logger, &Context{
		Config:     &cfg,
		RunID:      "test-run",
		Feed:       feed,
		Features:   computer,
		Classifier: classifier,
		Agents:     agentSet,
		Controller: controller,
		Risk:       riskMgr,
		Executor:   executor,
		Portfolio:  pf,
		Packages:   packages,
		Hedge:      hedgeEngine,
		Quoter:     quoter,
		Events:     events,
	})

	return &testEngine{scheduler: scheduler, portfolio: pf, events: events, packages: packages}
}

func runLoop(t *testing.T, te *testEngine) (types.StopReason, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return te.scheduler.Run(ctx)
}

func TestLoopStopsAtEndOfData(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	te := newTestEngine(t, cfg, []agents.Agent{&stubAgent{id: "stub", conf: 0.9}}, 30)

	reason, err := runLoop(t, te)
	if err != nil {
		t.Fatalf("loop error: %v", err)
	}
	if reason != types.StopEndOfData {
		t.Fatalf("expected end_of_data, got %s", reason)
	}

	status := te.scheduler.Status()
	if status.BarsPerSymbol["SPY"] != 30 {
		t.Errorf("bars_per_symbol must count every processed bar: %d", status.BarsPerSymbol["SPY"])
	}
	if status.BarCount != 30 {
		t.Errorf("bar_count incorrect: %d", status.BarCount)
	}
	if status.StopReason != types.StopEndOfData {
		t.Errorf("status stop reason incorrect: %s", status.StopReason)
	}
}

func TestStrictDataHaltOnClosedSession(t *testing.T) {
	// Day after Thanksgiving 2024: nothing cached, strict mode.
	start := time.Date(2024, 11, 29, 14, 31, 0, 0, time.UTC)
	end := time.Date(2024, 11, 29, 21, 0, 0, 0, time.UTC)

	cfg := types.DefaultEngineConfig()
	cfg.StrictDataMode = true
	cfg.StartTime = &start
	cfg.EndTime = &end

	te := newTestEngine(t, cfg, []agents.Agent{&stubAgent{id: "stub", conf: 0.9}}, 0)

	reason, err := runLoop(t, te)
	if reason != types.StopError {
		t.Fatalf("expected error stop, got %s", reason)
	}
	if !errors.Is(err, types.ErrDataMissing) {
		t.Fatalf("expected ErrDataMissing, got %v", err)
	}
	if len(te.portfolio.RoundTrips("", nil, nil)) != 0 {
		t.Error("zero trades must execute under a strict-data halt")
	}
	if status := te.scheduler.Status(); status.Error == "" {
		t.Error("status must carry the error")
	}
}

func TestStrictModeHasNoSyntheticBars(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	cfg.StrictDataMode = true
	te := newTestEngine(t, cfg, []agents.Agent{&stubAgent{id: "stub", conf: 0.9}}, 30)

	if _, err := runLoop(t, te); err != nil {
		t.Fatalf("contiguous data should not trip strict mode: %v", err)
	}
	if got := te.events.Events("SyntheticBarFallback"); len(got) != 0 {
		t.Errorf("strict mode must emit zero SyntheticBarFallback events, got %d", len(got))
	}
}

func TestAllAgentsFailedHaltsLoop(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	cfg.TestingMode = true // warmup 1 so agents run on the first bar

	te := newTestEngine(t, cfg, []agents.Agent{
		&stubAgent{id: "a", failing: true},
		&stubAgent{id: "b", failing: true},
	}, 30)

	reason, err := runLoop(t, te)
	if reason != types.StopError {
		t.Fatalf("expected error stop, got %s", reason)
	}
	if !errors.Is(err, types.ErrAllAgentsFailed) {
		t.Fatalf("expected ErrAllAgentsFailed, got %v", err)
	}

	// The failing bar is counted; nothing after it is processed.
	if got := te.scheduler.Status().BarsPerSymbol["SPY"]; got != 1 {
		t.Errorf("loop must halt on the failing bar, processed %d", got)
	}
}

func TestOneFailingAgentIsTolerated(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	cfg.TestingMode = true

	te := newTestEngine(t, cfg, []agents.Agent{
		&stubAgent{id: "bad", failing: true},
		&stubAgent{id: "good", conf: 0.9},
	}, 20)

	reason, err := runLoop(t, te)
	if err != nil {
		t.Fatalf("one healthy agent should keep the loop alive: %v", err)
	}
	if reason != types.StopEndOfData {
		t.Fatalf("expected end_of_data, got %s", reason)
	}
}

func TestTestingModeTradesOnThinHistory(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	cfg.TestingMode = true

	te := newTestEngine(t, cfg, []agents.Agent{&stubAgent{id: "stub", conf: 0.06}}, 5)

	if _, err := runLoop(t, te); err != nil {
		t.Fatalf("loop error: %v", err)
	}
	if te.portfolio.Position("SPY") == nil {
		t.Error("testing mode with thin history should still trade")
	}
}

func TestWarmupBlocksTradesWithoutTestingMode(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	cfg.TestingMode = false

	// 10 bars is under the 15-bar warmup: no features, no trades.
	te := newTestEngine(t, cfg, []agents.Agent{&stubAgent{id: "stub", conf: 0.99}}, 10)

	if _, err := runLoop(t, te); err != nil {
		t.Fatalf("loop error: %v", err)
	}
	if te.portfolio.Position("SPY") != nil {
		t.Error("under warmup the engine must not trade")
	}
	if len(te.portfolio.RoundTrips("", nil, nil)) != 0 {
		t.Error("under warmup the engine must not trade")
	}
}

func TestStopIsIdempotentAndCooperative(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	cfg.ReplaySpeed = 60 // 1s per iteration so the stop lands mid-loop
	te := newTestEngine(t, cfg, []agents.Agent{&stubAgent{id: "stub", conf: 0.9}}, 2000)

	done := make(chan struct{})
	var reason types.StopReason
	go func() {
		reason, _ = runLoop(t, te)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	te.scheduler.Stop()
	te.scheduler.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stop must interrupt the loop promptly")
	}
	if reason != types.StopUserStop {
		t.Errorf("expected user_stop, got %s", reason)
	}
}
