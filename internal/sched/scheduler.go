// Package sched drives the engine one bar at a time across all
// subscribed symbols. The loop is single-threaded and cooperative:
// the inter-bar sleep is the only suspension point, and a stop flag
// is polled before every sleep and every per-bar pipeline.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/agents"
	"github.com/regimetrader/engine/internal/artifacts"
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

// Context owns every engine collaborator. The scheduler is the sole
// mutator; there is no other global state.
type Context struct {
	Config     *types.EngineConfig
	RunID      string
	Feed       data.BarSource
	Features   *features.Computer
	Classifier *regime.Classifier
	Agents     []agents.Agent
	Controller *policy.Controller
	Risk       *risk.Manager
	Executor   *exec.Executor
	Portfolio  *portfolio.Portfolio
	Packages   *options.Engine
	Hedge      *hedge.Engine
	Quoter     options.Quoter
	Events     *artifacts.EventSink

	// NakedSellingOK mirrors the broker account permission; short
	// packages become sim-only without it.
	NakedSellingOK bool
}

// Scheduler runs the bar loop.
type Scheduler struct {
	logger *zap.Logger
	ec     *Context

	running atomic.Bool
	paused  atomic.Bool
	stopped atomic.Bool

	mu            sync.RWMutex
	barCount      int64
	barsPerSymbol map[string]int64
	lastBarTime   time.Time
	stopReason    types.StopReason
	errMsg        string
	startedAt     time.Time
	finishedAt    time.Time
}

// New creates a scheduler over a fully wired context.
func New(logger *zap.Logger, ec *Context) *Scheduler {
	return &Scheduler{
		logger:        logger.Named("sched"),
		ec:            ec,
		barsPerSymbol: make(map[string]int64),
	}
}

// Run executes the loop until a stop condition fires. It returns the
// stop reason; systemic failures also return the error.
func (s *Scheduler) Run(ctx context.Context) (types.StopReason, error) {
	if !s.running.CompareAndSwap(false, true) {
		return "", fmt.Errorf("scheduler already running")
	}
	defer s.running.Store(false)
	s.stopped.Store(false)

	cfg := s.ec.Config
	s.mu.Lock()
	s.startedAt = time.Now()
	s.stopReason = ""
	s.errMsg = ""
	s.mu.Unlock()

	if err := s.ec.Feed.Connect(ctx); err != nil {
		return s.finish(types.StopError, fmt.Errorf("feed connect: %w", err))
	}
	if err := s.ec.Feed.Subscribe(cfg.Symbols, cfg.PreloadBars); err != nil {
		return s.finish(types.StopError, fmt.Errorf("feed subscribe: %w", err))
	}

	s.logger.Info("Loop starting",
		zap.String("runId", s.ec.RunID),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("mode", string(cfg.Mode)),
		zap.Bool("strictData", cfg.StrictDataMode),
		zap.Bool("testingMode", cfg.TestingMode),
	)

	emptyIters := 0
	for {
		if s.stopped.Load() {
			return s.finish(types.StopUserStop, nil)
		}
		select {
		case <-ctx.Done():
			return s.finish(types.StopUserStop, nil)
		default:
		}

		pulled, err := s.pullBars()
		if err != nil {
			return s.finish(types.StopError, err)
		}

		if len(pulled) == 0 {
			emptyIters++
			if emptyIters >= cfg.EmptyPullLimit {
				return s.finish(types.StopEndOfData, nil)
			}
		} else {
			emptyIters = 0
			for _, bar := range pulled {
				if s.stopped.Load() {
					return s.finish(types.StopUserStop, nil)
				}
				if !s.paused.Load() {
					if err := s.processBar(ctx, bar); err != nil {
						return s.finish(types.StopError, err)
					}
				}
				if cfg.EndTime != nil && !bar.Ts.Before(*cfg.EndTime) {
					return s.finish(types.StopEndTimeReached, nil)
				}
			}
		}

		if !s.sleep(ctx) {
			return s.finish(types.StopUserStop, nil)
		}
	}
}

// pullBars requests up to BarsPerPull bars per symbol and merges them
// into timestamp order; ties resolve in subscription order, keeping
// cross-symbol processing deterministic.
func (s *Scheduler) pullBars() ([]*types.Bar, error) {
	cfg := s.ec.Config
	order := make(map[string]int, len(cfg.Symbols))
	for i, sym := range cfg.Symbols {
		order[sym] = i
	}

	var pulled []*types.Bar
	for _, symbol := range cfg.Symbols {
		bars, err := s.ec.Feed.GetNextNBars(symbol, cfg.BarsPerPull)
		if err != nil {
			if errors.Is(err, types.ErrDataMissing) {
				s.logger.Error("Data integrity violation", zap.Error(err))
				return nil, err
			}
			return nil, fmt.Errorf("pull %s: %w", symbol, err)
		}
		pulled = append(pulled, bars...)
	}

	sort.SliceStable(pulled, func(i, j int) bool {
		if !pulled[i].Ts.Equal(pulled[j].Ts) {
			return pulled[i].Ts.Before(pulled[j].Ts)
		}
		return order[pulled[i].Symbol] < order[pulled[j].Symbol]
	})
	return pulled, nil
}

// processBar runs the per-bar decision pipeline.
func (s *Scheduler) processBar(ctx context.Context, bar *types.Bar) error {
	if bar.Synthetic {
		syntheticBars.WithLabelValues(bar.Symbol).Inc()
		s.ec.Events.Emit("SyntheticBarFallback", "", "", bar.Ts, map[string]any{
			"symbol": bar.Symbol,
		})
	}

	// (1) history
	s.ec.Features.Append(bar)
	s.ec.Portfolio.MarkPrice(bar.Symbol, bar.Close)

	defer func() {
		// (9) bars-per-symbol bookkeeping runs even under warmup.
		s.mu.Lock()
		s.barCount++
		s.barsPerSymbol[bar.Symbol]++
		s.lastBarTime = bar.Ts
		s.mu.Unlock()
		barsProcessed.WithLabelValues(bar.Symbol).Inc()
	}()

	// (2) features, only past warmup
	snap, err := s.ec.Features.Compute(bar.Symbol)
	if err != nil {
		if errors.Is(err, types.ErrInsufficientHistory) {
			return nil
		}
		return err
	}

	// (3) regime
	signal := s.ec.Classifier.Classify(snap)

	// (4) agents
	intents, err := s.evaluateAgents(signal, bar)
	if err != nil {
		return err
	}

	// (5) meta-policy
	final := s.ec.Controller.Decide(signal, intents)

	// (6) risk, (7) execute
	if final != nil {
		intentsEmitted.WithLabelValues(final.AgentID).Inc()
		s.executeIntent(ctx, final, signal, bar)
	}

	// (8) package auto-exits and delta hedges
	if err := s.updatePackages(ctx, signal, bar); err != nil {
		s.logger.Error("Package update failed", zap.Error(err))
	}
	if trips, err := s.ec.Executor.CheckExits(ctx, bar); err != nil {
		s.logger.Warn("Stock exit check failed", zap.Error(err))
	} else {
		s.recordTrips(trips, bar)
	}

	return nil
}

// evaluateAgents runs every enabled agent, tolerating individual
// failures. When every agent fails on the same bar the loop
// escalates with ErrAllAgentsFailed.
func (s *Scheduler) evaluateAgents(signal types.RegimeSignal, bar *types.Bar) ([]types.TradeIntent, error) {
	state := &agents.MarketState{
		Bar:          bar,
		BarIndex:     s.BarsFor(bar.Symbol),
		TestingMode:  s.ec.Config.TestingMode,
		SymbolParams: s.ec.Config.SymbolParams(bar.Symbol),
		Chain:        s.ec.Quoter,
		Now:          bar.Ts,
	}

	var intents []types.TradeIntent
	failures := 0
	for _, agent := range s.ec.Agents {
		result, err := s.safeEvaluate(agent, signal, state)
		if err != nil {
			failures++
			agentFailures.WithLabelValues(agent.ID()).Inc()
			s.logger.Warn("AgentFailure",
				zap.String("agent", agent.ID()),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			continue
		}
		intents = append(intents, result...)
	}

	if len(s.ec.Agents) > 0 && failures == len(s.ec.Agents) {
		err := fmt.Errorf("%w: %d agents on bar %s %s",
			types.ErrAllAgentsFailed, failures, bar.Symbol, bar.Ts.Format(time.RFC3339))
		s.logger.Error("All agents failed, halting", zap.Error(err))
		return nil, err
	}
	return intents, nil
}

// safeEvaluate converts agent panics into AgentFailure errors.
func (s *Scheduler) safeEvaluate(agent agents.Agent, signal types.RegimeSignal, state *agents.MarketState) (result []types.TradeIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &types.AgentError{AgentID: agent.ID(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	result, evalErr := agent.Evaluate(signal, state)
	if evalErr != nil {
		return nil, &types.AgentError{AgentID: agent.ID(), Err: evalErr}
	}
	return result, nil
}

// executeIntent applies risk and routes to the package engine or the
// single-leg executor. Executor failures are recorded; the loop
// continues.
func (s *Scheduler) executeIntent(ctx context.Context, intent *types.TradeIntent, signal types.RegimeSignal, bar *types.Bar) {
	cfg := s.ec.Config

	if block := s.ec.Risk.Check(intent, bar.Ts, s.ec.Portfolio.Equity()); block != nil {
		riskBlocks.WithLabelValues(block.Rule).Inc()
		s.ec.Events.Emit("RiskBlock", "", "", bar.Ts, map[string]any{
			"rule":   block.Rule,
			"symbol": block.Symbol,
			"agent":  block.AgentID,
		})
		return
	}

	if intent.MultiLeg() {
		if intent.PackageDir == types.PackageShort && !s.ec.NakedSellingOK {
			intent.SimOnly = true
		}
		pkg, err := s.ec.Packages.Open(ctx, intent, signal, s.BarsFor(bar.Symbol))
		if err != nil {
			s.logger.Error("Package open failed", zap.Error(err))
			return
		}
		if pkg != nil {
			s.ec.Risk.RecordPackageOpen(intent.PackageType, bar.Ts)
			tradesExecuted.Add(2)
			openPackages.Set(float64(len(s.ec.Packages.OpenPackages())))
		}
		return
	}

	sized := s.ec.Risk.Size(intent, signal, bar.Close, s.ec.Portfolio.Equity(), cfg.SymbolParams(bar.Symbol))
	if sized.IsZero() {
		return
	}
	intent.PositionDelta = sized

	result, err := s.ec.Executor.Execute(ctx, intent, signal, bar, cfg.SymbolParams(bar.Symbol))
	if err != nil {
		s.logger.Error("Executor failure", zap.Error(err))
		s.ec.Events.Emit("ExecutorFailure", "", "", bar.Ts, map[string]any{
			"symbol": intent.Symbol,
			"error":  err.Error(),
		})
		return
	}
	if result != nil {
		tradesExecuted.Inc()
		s.recordTrips(result.RoundTrips, bar)
	}
}

// updatePackages marks open packages, runs the auto-exit table,
// evaluates delta hedges, and flattens hedges of closed packages.
func (s *Scheduler) updatePackages(ctx context.Context, signal types.RegimeSignal, bar *types.Bar) error {
	barIndex := s.BarsFor(bar.Symbol)
	spot, _ := bar.Close.Float64()

	// Hedge before exit checks so the exit P&L sees current hedge
	// marks.
	for _, pkg := range s.ec.Packages.OpenPackages() {
		if pkg.Symbol != bar.Symbol || !pkg.BothLegsFilled {
			continue
		}
		optionsPnL, err := s.ec.Packages.OptionsPnL(&pkg, spot)
		if err != nil {
			s.logger.Warn("Package mark failed",
				zap.String("packageId", pkg.PackageID),
				zap.Error(err),
			)
			continue
		}
		if err := s.ec.Hedge.Evaluate(&pkg, signal, barIndex, bar.Close, optionsPnL); err != nil {
			s.logger.Warn("Hedge evaluation failed",
				zap.String("packageId", pkg.PackageID),
				zap.Error(err),
			)
		}
	}

	closed, err := s.ec.Packages.CheckAutoExits(ctx, signal, barIndex)
	if err != nil {
		return err
	}
	for _, trade := range closed {
		s.ec.Hedge.OnPackageClosed(trade.PackageID, bar.Close, barIndex)
		s.ec.Controller.Weights().RecordResult(trade.AgentID, trade.CombinedPnL)
		s.ec.Risk.RecordTradeResult(trade.CombinedPnL, bar.Ts, s.ec.Portfolio.Equity())
	}
	if len(closed) > 0 {
		openPackages.Set(float64(len(s.ec.Packages.OpenPackages())))
	}

	s.ec.Hedge.CheckOrphans(
		func(pkgID string) bool { return s.ec.Packages.OpenPackage(pkgID) != nil },
		func(symbol string) decimal.Decimal { return bar.Close },
		barIndex,
	)
	return nil
}

func (s *Scheduler) recordTrips(trips []types.RoundTripTrade, bar *types.Bar) {
	for _, trip := range trips {
		s.ec.Controller.Weights().RecordResult(trip.AgentID, trip.PnL)
		s.ec.Risk.RecordTradeResult(trip.PnL, bar.Ts, s.ec.Portfolio.Equity())
		s.ec.Events.Emit("RoundTrip", "", "", bar.Ts, map[string]any{
			"symbol": trip.Symbol,
			"agent":  trip.AgentID,
			"pnl":    trip.PnL.StringFixed(2),
			"reason": trip.Reason,
		})
	}
}

// sleep waits the inter-bar interval; live runs pace at one bar per
// minute, offline divides by the replay speed. Returns false when a
// stop arrived during the sleep.
func (s *Scheduler) sleep(ctx context.Context) bool {
	interval := time.Minute
	if s.ec.Config.Mode == types.ModeOffline {
		interval = time.Duration(float64(time.Minute) / s.ec.Config.ReplaySpeed)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return !s.stopped.Load()
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if s.stopped.Load() {
				return false
			}
		}
	}
}

func (s *Scheduler) finish(reason types.StopReason, err error) (types.StopReason, error) {
	s.mu.Lock()
	s.stopReason = reason
	s.finishedAt = time.Now()
	if err != nil {
		s.errMsg = err.Error()
	}
	s.mu.Unlock()

	s.logger.Info("Loop stopped",
		zap.String("reason", string(reason)),
		zap.NamedError("err", err),
	)
	s.ec.Events.Emit("LoopStopped", "", "", time.Now().UTC(), map[string]any{
		"stop_reason": string(reason),
		"error":       s.errMsg,
	})
	return reason, err
}

// Stop requests a cooperative stop. Calling it repeatedly is
// idempotent.
func (s *Scheduler) Stop() { s.stopped.Store(true) }

// Pause suspends the per-bar pipeline without stopping the loop.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume re-enables the pipeline.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// BarsFor returns the processed bar count for a symbol.
func (s *Scheduler) BarsFor(symbol string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.barsPerSymbol[symbol]
}

// Status builds the /live/status response.
func (s *Scheduler) Status() types.LiveStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perSymbol := make(map[string]int64, len(s.barsPerSymbol))
	for k, v := range s.barsPerSymbol {
		perSymbol[k] = v
	}

	status := types.LiveStatus{
		Mode:          s.ec.Config.Mode,
		IsRunning:     s.running.Load(),
		IsPaused:      s.paused.Load(),
		BarCount:      s.barCount,
		StopReason:    s.stopReason,
		Error:         s.errMsg,
		BarsPerSymbol: perSymbol,
		Symbols:       append([]string{}, s.ec.Config.Symbols...),
	}
	if !s.lastBarTime.IsZero() {
		t := s.lastBarTime
		status.LastBarTime = &t
	}
	if !s.startedAt.IsZero() {
		end := s.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		status.DurationSeconds = end.Sub(s.startedAt).Seconds()
	}
	return status
}
