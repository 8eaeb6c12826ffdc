package data

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/calendar"
	"github.com/regimetrader/engine/pkg/types"
)

// BarSource is the capability set every bar provider implements. The
// source behind it (live broker, historical cache, synthetic) is hidden
// from the loop; bars arrive in non-decreasing timestamp order per
// symbol.
type BarSource interface {
	Connect(ctx context.Context) error
	Subscribe(symbols []string, preloadBars int) error
	GetNextBar(symbol string) (*types.Bar, error)
	GetNextNBars(symbol string, n int) ([]*types.Bar, error)
	GetLatestBars(symbol, timeframe string, n int) ([]*types.Bar, error)
}

// Minute-bar session bounds, exchange local. Bar timestamps are close
// times, so the first bar of a session closes at 9:31.
const (
	sessionFirstMinute = 9*60 + 31
	sessionLastMinute  = 16 * 60
)

// HistoricalFeed replays cached bars through the BarSource contract.
// Gaps inside the configured window either fail (strict mode) or are
// filled by the synthetic generator.
type HistoricalFeed struct {
	mu        sync.Mutex
	logger    *zap.Logger
	store     *Store
	synth     *SyntheticGenerator
	timeframe string
	strict    bool
	window    struct {
		start, end *time.Time
	}

	// Per-symbol replay state.
	pending   map[string][]*types.Bar
	lastTs    map[string]time.Time
	lastClose map[string]decimal.Decimal
	preloaded map[string][]*types.Bar
}

// HistoricalFeedConfig configures a replay feed.
type HistoricalFeedConfig struct {
	Timeframe  string
	Strict     bool
	Seed       int64
	StartTime  *time.Time
	EndTime    *time.Time
}

// NewHistoricalFeed creates a feed over the given store.
func NewHistoricalFeed(logger *zap.Logger, store *Store, cfg HistoricalFeedConfig) *HistoricalFeed {
	f := &HistoricalFeed{
		logger:    logger.Named("feed"),
		store:     store,
		synth:     NewSyntheticGenerator(cfg.Seed),
		timeframe: cfg.Timeframe,
		strict:    cfg.Strict,
		pending:   make(map[string][]*types.Bar),
		lastTs:    make(map[string]time.Time),
		lastClose: make(map[string]decimal.Decimal),
		preloaded: make(map[string][]*types.Bar),
	}
	f.window.start = cfg.StartTime
	f.window.end = cfg.EndTime
	return f
}

// Connect is a no-op for the historical source.
func (f *HistoricalFeed) Connect(ctx context.Context) error { return nil }

// Subscribe loads the replay window for each symbol and stages up to
// preloadBars of leading history; preloaded bars are drawn through
// GetNextBar like any other so they flow through the pipeline.
func (f *HistoricalFeed) Subscribe(symbols []string, preloadBars int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, symbol := range symbols {
		start := time.Time{}
		end := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
		if f.window.start != nil {
			start = *f.window.start
		}
		if f.window.end != nil {
			end = *f.window.end
		}

		bars, err := f.store.LoadBars(symbol, f.timeframe, start, end)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}

		// Calendar filter: drop any cached bar that falls outside a
		// trading day.
		filtered := bars[:0:0]
		for _, b := range bars {
			if calendar.IsTradingDay(b.Ts) {
				filtered = append(filtered, b)
			}
		}

		if preloadBars > 0 && f.window.start != nil {
			lead, err := f.store.LoadBars(symbol, f.timeframe, time.Time{}, f.window.start.Add(-time.Second))
			if err != nil {
				return fmt.Errorf("preload %s: %w", symbol, err)
			}
			if len(lead) > preloadBars {
				lead = lead[len(lead)-preloadBars:]
			}
			f.preloaded[symbol] = lead
			filtered = append(append([]*types.Bar{}, lead...), filtered...)
		}

		f.pending[symbol] = filtered
		f.logger.Info("Subscribed symbol",
			zap.String("symbol", symbol),
			zap.Int("bars", len(filtered)),
		)
	}
	return nil
}

// GetNextBar returns the next bar for a symbol, nil at end of data.
// Inside the configured window a missing bar is either a hard
// ErrDataMissing (strict) or a synthesized bar marked Synthetic.
func (f *HistoricalFeed) GetNextBar(symbol string) (*types.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextLocked(symbol)
}

// GetNextNBars returns up to n next bars for a symbol.
func (f *HistoricalFeed) GetNextNBars(symbol string, n int) ([]*types.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*types.Bar
	for len(out) < n {
		bar, err := f.nextLocked(symbol)
		if err != nil {
			return out, err
		}
		if bar == nil {
			break
		}
		out = append(out, bar)
	}
	return out, nil
}

// GetLatestBars serves feature warmup from the cache.
func (f *HistoricalFeed) GetLatestBars(symbol, timeframe string, n int) ([]*types.Bar, error) {
	return f.store.LatestBars(symbol, timeframe, n)
}

func (f *HistoricalFeed) nextLocked(symbol string) (*types.Bar, error) {
	queue := f.pending[symbol]

	if len(queue) == 0 {
		// Nothing cached. If a window was configured and never
		// produced a single bar, the whole window is a gap.
		if last, ok := f.lastTs[symbol]; !ok {
			if f.window.start != nil {
				if f.strict {
					return nil, fmt.Errorf("%w: no bars for %s in configured window", types.ErrDataMissing, symbol)
				}
				// No base price exists to synthesize from; this stays
				// an explicit error rather than a silent fill.
				return nil, fmt.Errorf("%w: no cached close for %s to synthesize from", types.ErrDataMissing, symbol)
			}
			return nil, nil
		} else if f.window.end != nil && last.Before(*f.window.end) {
			// Window extends past the cache: gap at the tail.
			next := nextSessionMinute(last)
			if !next.Before(*f.window.end) {
				return nil, nil
			}
			return f.fillGap(symbol, next)
		}
		return nil, nil
	}

	bar := queue[0]

	if last, ok := f.lastTs[symbol]; ok {
		expected := nextSessionMinute(last)
		if bar.Ts.After(expected) {
			// Hole between cached bars.
			return f.fillGap(symbol, expected)
		}
	}

	f.pending[symbol] = queue[1:]
	f.lastTs[symbol] = bar.Ts
	f.lastClose[symbol] = bar.Close
	return bar, nil
}

func (f *HistoricalFeed) fillGap(symbol string, ts time.Time) (*types.Bar, error) {
	if f.strict {
		return nil, fmt.Errorf("%w: %s has no bar at %s", types.ErrDataMissing, symbol, ts.UTC().Format(time.RFC3339))
	}
	bar := f.synth.NextBar(symbol, f.timeframe, ts, f.lastClose[symbol])
	f.lastTs[symbol] = ts
	f.lastClose[symbol] = bar.Close
	f.logger.Warn("SyntheticBarFallback",
		zap.String("symbol", symbol),
		zap.Time("ts", ts),
	)
	return bar, nil
}

// nextSessionMinute returns the close time of the bar after last,
// rolling 16:00 into 9:31 of the next trading day.
func nextSessionMinute(last time.Time) time.Time {
	local := last.In(calendar.Location())
	minute := local.Hour()*60 + local.Minute()
	if minute < sessionLastMinute {
		return last.Add(time.Minute)
	}
	day := calendar.NextTradingDay(last)
	return time.Date(day.Year(), day.Month(), day.Day(),
		sessionFirstMinute/60, sessionFirstMinute%60, 0, 0, calendar.Location()).UTC()
}
