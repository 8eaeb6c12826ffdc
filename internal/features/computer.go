package features

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

// historyCap bounds the per-symbol ring; enough for the slowest
// lookback (2x ADX window) plus the IV percentile distribution.
const historyCap = 500

// ivPercentileWindow is the trailing distribution used to rank the
// current IV proxy.
const ivPercentileWindow = 390

// Computer owns per-symbol bar history and produces one
// FeatureSnapshot per bar.
type Computer struct {
	mu       sync.Mutex
	logger   *zap.Logger
	warmup   int
	history  map[string][]*types.Bar
	ivSeries map[string][]float64
}

// NewComputer creates a feature computer with the given warmup floor.
func NewComputer(logger *zap.Logger, warmup int) *Computer {
	if warmup < 1 {
		warmup = 1
	}
	return &Computer{
		logger:   logger.Named("features"),
		warmup:   warmup,
		history:  make(map[string][]*types.Bar),
		ivSeries: make(map[string][]float64),
	}
}

// Append adds a bar to the symbol's history ring.
func (c *Computer) Append(bar *types.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := append(c.history[bar.Symbol], bar)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	c.history[bar.Symbol] = h
}

// HistoryLen returns the current history depth for a symbol.
func (c *Computer) HistoryLen(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history[symbol])
}

// Compute derives the feature snapshot for the symbol's latest bar.
// Returns ErrInsufficientHistory below the warmup floor.
func (c *Computer) Compute(symbol string) (*types.FeatureSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bars := c.history[symbol]
	if len(bars) < c.warmup {
		return nil, fmt.Errorf("%w: %s has %d of %d bars", types.ErrInsufficientHistory, symbol, len(bars), c.warmup)
	}

	last := bars[len(bars)-1]
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], _ = b.Close.Float64()
	}

	regWindow := closes
	if len(regWindow) > 30 {
		regWindow = regWindow[len(regWindow)-30:]
	}
	slope, r2 := Regression(regWindow)

	iv := RealizedVol(closes)
	series := append(c.ivSeries[symbol], iv)
	if len(series) > ivPercentileWindow {
		series = series[len(series)-ivPercentileWindow:]
	}
	c.ivSeries[symbol] = series

	snap := &types.FeatureSnapshot{
		Symbol:    symbol,
		Ts:        last.Ts,
		Close:     closes[len(closes)-1],
		EMA9:      EMA(closes, 9),
		EMA21:     EMA(closes, 21),
		ATR:       ATR(bars, 14),
		ADX:       ADX(bars, 14),
		Hurst:     Hurst(closes),
		Slope:     slope,
		R2:        r2,
		VWAP:      VWAP(bars),
		RSI:       RSI(closes, 14),
		FVGs:      DetectFVGs(tail(bars, 50), 0.05),
		IVProxy:   iv,
		IVPercent: percentileRank(series, iv),
		GEXProxy:  gexProxy(bars),
	}
	return snap, nil
}

// LastIV returns the most recently computed IV proxy for a symbol
// without touching the percentile series; zero before the first
// computation.
func (c *Computer) LastIV(symbol string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	series := c.ivSeries[symbol]
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// gexProxy approximates dealer gamma positioning from volatility
// expansion: contracting short-window ATR relative to the long window
// reads as positive (long-gamma) dealer exposure, expansion as
// negative. It is a proxy, not a chain-derived GEX.
func gexProxy(bars []*types.Bar) float64 {
	shortATR := ATR(bars, 7)
	longATR := ATR(bars, 28)
	if longATR == 0 {
		return 0
	}
	return 1 - shortATR/longATR
}

func percentileRank(series []float64, v float64) float64 {
	if len(series) < 2 {
		return 50
	}
	below := 0
	for _, s := range series {
		if s < v {
			below++
		}
	}
	return float64(below) / float64(len(series)-1) * 100
}

func tail(bars []*types.Bar, n int) []*types.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}
