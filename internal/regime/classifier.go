// Package regime classifies market state from computed features.
// Detects: TREND, MEAN_REVERSION, COMPRESSION, EXPANSION.
package regime

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

// Classifier scores each regime from the feature snapshot and picks
// the winner, with confidence reflecting the margin over the
// runner-up.
type Classifier struct {
	logger *zap.Logger
	config *Config

	mu       sync.Mutex
	prevATR  map[string]float64
	history  map[string][]types.RegimeSignal
}

// Config holds classification thresholds.
type Config struct {
	ADXTrend        float64 // ADX above this reads as trending
	R2Trend         float64 // minimum regression fit for TREND
	HurstMeanRev    float64 // Hurst below this reads as mean reverting
	IVCompression   float64 // annualized IV proxy below this reads as compressed
	DisplacementATR float64 // bar displacement in ATRs for EXPANSION
	VolLowAnnual    float64 // vol bucket boundaries, annualized
	VolHighAnnual   float64
	VolExtremeAnnual float64
	HistoryKeep     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ADXTrend:         25,
		R2Trend:          0.60,
		HurstMeanRev:     0.45,
		IVCompression:    0.15,
		DisplacementATR:  1.5,
		VolLowAnnual:     0.12,
		VolHighAnnual:    0.25,
		VolExtremeAnnual: 0.45,
		HistoryKeep:      1000,
	}
}

// NewClassifier creates a classifier.
func NewClassifier(logger *zap.Logger, config *Config) *Classifier {
	if config == nil {
		config = DefaultConfig()
	}
	return &Classifier{
		logger:  logger.Named("regime"),
		config:  config,
		prevATR: make(map[string]float64),
		history: make(map[string][]types.RegimeSignal),
	}
}

// priority orders the tie-break: TREND > EXPANSION > MEAN_REVERSION >
// COMPRESSION.
var priority = []types.RegimeType{
	types.RegimeTrend,
	types.RegimeExpansion,
	types.RegimeMeanReversion,
	types.RegimeCompression,
}

// Classify produces the regime signal for one feature snapshot.
func (c *Classifier) Classify(snap *types.FeatureSnapshot) types.RegimeSignal {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevATR := c.prevATR[snap.Symbol]
	c.prevATR[snap.Symbol] = snap.ATR

	atrExpanding := prevATR > 0 && snap.ATR > prevATR
	atrContracting := prevATR > 0 && snap.ATR < prevATR

	scores := map[types.RegimeType]float64{
		types.RegimeTrend:         c.trendScore(snap),
		types.RegimeExpansion:     c.expansionScore(snap, prevATR, atrExpanding),
		types.RegimeMeanReversion: c.meanRevScore(snap, atrContracting),
		types.RegimeCompression:   c.compressionScore(snap, atrContracting),
	}

	top := types.RegimeUnknown
	topScore, runnerScore := 0.0, 0.0
	for _, rt := range priority {
		s := scores[rt]
		if s > topScore {
			runnerScore = topScore
			top, topScore = rt, s
		} else if s > runnerScore {
			runnerScore = s
		}
	}

	confidence := 0.0
	if top != types.RegimeUnknown {
		margin := topScore - runnerScore
		confidence = clamp01(margin + 0.4*topScore)
	}

	signal := types.RegimeSignal{
		Symbol:     snap.Symbol,
		Ts:         snap.Ts,
		Regime:     top,
		Trend:      trendDirection(snap),
		Vol:        c.volBucket(snap.IVProxy),
		Bias:       bias(snap),
		Confidence: confidence,
		Features:   snap,
	}

	h := append(c.history[snap.Symbol], signal)
	if len(h) > c.config.HistoryKeep {
		h = h[len(h)-c.config.HistoryKeep/2:]
	}
	c.history[snap.Symbol] = h

	return signal
}

// trendScore: high ADX, monotone slope, and a strong regression fit.
func (c *Classifier) trendScore(snap *types.FeatureSnapshot) float64 {
	if snap.ADX < c.config.ADXTrend || snap.R2 < c.config.R2Trend || snap.Slope == 0 {
		return 0
	}
	adxPart := clamp01((snap.ADX - c.config.ADXTrend) / 25)
	fitPart := clamp01((snap.R2 - c.config.R2Trend) / (1 - c.config.R2Trend))
	return 0.5 + 0.25*adxPart + 0.25*fitPart
}

// meanRevScore: low Hurst with contracting volatility.
func (c *Classifier) meanRevScore(snap *types.FeatureSnapshot, atrContracting bool) float64 {
	if snap.Hurst >= c.config.HurstMeanRev || !atrContracting {
		return 0
	}
	return 0.5 + clamp01((c.config.HurstMeanRev-snap.Hurst)/c.config.HurstMeanRev)*0.5
}

// compressionScore: low absolute IV proxy and contracting range. The
// IV percentile rank is deliberately not consulted here; a compressed
// tape can still rank high against its own trailing distribution.
func (c *Classifier) compressionScore(snap *types.FeatureSnapshot, atrContracting bool) float64 {
	if snap.IVProxy >= c.config.IVCompression || !atrContracting {
		return 0
	}
	return 0.5 + clamp01((c.config.IVCompression-snap.IVProxy)/c.config.IVCompression)*0.5
}

// expansionScore: expanding ATR plus a displaced last bar.
func (c *Classifier) expansionScore(snap *types.FeatureSnapshot, prevATR float64, atrExpanding bool) float64 {
	if !atrExpanding || snap.ATR == 0 {
		return 0
	}
	displacement := math.Abs(snap.Close-snap.VWAP) / snap.ATR
	if displacement < c.config.DisplacementATR {
		return 0
	}
	growth := clamp01(snap.ATR/prevATR - 1)
	return 0.5 + 0.25*growth + 0.25*clamp01(displacement/(2*c.config.DisplacementATR))
}

func (c *Classifier) volBucket(annualVol float64) types.VolatilityLevel {
	switch {
	case annualVol >= c.config.VolExtremeAnnual:
		return types.VolExtreme
	case annualVol >= c.config.VolHighAnnual:
		return types.VolHigh
	case annualVol >= c.config.VolLowAnnual:
		return types.VolMedium
	default:
		return types.VolLow
	}
}

func trendDirection(snap *types.FeatureSnapshot) types.TrendDirection {
	switch {
	case snap.EMA9 > snap.EMA21 && snap.Slope > 0:
		return types.TrendUp
	case snap.EMA9 < snap.EMA21 && snap.Slope < 0:
		return types.TrendDown
	default:
		return types.TrendSideways
	}
}

func bias(snap *types.FeatureSnapshot) types.Bias {
	dir := trendDirection(snap)
	switch {
	case dir == types.TrendUp && snap.RSI < 75:
		return types.BiasLong
	case dir == types.TrendDown && snap.RSI > 25:
		return types.BiasShort
	default:
		return types.BiasNeutral
	}
}

// History returns up to limit recent signals for a symbol.
func (c *Classifier) History(symbol string, limit int) []types.RegimeSignal {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.history[symbol]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]types.RegimeSignal, limit)
	copy(out, h[len(h)-limit:])
	return out
}

// Stats summarizes regime occupancy for a symbol.
func (c *Classifier) Stats(symbol string) map[types.RegimeType]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[types.RegimeType]int)
	for _, s := range c.history[symbol] {
		counts[s.Regime]++
	}
	return counts
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
