package policy

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

// Controller runs the meta-policy stages: collect, filter, score,
// arbitrate, finalize. It emits at most one final intent per symbol
// per bar.
type Controller struct {
	logger  *zap.Logger
	config  Config
	weights *WeightMemory
}

// Config holds controller thresholds.
type Config struct {
	// MinConfidence is the intent confidence floor.
	MinConfidence float64
	// BlendThreshold blends the runner-up in when its score is within
	// this fraction of the top score.
	BlendThreshold float64
	// TestingMode bypasses the regime filter.
	TestingMode bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:  0.40,
		BlendThreshold: 0.10,
	}
}

// NewController creates a controller.
func NewController(logger *zap.Logger, config Config, weights *WeightMemory) *Controller {
	if weights == nil {
		weights = NewWeightMemory()
	}
	return &Controller{
		logger:  logger.Named("policy"),
		config:  config,
		weights: weights,
	}
}

// Weights exposes the performance memory for round-trip feedback.
func (c *Controller) Weights() *WeightMemory { return c.weights }

type scored struct {
	intent types.TradeIntent
	score  float64
}

// Decide runs all stages over the collected intents for one symbol
// and returns the final intent, or nil when nothing survives.
func (c *Controller) Decide(signal types.RegimeSignal, intents []types.TradeIntent) *types.TradeIntent {
	// Testing mode bypasses the signal gate; the per-intent floor in
	// filter still applies.
	if signal.Confidence < c.config.MinConfidence && !c.config.TestingMode {
		return nil
	}

	filtered := c.filter(signal, intents)
	if len(filtered) == 0 {
		return nil
	}

	ranked := make([]scored, 0, len(filtered))
	for _, intent := range filtered {
		ranked = append(ranked, scored{intent: intent, score: c.score(signal, intent)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	final := c.arbitrate(ranked)
	return &final
}

// filter drops regime mismatches, low confidence, and resolves
// opposite-direction conflicts by keeping the highest confidence.
func (c *Controller) filter(signal types.RegimeSignal, intents []types.TradeIntent) []types.TradeIntent {
	var kept []types.TradeIntent
	for _, intent := range intents {
		if intent.RequiredRegime != "" && intent.RequiredRegime != signal.Regime && !c.config.TestingMode {
			continue
		}
		if intent.Confidence < c.config.MinConfidence {
			continue
		}
		kept = append(kept, intent)
	}

	// Opposite-direction conflict: keep the most confident side.
	byDirection := make(map[types.Bias]types.TradeIntent)
	for _, intent := range kept {
		prev, ok := byDirection[intent.Direction]
		if !ok || intent.Confidence > prev.Confidence {
			byDirection[intent.Direction] = intent
		}
	}
	_, hasLong := byDirection[types.BiasLong]
	_, hasShort := byDirection[types.BiasShort]
	if !hasLong || !hasShort {
		return kept
	}

	winner := byDirection[types.BiasLong]
	if byDirection[types.BiasShort].Confidence > winner.Confidence {
		winner = byDirection[types.BiasShort]
	}
	var resolved []types.TradeIntent
	for _, intent := range kept {
		if intent.Direction == types.BiasNeutral || intent.Direction == winner.Direction {
			resolved = append(resolved, intent)
		}
	}
	return resolved
}

// score = agent_weight x regime_fit x volatility_fit x confidence.
func (c *Controller) score(signal types.RegimeSignal, intent types.TradeIntent) float64 {
	weight := c.weights.Weight(intent.AgentID)
	return weight * regimeFit(signal, intent) * volFit(signal.Vol, intent) * intent.Confidence
}

func regimeFit(signal types.RegimeSignal, intent types.TradeIntent) float64 {
	if intent.RequiredRegime == "" || intent.RequiredRegime == signal.Regime {
		return 1.0
	}
	// Only reachable in testing mode, where the filter is bypassed.
	return 0.7
}

// volFit discounts instruments poorly matched to the volatility
// bucket: stock sizing suffers in extreme vol, short premium suffers
// when vol is already extreme, long premium is wasted in dead tape.
func volFit(vol types.VolatilityLevel, intent types.TradeIntent) float64 {
	if intent.Instrument == types.InstrumentStock {
		switch vol {
		case types.VolExtreme:
			return 0.6
		case types.VolHigh:
			return 0.85
		default:
			return 1.0
		}
	}
	switch intent.PackageDir {
	case types.PackageShort:
		if vol == types.VolExtreme {
			return 0.5
		}
		return 1.0
	case types.PackageLong:
		if vol == types.VolLow {
			return 0.9
		}
		return 1.0
	}
	return 1.0
}

// arbitrate picks the top-scored intent; a runner-up within the blend
// threshold folds its size into a single blended intent. Blending
// only applies to stock intents on the same side; packages keep their
// leg structure intact and the top intent simply wins.
func (c *Controller) arbitrate(ranked []scored) types.TradeIntent {
	top := ranked[0]
	if len(ranked) < 2 {
		return top.intent
	}
	runner := ranked[1]
	if top.score <= 0 || runner.score < top.score*(1-c.config.BlendThreshold) {
		return top.intent
	}
	if top.intent.Instrument != types.InstrumentStock ||
		runner.intent.Instrument != types.InstrumentStock ||
		top.intent.Direction != runner.intent.Direction {
		return top.intent
	}

	// Blend fraction w = top/(top+runner); size = w*top + (1-w)*runner.
	w := top.score / (top.score + runner.score)
	blendedSize := top.intent.PositionDelta.Mul(decimal.NewFromFloat(w)).
		Add(runner.intent.PositionDelta.Mul(decimal.NewFromFloat(1 - w))).Round(0)

	blended := top.intent
	blended.PositionDelta = blendedSize
	blended.Reason = top.intent.Reason + "+blend:" + runner.intent.AgentID
	blended.Confidence = w*top.intent.Confidence + (1-w)*runner.intent.Confidence
	c.logger.Debug("Blended intents",
		zap.String("top", top.intent.AgentID),
		zap.String("runner", runner.intent.AgentID),
		zap.Float64("w", w),
	)
	return blended
}
