// Package types provides configuration types for the trading engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EngineConfig is the effective configuration of one engine run. It is
// frozen at startup and snapshotted to run_config.json. Agent, regime,
// package-engine and hedge thresholds come from those packages' own
// default configs and are not part of it.
type EngineConfig struct {
	Symbols    []string `json:"symbols"`
	Mode       Mode     `json:"mode"`
	Timeframe  string   `json:"timeframe"`

	// Offline replay window and pacing.
	ReplaySpeed float64    `json:"replaySpeed"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`

	StrictDataMode bool `json:"strictDataMode"`
	TestingMode    bool `json:"testingMode"`

	// GammaOnlyTestMode restricts the enabled agent set to the gamma
	// scalper. Composes independently with TestingMode.
	GammaOnlyTestMode bool `json:"gammaOnlyTestMode"`

	FixedInvestmentAmount decimal.Decimal `json:"fixedInvestmentAmount"`

	// BarsPerPull is the max bars requested per symbol per iteration.
	BarsPerPull int `json:"barsPerPull"`
	// EmptyPullLimit is the consecutive all-empty iterations before
	// the loop stops with end_of_data.
	EmptyPullLimit int `json:"emptyPullLimit"`
	// WarmupBars is the minimum history before features compute.
	WarmupBars int `json:"warmupBars"`
	// PreloadBars is how many bars subscribe() loads per symbol.
	PreloadBars int `json:"preloadBars"`

	// MinConfidence is the controller's confidence floor. TestingMode
	// lowers it to TestingMinConfidence.
	MinConfidence        float64 `json:"minConfidence"`
	TestingMinConfidence float64 `json:"testingMinConfidence"`

	SlippagePct float64 `json:"slippagePct"`

	Risk    RiskConfig              `json:"risk"`
	PerSymbol map[string]SymbolConfig `json:"symbolParams"`

	RunLabel   string `json:"runLabel"`
	DataDir    string `json:"dataDir"`
	ResultsDir string `json:"resultsDir"`

	// Seed drives every randomized internal so replays are
	// reproducible.
	Seed int64 `json:"seed"`

	Server ServerConfig `json:"server"`
}

// SymbolConfig carries per-symbol strategy parameters.
type SymbolConfig struct {
	RiskPerTradePct float64 `json:"riskPerTradePct"`
	TakeProfitPct   float64 `json:"takeProfitPct"`
	StopLossPct     float64 `json:"stopLossPct"`
}

// RiskConfig contains risk management configuration.
type RiskConfig struct {
	MaxDailyLoss       decimal.Decimal `json:"maxDailyLoss"`
	MaxDailyLossPct    float64         `json:"maxDailyLossPct"`
	MaxLossStreak      int             `json:"maxLossStreak"`
	CVaRLookback       int             `json:"cvarLookback"`
	KillSwitch         bool            `json:"killSwitch"`
	MaxPackagesPerMin  int             `json:"maxPackagesPerMin"`
	MaxPackagesPerHour int             `json:"maxPackagesPerHour"`
	VolBucketCaps      map[VolatilityLevel]decimal.Decimal `json:"volBucketCaps,omitempty"`
}

// ServerConfig configures the HTTP/WS surface.
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Mode:                 ModeOffline,
		Timeframe:            "1m",
		ReplaySpeed:          60,
		BarsPerPull:          10,
		EmptyPullLimit:       5,
		WarmupBars:           15,
		PreloadBars:          50,
		MinConfidence:        0.40,
		TestingMinConfidence: 0.05,
		SlippagePct:          0.0005,
		Risk: RiskConfig{
			MaxDailyLossPct:    0.03,
			MaxLossStreak:      5,
			CVaRLookback:       50,
			MaxPackagesPerMin:  2,
			MaxPackagesPerHour: 20,
		},
		PerSymbol:  make(map[string]SymbolConfig),
		RunLabel:   "default",
		DataDir:    "./data",
		ResultsDir: "./phase1_results",
		Seed:       1,
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Validate checks cross-field constraints before the loop starts.
func (c *EngineConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Mode == ModeOffline && (c.ReplaySpeed < 1 || c.ReplaySpeed > 3000) {
		return fmt.Errorf("replay speed %.1f out of range [1,3000]", c.ReplaySpeed)
	}
	if c.StartTime != nil && c.EndTime != nil && !c.EndTime.After(*c.StartTime) {
		return fmt.Errorf("end_time must be after start_time")
	}
	return nil
}

// EffectiveMinConfidence resolves the controller confidence floor.
func (c *EngineConfig) EffectiveMinConfidence() float64 {
	if c.TestingMode {
		return c.TestingMinConfidence
	}
	return c.MinConfidence
}

// EffectiveWarmup resolves the warmup bar minimum.
func (c *EngineConfig) EffectiveWarmup() int {
	if c.TestingMode {
		return 1
	}
	return c.WarmupBars
}

// SymbolParams returns the per-symbol parameters with zero-value
// fallback.
func (c *EngineConfig) SymbolParams(symbol string) SymbolConfig {
	if sc, ok := c.PerSymbol[symbol]; ok {
		return sc
	}
	return SymbolConfig{RiskPerTradePct: 0.01, TakeProfitPct: 0.05, StopLossPct: 0.03}
}
