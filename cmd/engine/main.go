// Package main is the trading engine entry point: it loads the
// effective configuration, wires every subsystem, snapshots the run
// config, and serves the control API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/regimetrader/engine/internal/agents"
	"github.com/regimetrader/engine/internal/api"
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
	"github.com/regimetrader/engine/internal/sched"
	"github.com/regimetrader/engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml/json)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	autoStart := flag.Bool("start", false, "Start the bar loop immediately")
	flag.Parse()

	// .env carries BROKER_MODE and GAMMA_ONLY_TEST_MODE alongside any
	// broker credentials; absence is fine.
	_ = godotenv.Load()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}

	runID, err := artifacts.RunID(&cfg)
	if err != nil {
		logger.Fatal("Failed to derive run id", zap.Error(err))
	}
	runDir := artifacts.RunDir(&cfg, runID)
	if err := artifacts.WriteRunConfig(&cfg, runID); err != nil {
		logger.Fatal("Failed to write run config", zap.Error(err))
	}

	logger.Info("Starting trading engine",
		zap.String("runId", runID),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("mode", string(cfg.Mode)),
		zap.Bool("testingMode", cfg.TestingMode),
		zap.Bool("gammaOnly", cfg.GammaOnlyTestMode),
	)

	events, err := artifacts.NewEventSink(logger, runDir, runID)
	if err != nil {
		logger.Fatal("Failed to open event log", zap.Error(err))
	}
	defer events.Close()

	// Data plane.
	store, err := data.NewStore(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("Failed to initialize bar store", zap.Error(err))
	}
	var feed data.BarSource
	if cfg.Mode == types.ModeOffline {
		feed = data.NewHistoricalFeed(logger, store, data.HistoricalFeedConfig{
			Timeframe: cfg.Timeframe,
			Strict:    cfg.StrictDataMode,
			Seed:      cfg.Seed,
			StartTime: cfg.StartTime,
			EndTime:   cfg.EndTime,
		})
	} else {
		// The live producer is a broker-specific plug-in; without one
		// the live feed's Connect fails and the loop stops with an error.
		feed = data.NewLiveFeed(logger, store, nil, 256)
	}

	// Decision plane.
	computer := features.NewComputer(logger, cfg.EffectiveWarmup())
	classifier := regime.NewClassifier(logger, nil)

	controllerCfg := policy.DefaultConfig()
	controllerCfg.MinConfidence = cfg.EffectiveMinConfidence()
	controllerCfg.TestingMode = cfg.TestingMode
	controller := policy.NewController(logger, controllerCfg, policy.NewWeightMemory())

	// Execution plane.
	simBroker := broker.NewSimBroker(runID, decimal.NewFromInt(100000), false, nil)
	if err := broker.VerifyPaperMode(context.Background(), simBroker, os.Getenv("BROKER_MODE")); err != nil {
		logger.Fatal("Paper-mode pre-flight failed", zap.Error(err))
	}

	pf := portfolio.New(logger, runID, decimal.NewFromInt(100000))
	riskMgr := risk.NewManager(logger, cfg.Risk, cfg.FixedInvestmentAmount)

	execCfg := exec.DefaultConfig()
	execCfg.SlippagePct = cfg.SlippagePct
	executor := exec.New(logger, execCfg, simBroker, pf, runID)

	quoter := options.NewSyntheticQuoter(cfg.Seed, 0.04, func(symbol string) float64 {
		if iv := computer.LastIV(symbol); iv > 0 {
			return iv
		}
		return 0.20
	})

	packages := options.NewEngine(logger, options.DefaultEngineConfig(), simBroker, quoter, runID)
	hedgeEngine := hedge.New(logger, hedge.DefaultConfig())
	packages.SetHedgePnL(hedgeEngine.PnL)

	// Agent set; GAMMA_ONLY_TEST_MODE restricts to the gamma scalper.
	agentSet := buildAgents(&cfg)

	scheduler := sched.New(logger, &sched.Context{
		Config:         &cfg,
		RunID:          runID,
		Feed:           feed,
		Features:       computer,
		Classifier:     classifier,
		Agents:         agentSet,
		Controller:     controller,
		Risk:           riskMgr,
		Executor:       executor,
		Portfolio:      pf,
		Packages:       packages,
		Hedge:          hedgeEngine,
		Quoter:         quoter,
		Events:         events,
		NakedSellingOK: simBroker.AllowsNakedSelling(),
	})

	server := api.NewServer(logger, cfg.Server, scheduler, pf, packages, hedgeEngine, riskMgr, runID, runDir)

	// Event wiring: JSONL log plus WebSocket fan-out.
	packages.SetEventSink(func(event, packageID string, strategy types.PackageType, fields map[string]any) {
		events.Emit(event, packageID, string(strategy), time.Now().UTC(), fields)
		server.Hub().Publish(api.MsgTypePackage, map[string]any{
			"event":      event,
			"package_id": packageID,
			"fields":     fields,
		})
	})
	hedgeEngine.SetEventSink(func(event, packageID string, fields map[string]any) {
		events.Emit(event, packageID, string(types.PackageStrangle), time.Now().UTC(), fields)
	})
	pf.OnRoundTrip(func(trip types.RoundTripTrade) {
		server.Hub().Publish(api.MsgTypeTrade, trip)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *autoStart {
		go func() {
			reason, err := scheduler.Run(ctx)
			if err != nil {
				logger.Error("Loop exited with error",
					zap.String("reason", string(reason)),
					zap.Error(err),
				)
				return
			}
			logger.Info("Loop finished", zap.String("reason", string(reason)))
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	logger.Info("Engine stopped")
}

// buildAgents assembles the enabled agent set from the config.
func buildAgents(cfg *types.EngineConfig) []agents.Agent {
	gammaOnly := cfg.GammaOnlyTestMode || envBool("GAMMA_ONLY_TEST_MODE")
	if gammaOnly {
		return []agents.Agent{agents.NewGammaScalper(agents.DefaultGammaConfig())}
	}
	return []agents.Agent{
		agents.NewTrendAgent(agents.DefaultTrendConfig()),
		agents.NewMeanRevAgent(agents.DefaultMeanRevConfig()),
		agents.NewVolatilityAgent(agents.DefaultVolatilityConfig()),
		agents.NewDirectionalOptionsAgent(agents.DefaultDirectionalOptionsConfig()),
		agents.NewThetaHarvester(agents.DefaultThetaConfig()),
		agents.NewGammaScalper(agents.DefaultGammaConfig()),
	}
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

// loadConfig merges the defaults, the optional config file, and
// ENGINE_* environment overrides into the effective configuration.
func loadConfig(path string) (types.EngineConfig, error) {
	cfg := types.DefaultEngineConfig()

	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if envBool("GAMMA_ONLY_TEST_MODE") {
		cfg.GammaOnlyTestMode = true
	}
	return cfg, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
