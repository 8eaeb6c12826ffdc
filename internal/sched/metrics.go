package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	barsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "bars_processed_total",
		Help:      "Bars run through the decision pipeline.",
	}, []string{"symbol"})

	syntheticBars = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "synthetic_bars_total",
		Help:      "Synthetic fallback bars emitted by the feed.",
	}, []string{"symbol"})

	intentsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "intents_total",
		Help:      "Final trade intents produced by the meta-policy.",
	}, []string{"agent"})

	tradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "trades_executed_total",
		Help:      "Orders executed, single-leg and package legs.",
	})

	riskBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "risk_blocks_total",
		Help:      "Intents vetoed by the risk manager.",
	}, []string{"rule"})

	agentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "agent_failures_total",
		Help:      "Individual agent evaluation failures.",
	}, []string{"agent"})

	openPackages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "open_packages",
		Help:      "Currently open multi-leg packages.",
	})
)
