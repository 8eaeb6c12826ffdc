// Package policy arbitrates agent intents into at most one final
// trade per symbol per bar.
package policy

import (
	"sync"

	"github.com/shopspring/decimal"
)

// WeightMemory adapts per-agent weights from a rolling record of
// closed round trips. Winners drift above 1, losers below; the decay
// keeps old results from pinning a weight forever.
type WeightMemory struct {
	mu      sync.Mutex
	decay   float64
	floor   float64
	ceiling float64
	scores  map[string]float64
}

// NewWeightMemory creates a memory with exponential decay.
func NewWeightMemory() *WeightMemory {
	return &WeightMemory{
		decay:   0.9,
		floor:   0.5,
		ceiling: 1.5,
		scores:  make(map[string]float64),
	}
}

// RecordResult folds one closed trade result into the agent's score.
func (w *WeightMemory) RecordResult(agentID string, pnl decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	outcome := 0.0
	switch pnl.Sign() {
	case 1:
		outcome = 1
	case -1:
		outcome = -1
	}
	w.scores[agentID] = w.decay*w.scores[agentID] + (1-w.decay)*outcome
}

// Weight maps the agent's rolling score into [floor, ceiling]; an
// unseen agent gets 1.0.
func (w *WeightMemory) Weight(agentID string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	score, ok := w.scores[agentID]
	if !ok {
		return 1.0
	}
	weight := 1.0 + score*0.5
	if weight < w.floor {
		return w.floor
	}
	if weight > w.ceiling {
		return w.ceiling
	}
	return weight
}
