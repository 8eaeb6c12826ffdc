package data

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

// SyntheticGenerator produces a plausible next bar from the last cached
// close. Output is deterministic per (seed, symbol, ts) so replays of
// the same window reproduce identical bars.
type SyntheticGenerator struct {
	seed int64
}

// Drift and intrabar range bounds, as fractions of the base price.
const (
	maxDriftPct = 0.002
	maxRangePct = 0.004
)

// NewSyntheticGenerator creates a generator keyed to the run seed.
func NewSyntheticGenerator(seed int64) *SyntheticGenerator {
	return &SyntheticGenerator{seed: seed}
}

// NextBar synthesizes the bar closing at ts from the previous close.
func (g *SyntheticGenerator) NextBar(symbol, timeframe string, ts time.Time, prevClose decimal.Decimal) *types.Bar {
	rng := rand.New(rand.NewSource(g.barSeed(symbol, ts)))

	base, _ := prevClose.Float64()
	drift := (rng.Float64()*2 - 1) * maxDriftPct * base
	closePx := base + drift
	span := rng.Float64() * maxRangePct * base

	high := closePx
	if base > high {
		high = base
	}
	low := closePx
	if base < low {
		low = base
	}
	high += span / 2
	low -= span / 2

	return &types.Bar{
		Symbol:    symbol,
		Timeframe: timeframe,
		Ts:        ts,
		Open:      prevClose,
		High:      decimal.NewFromFloat(high).Round(4),
		Low:       decimal.NewFromFloat(low).Round(4),
		Close:     decimal.NewFromFloat(closePx).Round(4),
		Volume:    decimal.NewFromInt(int64(1000 + rng.Intn(9000))),
		Synthetic: true,
	}
}

func (g *SyntheticGenerator) barSeed(symbol string, ts time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	var buf [8]byte
	v := uint64(ts.Unix())
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
	return g.seed ^ int64(h.Sum64())
}
