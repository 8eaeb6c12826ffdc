package options

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

// Quote is one option quote with the liquidity and Greek fields the
// agents filter on.
type Quote struct {
	OptionSymbol string
	Underlying   string
	Type         types.OptionType
	Strike       decimal.Decimal
	Expiry       time.Time
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Mid          decimal.Decimal
	Delta        float64
	Gamma        float64
	IV           float64
	OpenInterest int
	Volume       int
}

// SpreadPct returns (ask-bid)/mid as a percentage; 100 when unpriced.
func (q *Quote) SpreadPct() float64 {
	if q.Mid.IsZero() {
		return 100
	}
	spread, _ := q.Ask.Sub(q.Bid).Div(q.Mid).Float64()
	return spread * 100
}

// Quoter provides option quotes for an underlying. The production
// implementation talks to a broker chain endpoint; the synthetic
// quoter below prices internally.
type Quoter interface {
	Quote(underlying string, spot float64, typ types.OptionType, strike decimal.Decimal, expiry time.Time, now time.Time) (*Quote, error)
}

// SyntheticQuoter prices quotes with the internal Black-Scholes
// approximation. Liquidity fields are deterministic per
// (seed, symbol, strike, expiry) so replays reproduce identical
// filter decisions.
type SyntheticQuoter struct {
	seed     int64
	riskFree float64
	ivSource func(underlying string) float64
}

// NewSyntheticQuoter creates a quoter; ivSource supplies the current
// IV proxy per underlying (typically the feature snapshot's).
func NewSyntheticQuoter(seed int64, riskFree float64, ivSource func(string) float64) *SyntheticQuoter {
	return &SyntheticQuoter{seed: seed, riskFree: riskFree, ivSource: ivSource}
}

// Quote prices one contract.
func (q *SyntheticQuoter) Quote(underlying string, spot float64, typ types.OptionType, strike decimal.Decimal, expiry time.Time, now time.Time) (*Quote, error) {
	if spot <= 0 {
		return nil, fmt.Errorf("no spot price for %s", underlying)
	}
	iv := q.ivSource(underlying)
	if iv <= 0 {
		iv = 0.20
	}

	T := yearsBetween(now, expiry)
	K, _ := strike.Float64()
	isCall := typ == types.OptionCall

	mid := BSPrice(isCall, spot, K, T, q.riskFree, iv)
	if mid < 0.01 {
		mid = 0.01
	}

	rng := rand.New(rand.NewSource(q.quoteSeed(underlying, typ, K, expiry)))
	// Spread widens away from the money.
	moneyness := math.Abs(spot-K) / spot
	spreadPct := 0.01 + moneyness*0.25 + rng.Float64()*0.02
	half := mid * spreadPct / 2

	sym, err := OCCSymbol(underlying, expiry, typ, strike)
	if err != nil {
		return nil, err
	}

	return &Quote{
		OptionSymbol: sym,
		Underlying:   underlying,
		Type:         typ,
		Strike:       strike,
		Expiry:       expiry,
		Bid:          decimal.NewFromFloat(mid - half).Round(2),
		Ask:          decimal.NewFromFloat(mid + half).Round(2),
		Mid:          decimal.NewFromFloat(mid).Round(2),
		Delta:        BSDelta(isCall, spot, K, T, q.riskFree, iv),
		Gamma:        BSGamma(spot, K, T, q.riskFree, iv),
		IV:           iv,
		OpenInterest: 200 + rng.Intn(5000),
		Volume:       60 + rng.Intn(2000),
	}, nil
}

func (q *SyntheticQuoter) quoteSeed(underlying string, typ types.OptionType, strike float64, expiry time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(underlying))
	h.Write([]byte(typ))
	fmt.Fprintf(h, "%.3f%s", strike, expiry.UTC().Format("060102"))
	return q.seed ^ int64(h.Sum64())
}

func yearsBetween(now, expiry time.Time) float64 {
	hours := expiry.Sub(now).Hours()
	if hours < 0 {
		return 0
	}
	// 0-DTE contracts still carry a sliver of time value.
	if hours < 6 {
		hours = 6
	}
	return hours / (24 * 365)
}

// RoundToStrike snaps a raw strike to the listed grid: whole dollars
// below 200, 5-dollar increments above.
func RoundToStrike(raw float64) decimal.Decimal {
	if raw >= 200 {
		return decimal.NewFromInt(int64(math.Round(raw/5)) * 5)
	}
	return decimal.NewFromInt(int64(math.Round(raw)))
}
