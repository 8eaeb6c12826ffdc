// Package portfolio tracks single-leg positions and the round-trip
// trade log.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

// Portfolio owns the open positions and the immutable round-trip
// record. Positions carry a single weighted-average entry per symbol;
// reductions consume the remaining quantity first-in-first-out.
type Portfolio struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	cash        decimal.Decimal
	initialCash decimal.Decimal
	positions   map[string]*types.Position
	marks       map[string]decimal.Decimal
	roundTrips  []types.RoundTripTrade

	namespace uuid.UUID
	seq       int64

	onRoundTrip func(types.RoundTripTrade)
}

// New creates a portfolio keyed to the run id for deterministic trade
// ids.
func New(logger *zap.Logger, runID string, initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		logger:      logger.Named("portfolio"),
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]*types.Position),
		marks:       make(map[string]decimal.Decimal),
		namespace:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+"-trades")),
	}
}

// OnRoundTrip registers a callback fired for every closed round trip.
func (p *Portfolio) OnRoundTrip(fn func(types.RoundTripTrade)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRoundTrip = fn
}

// Entry describes the attribution applied when a fill opens or adds
// to a position.
type Entry struct {
	AgentID       string
	Regime        types.RegimeType
	VolBucket     types.VolatilityLevel
	TakeProfitPct float64
	StopLossPct   float64
	Reason        string
}

// ApplyFill applies a signed quantity change at the fill price.
// Same-side adds average the entry; opposite-side fills reduce or
// close, emitting a round trip for the closed quantity. A flip closes
// the full position and opens the remainder on the other side.
func (p *Portfolio) ApplyFill(symbol string, qtyDelta, price decimal.Decimal, ts time.Time, entry Entry) []types.RoundTripTrade {
	p.mu.Lock()
	defer p.mu.Unlock()

	if qtyDelta.IsZero() {
		return nil
	}

	p.marks[symbol] = price
	p.cash = p.cash.Sub(qtyDelta.Mul(price))

	pos, exists := p.positions[symbol]
	if !exists || pos.Quantity.IsZero() {
		p.positions[symbol] = &types.Position{
			Symbol:         symbol,
			Quantity:       qtyDelta,
			EntryPrice:     price,
			EntryTime:      ts,
			EntryRegime:    entry.Regime,
			EntryVolBucket: entry.VolBucket,
			AgentID:        entry.AgentID,
			TakeProfitPct:  entry.TakeProfitPct,
			StopLossPct:    entry.StopLossPct,
		}
		return nil
	}

	sameSide := pos.Quantity.Sign() == qtyDelta.Sign()
	if sameSide {
		totalQty := pos.Quantity.Add(qtyDelta)
		totalCost := pos.Quantity.Mul(pos.EntryPrice).Add(qtyDelta.Mul(price))
		pos.EntryPrice = totalCost.Div(totalQty)
		pos.Quantity = totalQty
		return nil
	}

	// Opposite side: close up to the open quantity, flip with any
	// remainder.
	closeQty := qtyDelta.Abs()
	remainder := decimal.Zero
	if closeQty.GreaterThan(pos.Quantity.Abs()) {
		remainder = closeQty.Sub(pos.Quantity.Abs())
		closeQty = pos.Quantity.Abs()
	}

	trip := p.closeLocked(pos, closeQty, price, ts, entry.Reason)
	trips := []types.RoundTripTrade{trip}

	if pos.Quantity.IsZero() {
		delete(p.positions, symbol)
	}
	if remainder.Sign() > 0 {
		signed := remainder
		if qtyDelta.Sign() < 0 {
			signed = remainder.Neg()
		}
		p.positions[symbol] = &types.Position{
			Symbol:         symbol,
			Quantity:       signed,
			EntryPrice:     price,
			EntryTime:      ts,
			EntryRegime:    entry.Regime,
			EntryVolBucket: entry.VolBucket,
			AgentID:        entry.AgentID,
			TakeProfitPct:  entry.TakeProfitPct,
			StopLossPct:    entry.StopLossPct,
		}
	}
	return trips
}

// closeLocked reduces the position by closeQty (positive) at price and
// records the round trip against the weighted-average entry.
func (p *Portfolio) closeLocked(pos *types.Position, closeQty, price decimal.Decimal, ts time.Time, reason string) types.RoundTripTrade {
	direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
	pnl := price.Sub(pos.EntryPrice).Mul(closeQty).Mul(direction)

	pnlPct := decimal.Zero
	if basis := pos.EntryPrice.Mul(closeQty); basis.Sign() != 0 {
		pnlPct = pnl.Div(basis.Abs()).Mul(decimal.NewFromInt(100))
	}

	p.seq++
	trip := types.RoundTripTrade{
		ID:               uuid.NewSHA1(p.namespace, []byte(fmt.Sprintf("rt-%d", p.seq))).String(),
		Symbol:           pos.Symbol,
		AgentID:          pos.AgentID,
		Quantity:         closeQty.Mul(direction),
		EntryPrice:       pos.EntryPrice,
		ExitPrice:        price,
		EntryTime:        pos.EntryTime,
		ExitTime:         ts,
		Duration:         ts.Sub(pos.EntryTime),
		PnL:              pnl,
		PnLPct:           pnlPct,
		RegimeAtEntry:    pos.EntryRegime,
		VolBucketAtEntry: pos.EntryVolBucket,
		Reason:           reason,
	}

	pos.Quantity = pos.Quantity.Sub(closeQty.Mul(direction))
	p.roundTrips = append(p.roundTrips, trip)
	if p.onRoundTrip != nil {
		p.onRoundTrip(trip)
	}
	p.logger.Info("Round trip closed",
		zap.String("symbol", trip.Symbol),
		zap.String("agent", trip.AgentID),
		zap.String("pnl", trip.PnL.StringFixed(2)),
	)
	return trip
}

// MarkPrice updates the latest mark for a symbol.
func (p *Portfolio) MarkPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

// Position returns a copy of the open position, or nil.
func (p *Portfolio) Position(symbol string) *types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// Positions returns copies of every open position.
func (p *Portfolio) Positions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out
}

// RoundTrips returns the closed trades, optionally filtered.
func (p *Portfolio) RoundTrips(symbol string, since, until *time.Time) []types.RoundTripTrade {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []types.RoundTripTrade
	for _, trip := range p.roundTrips {
		if symbol != "" && trip.Symbol != symbol {
			continue
		}
		if since != nil && trip.ExitTime.Before(*since) {
			continue
		}
		if until != nil && trip.ExitTime.After(*until) {
			continue
		}
		out = append(out, trip)
	}
	return out
}

// Equity is cash plus position value at the latest marks.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	equity := p.cash
	for symbol, pos := range p.positions {
		mark, ok := p.marks[symbol]
		if !ok {
			mark = pos.EntryPrice
		}
		equity = equity.Add(pos.Quantity.Mul(mark))
	}
	return equity
}

// Cash returns available cash.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}
