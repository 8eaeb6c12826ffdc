package options

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/broker"
	"github.com/regimetrader/engine/pkg/types"
)

// EventFunc receives package lifecycle events for the run event log.
type EventFunc func(event, packageID string, strategy types.PackageType, fields map[string]any)

// HedgePnLFunc reports the hedge P&L attributed to a package; ok is
// false when the package carries no hedge.
type HedgePnLFunc func(packageID string) (realized, unrealized decimal.Decimal, ok bool)

// Engine owns multi-leg option packages: two-leg atomic-intent
// execution with independent leg fills, credit verification, combined
// P&L, and package-level auto-exit.
type Engine struct {
	mu     sync.Mutex
	logger *zap.Logger
	config EngineConfig
	broker broker.Broker
	quoter Quoter

	open   map[string]*types.MultiLegPosition
	closed []types.MultiLegTrade

	namespace uuid.UUID
	seq       int64

	events   EventFunc
	hedgePnL HedgePnLFunc
	onClosed func(pkg *types.MultiLegPosition, trade *types.MultiLegTrade)
}

// EngineConfig holds package engine settings.
type EngineConfig struct {
	// CreditTolerancePct is the relative deviation between expected
	// and actual premium above which a CreditMismatch warning fires.
	CreditTolerancePct float64
	AutoExit           AutoExitConfig
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CreditTolerancePct: 10,
		AutoExit:           DefaultAutoExitConfig(),
	}
}

// NewEngine creates a package engine. broker may be nil when every
// package is sim-only.
func NewEngine(logger *zap.Logger, config EngineConfig, b broker.Broker, quoter Quoter, runID string) *Engine {
	return &Engine{
		logger:    logger.Named("packages"),
		config:    config,
		broker:    b,
		quoter:    quoter,
		open:      make(map[string]*types.MultiLegPosition),
		namespace: uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+"-legs")),
	}
}

// SetEventSink wires the run event log.
func (e *Engine) SetEventSink(fn EventFunc) { e.events = fn }

// SetHedgePnL wires the hedge engine's P&L attribution.
func (e *Engine) SetHedgePnL(fn HedgePnLFunc) { e.hedgePnL = fn }

// SetOnClosed registers the package-close callback (hedge flatten).
func (e *Engine) SetOnClosed(fn func(*types.MultiLegPosition, *types.MultiLegTrade)) {
	e.onClosed = fn
}

// Open executes a multi-leg intent: two independent leg orders
// submitted together, fills tracked per leg. Returns the package, or
// nil when an identical package is already open.
func (e *Engine) Open(ctx context.Context, intent *types.TradeIntent, signal types.RegimeSignal, barIndex int64) (*types.MultiLegPosition, error) {
	if !intent.MultiLeg() {
		return nil, fmt.Errorf("intent is not multi-leg")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pkgID := types.PackageID(intent.Symbol, intent.PackageType, intent.PackageDir,
		intent.CallStrike, intent.PutStrike, intent.Expiry)
	if _, exists := e.open[pkgID]; exists {
		return nil, nil
	}

	qty := int(intent.PositionDelta.Abs().IntPart())
	if qty <= 0 {
		return nil, fmt.Errorf("package %s has zero quantity", pkgID)
	}

	entryIV, _ := metaFloat(intent.Meta, "entry_iv")
	entryGEX, _ := metaFloat(intent.Meta, "entry_gex")

	pkg := &types.MultiLegPosition{
		PackageID:   pkgID,
		Symbol:      intent.Symbol,
		TradeType:   intent.PackageType,
		Direction:   intent.PackageDir,
		Quantity:    qty,
		EntryIV:     entryIV,
		EntryGEX:    entryGEX,
		EntryRegime: signal.Regime,
		EntryTime:   signal.Ts,
		EntryBar:    barIndex,
		State:       types.PackageOpenPending,
		SimOnly:     intent.SimOnly,
		AgentID:     intent.AgentID,
	}

	spot, _ := signalSpot(signal)
	callFill, callErr := e.fillLeg(ctx, pkg, types.OptionCall, intent.CallSymbol, intent.CallStrike, spot, signal, qty, false)
	putFill, putErr := e.fillLeg(ctx, pkg, types.OptionPut, intent.PutSymbol, intent.PutStrike, spot, signal, qty, false)
	pkg.CallFill = callFill
	pkg.PutFill = putFill

	if callErr != nil || putErr != nil {
		// A rejected leg breaks the package; the surviving leg stays
		// open and flagged. No auto-cancel here.
		pkg.State = types.PackageBroken
		e.open[pkgID] = pkg
		e.logger.Error("Package broken on leg rejection",
			zap.String("packageId", pkgID),
			zap.NamedError("callErr", callErr),
			zap.NamedError("putErr", putErr),
		)
		e.emit("PackageBroken", pkgID, pkg.TradeType, map[string]any{
			"call_status": string(callFill.Status),
			"put_status":  string(putFill.Status),
		})
		return pkg, nil
	}

	pkg.BothLegsFilled = callFill.Status == types.LegFilled && putFill.Status == types.LegFilled
	if pkg.BothLegsFilled {
		pkg.State = types.PackageOpenFull
	}

	pkg.NetPremium = callFill.TotalCost().Add(putFill.TotalCost())
	e.verifyPremium(intent, pkg)

	e.open[pkgID] = pkg
	e.emit("PackageOpened", pkgID, pkg.TradeType, map[string]any{
		"direction":   string(pkg.Direction),
		"quantity":    qty,
		"net_premium": pkg.NetPremium.StringFixed(2),
		"sim_only":    pkg.SimOnly,
	})
	e.logger.Info("Package opened",
		zap.String("packageId", pkgID),
		zap.String("type", string(pkg.TradeType)),
		zap.String("direction", string(pkg.Direction)),
		zap.String("netPremium", pkg.NetPremium.StringFixed(2)),
	)
	return pkg, nil
}

// fillLeg submits one leg order. Short packages sell to open (fill at
// bid), long packages buy to open (fill at ask); closing inverts via
// the closing flag.
func (e *Engine) fillLeg(ctx context.Context, pkg *types.MultiLegPosition, role types.OptionType, occSymbol string, strike decimal.Decimal, spot float64, signal types.RegimeSignal, qty int, closing bool) (*types.LegFill, error) {
	fill := &types.LegFill{
		Role:         role,
		OptionSymbol: occSymbol,
		Strike:       strike,
		Quantity:     qty,
		Status:       types.LegPending,
	}

	quote, err := e.quoter.Quote(pkg.Symbol, spot, role, strike, expiryOf(pkg, occSymbol), signal.Ts)
	if err != nil {
		fill.Status = types.LegRejected
		return fill, fmt.Errorf("leg quote: %w", err)
	}

	selling := pkg.Direction == types.PackageShort
	if closing {
		selling = !selling
	}
	price := quote.Ask
	side := broker.SideBuy
	if selling {
		price = quote.Bid
		side = broker.SideSell
	}

	if !pkg.SimOnly && e.broker != nil {
		e.seq++
		clientID := uuid.NewSHA1(e.namespace, []byte(fmt.Sprintf("leg-%d", e.seq))).String()
		result, err := e.broker.SubmitOptionOrder(ctx, broker.OrderRequest{
			ClientOrderID: clientID,
			Symbol:        occSymbol,
			Option:        true,
			Side:          side,
			Quantity:      decimal.NewFromInt(int64(qty)),
			Type:          broker.TypeLimit,
			Limit:         price,
		})
		if err != nil {
			fill.Status = types.LegRejected
			return fill, err
		}
		fill.BrokerOrderID = result.OrderID
		fill.Price = result.AvgFillPrice
		fill.FillTime = signal.Ts
		fill.Status = types.LegFilled
		if result.FilledQty.LessThan(decimal.NewFromInt(int64(qty))) {
			fill.Status = types.LegPartiallyFilled
			fill.Quantity = int(result.FilledQty.IntPart())
		}
		return fill, nil
	}

	// Sim-only: synthetic fill recorded without touching the broker.
	fill.Price = price
	fill.FillTime = signal.Ts
	fill.Status = types.LegFilled
	return fill, nil
}

// verifyPremium compares expected credit/debit with the actual fill
// sums; beyond tolerance it warns and retains the package.
func (e *Engine) verifyPremium(intent *types.TradeIntent, pkg *types.MultiLegPosition) {
	expected := intent.TotalCredit
	if pkg.Direction == types.PackageLong {
		expected = intent.TotalDebit
	}
	if expected.IsZero() {
		return
	}
	actual := pkg.NetPremium
	deviation, _ := actual.Sub(expected).Abs().Div(expected.Abs()).Float64()
	if deviation*100 > e.config.CreditTolerancePct {
		e.logger.Warn("CreditMismatch",
			zap.String("packageId", pkg.PackageID),
			zap.String("expected", expected.StringFixed(2)),
			zap.String("actual", actual.StringFixed(2)),
			zap.Float64("deviationPct", deviation*100),
		)
		e.emit("CreditMismatch", pkg.PackageID, pkg.TradeType, map[string]any{
			"expected": expected.StringFixed(2),
			"actual":   actual.StringFixed(2),
		})
	}
}

// OptionsPnL marks both legs at current quotes and returns the
// package options P&L under the sign rule: long premium gains as
// marks rise, short premium gains as marks fall.
func (e *Engine) OptionsPnL(pkg *types.MultiLegPosition, spot float64) (decimal.Decimal, error) {
	callMark, putMark, err := e.legMarks(pkg, spot)
	if err != nil {
		return decimal.Zero, err
	}
	return combinedPnL(pkg, callMark, putMark), nil
}

func (e *Engine) legMarks(pkg *types.MultiLegPosition, spot float64) (callMark, putMark decimal.Decimal, err error) {
	callQ, err := e.quoter.Quote(pkg.Symbol, spot, types.OptionCall, pkg.CallFill.Strike, expiryOf(pkg, pkg.CallFill.OptionSymbol), pkg.EntryTime)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	putQ, err := e.quoter.Quote(pkg.Symbol, spot, types.OptionPut, pkg.PutFill.Strike, expiryOf(pkg, pkg.PutFill.OptionSymbol), pkg.EntryTime)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return callQ.Mid, putQ.Mid, nil
}

// combinedPnL applies the sign rule of the package close formula to
// the given marks.
func combinedPnL(pkg *types.MultiLegPosition, callMark, putMark decimal.Decimal) decimal.Decimal {
	mult := decimal.NewFromInt(types.ContractMultiplier)
	callQty := decimal.NewFromInt(int64(pkg.CallFill.Quantity))
	putQty := decimal.NewFromInt(int64(pkg.PutFill.Quantity))

	if pkg.Direction == types.PackageLong {
		call := callMark.Sub(pkg.CallFill.Price).Mul(callQty).Mul(mult)
		put := putMark.Sub(pkg.PutFill.Price).Mul(putQty).Mul(mult)
		return call.Add(put)
	}
	call := pkg.CallFill.Price.Sub(callMark).Mul(callQty).Mul(mult)
	put := pkg.PutFill.Price.Sub(putMark).Mul(putQty).Mul(mult)
	return call.Add(put)
}

// Close exits a package: two closing orders of opposite side, exit
// fills recorded, combined realized P&L computed.
func (e *Engine) Close(ctx context.Context, pkgID, reason string, signal types.RegimeSignal) (*types.MultiLegTrade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked(ctx, pkgID, reason, signal)
}

func (e *Engine) closeLocked(ctx context.Context, pkgID, reason string, signal types.RegimeSignal) (*types.MultiLegTrade, error) {
	pkg, ok := e.open[pkgID]
	if !ok {
		return nil, fmt.Errorf("package %s not open", pkgID)
	}
	if pkg.State != types.PackageOpenFull {
		return nil, fmt.Errorf("package %s in state %s cannot close", pkgID, pkg.State)
	}
	pkg.State = types.PackageExiting

	spot, _ := signalSpot(signal)
	callExit, callErr := e.fillLeg(ctx, pkg, types.OptionCall, pkg.CallFill.OptionSymbol, pkg.CallFill.Strike, spot, signal, pkg.CallFill.Quantity, true)
	putExit, putErr := e.fillLeg(ctx, pkg, types.OptionPut, pkg.PutFill.OptionSymbol, pkg.PutFill.Strike, spot, signal, pkg.PutFill.Quantity, true)
	if callErr != nil || putErr != nil {
		pkg.State = types.PackageOpenFull
		return nil, fmt.Errorf("package %s close failed: call=%v put=%v", pkgID, callErr, putErr)
	}

	pnl := combinedPnL(pkg, callExit.Price, putExit.Price)
	pnlPct := decimal.Zero
	if !pkg.NetPremium.IsZero() {
		pnlPct = pnl.Div(pkg.NetPremium.Abs()).Mul(decimal.NewFromInt(100))
	}

	trade := &types.MultiLegTrade{
		PackageID:      pkg.PackageID,
		Symbol:         pkg.Symbol,
		AgentID:        pkg.AgentID,
		TradeType:      pkg.TradeType,
		Direction:      pkg.Direction,
		Quantity:       pkg.Quantity,
		EntryTime:      pkg.EntryTime,
		ExitTime:       signal.Ts,
		CallEntryPrice: pkg.CallFill.Price,
		CallExitPrice:  callExit.Price,
		PutEntryPrice:  pkg.PutFill.Price,
		PutExitPrice:   putExit.Price,
		NetPremium:     pkg.NetPremium,
		CombinedPnL:    pnl,
		CombinedPnLPct: pnlPct,
		ExitReason:     reason,
	}

	pkg.State = types.PackageClosed
	delete(e.open, pkgID)
	e.closed = append(e.closed, *trade)

	e.emit("PackageClosed", pkgID, pkg.TradeType, map[string]any{
		"reason":       reason,
		"combined_pnl": pnl.StringFixed(2),
	})
	e.logger.Info("Package closed",
		zap.String("packageId", pkgID),
		zap.String("reason", reason),
		zap.String("pnl", pnl.StringFixed(2)),
	)

	if e.onClosed != nil {
		e.onClosed(pkg, trade)
	}
	return trade, nil
}

// OpenPackages returns copies of every open package.
func (e *Engine) OpenPackages() []types.MultiLegPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.MultiLegPosition, 0, len(e.open))
	for _, pkg := range e.open {
		out = append(out, *pkg)
	}
	return out
}

// OpenPackage returns one open package by id.
func (e *Engine) OpenPackage(pkgID string) *types.MultiLegPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	pkg, ok := e.open[pkgID]
	if !ok {
		return nil
	}
	cp := *pkg
	return &cp
}

// ClosedTrades returns the closed multi-leg records.
func (e *Engine) ClosedTrades() []types.MultiLegTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.MultiLegTrade, len(e.closed))
	copy(out, e.closed)
	return out
}

func (e *Engine) emit(event, pkgID string, strategy types.PackageType, fields map[string]any) {
	if e.events != nil {
		e.events(event, pkgID, strategy, fields)
	}
}

func metaFloat(meta map[string]any, key string) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	v, ok := meta[key].(float64)
	return v, ok
}

func signalSpot(signal types.RegimeSignal) (float64, bool) {
	if signal.Features == nil {
		return 0, false
	}
	return signal.Features.Close, true
}

func expiryOf(pkg *types.MultiLegPosition, occSymbol string) time.Time {
	_, expiry, _, _, err := ParseOCCSymbol(occSymbol)
	if err != nil {
		return pkg.EntryTime
	}
	return expiry
}
