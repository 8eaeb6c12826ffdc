// Package exec submits single-leg orders and applies fills to the
// portfolio.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/broker"
	"github.com/regimetrader/engine/internal/portfolio"
	"github.com/regimetrader/engine/pkg/types"
)

// Executor submits stock and single-leg option orders. Simulated mode
// fills stock at the bar close and options at the per-contract price
// backed out of the intent's TotalDebit, with configurable slippage;
// real mode goes through the broker adapter with timeout and retry.
type Executor struct {
	logger    *zap.Logger
	config    Config
	broker    broker.Broker
	portfolio *portfolio.Portfolio

	namespace uuid.UUID
	seq       int64
}

// Config holds execution settings.
type Config struct {
	Simulated   bool
	SlippagePct float64
	// Timeout bounds each broker call; a timed-out call is retried
	// with exponential backoff up to Retries attempts before
	// ErrBrokerTimeout surfaces.
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Simulated:   true,
		SlippagePct: 0.0005,
		Timeout:     90 * time.Second,
		Retries:     3,
		RetryDelay:  time.Second,
	}
}

// New creates an executor keyed to the run id for deterministic client
// order ids.
func New(logger *zap.Logger, config Config, b broker.Broker, pf *portfolio.Portfolio, runID string) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		config:    config,
		broker:    b,
		portfolio: pf,
		namespace: uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+"-orders")),
	}
}

// Result reports one executed intent.
type Result struct {
	OrderID    string
	Symbol     string
	FillPrice  decimal.Decimal
	Quantity   decimal.Decimal
	RoundTrips []types.RoundTripTrade
}

// Execute submits a final single-leg intent against the current bar.
func (e *Executor) Execute(ctx context.Context, intent *types.TradeIntent, signal types.RegimeSignal, bar *types.Bar, symbolCfg types.SymbolConfig) (*Result, error) {
	if intent.MultiLeg() {
		return nil, fmt.Errorf("multi-leg intent routed to single-leg executor")
	}
	if intent.PositionDelta.IsZero() {
		return nil, nil
	}

	fillSymbol := intent.Symbol
	var fillPrice decimal.Decimal
	if intent.Instrument == types.InstrumentOption {
		occ, ok := intent.Meta["occ_symbol"].(string)
		if !ok || occ == "" {
			return nil, fmt.Errorf("option intent for %s lacks occ symbol", intent.Symbol)
		}
		fillSymbol = occ
		fillPrice = e.applySlippage(midFromDebit(intent), intent.PositionDelta.Sign())
	} else {
		fillPrice = e.applySlippage(bar.Close, intent.PositionDelta.Sign())
	}

	e.seq++
	clientID := uuid.NewSHA1(e.namespace, []byte(fmt.Sprintf("intent-%d", e.seq))).String()

	req := broker.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        fillSymbol,
		Option:        intent.Instrument == types.InstrumentOption,
		Side:          sideOf(intent.PositionDelta),
		Quantity:      intent.PositionDelta.Abs(),
		Type:          broker.TypeLimit,
		Limit:         fillPrice,
	}

	result, err := e.submitWithRetry(ctx, req)
	if err != nil {
		var rejected *types.BrokerRejectedError
		if errors.As(err, &rejected) {
			e.logger.Warn("BrokerRejected",
				zap.String("symbol", fillSymbol),
				zap.String("reason", rejected.Reason),
			)
			return nil, err
		}
		return nil, err
	}

	trips := e.portfolio.ApplyFill(fillSymbol, intent.PositionDelta, result.AvgFillPrice, bar.Ts, portfolio.Entry{
		AgentID:       intent.AgentID,
		Regime:        signal.Regime,
		VolBucket:     signal.Vol,
		TakeProfitPct: symbolCfg.TakeProfitPct,
		StopLossPct:   symbolCfg.StopLossPct,
		Reason:        intent.Reason,
	})

	return &Result{
		OrderID:    result.OrderID,
		Symbol:     fillSymbol,
		FillPrice:  result.AvgFillPrice,
		Quantity:   intent.PositionDelta,
		RoundTrips: trips,
	}, nil
}

// CheckExits closes any open stock position whose take-profit or
// stop-loss fires against the bar close.
func (e *Executor) CheckExits(ctx context.Context, bar *types.Bar) ([]types.RoundTripTrade, error) {
	pos := e.portfolio.Position(bar.Symbol)
	if pos == nil || pos.Quantity.IsZero() {
		return nil, nil
	}

	entry, _ := pos.EntryPrice.Float64()
	mark, _ := bar.Close.Float64()
	if entry == 0 {
		return nil, nil
	}
	change := (mark - entry) / entry
	if pos.Quantity.Sign() < 0 {
		change = -change
	}

	var reason string
	switch {
	case pos.TakeProfitPct > 0 && change >= pos.TakeProfitPct:
		reason = "take_profit"
	case pos.StopLossPct > 0 && change <= -pos.StopLossPct:
		reason = "stop_loss"
	default:
		return nil, nil
	}

	closeIntent := &types.TradeIntent{
		Symbol:        bar.Symbol,
		Instrument:    types.InstrumentStock,
		Direction:     types.BiasNeutral,
		PositionDelta: pos.Quantity.Neg(),
		AgentID:       pos.AgentID,
		Reason:        reason,
	}
	signal := types.RegimeSignal{Regime: pos.EntryRegime, Vol: pos.EntryVolBucket}
	result, err := e.Execute(ctx, closeIntent, signal, bar, types.SymbolConfig{})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.RoundTrips, nil
}

// submitWithRetry wraps a broker call with the timeout/backoff
// discipline. Only timeouts retry; other errors surface immediately.
func (e *Executor) submitWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	submit := e.broker.SubmitOrder
	if req.Option {
		submit = e.broker.SubmitOptionOrder
	}

	backoff := e.config.RetryDelay
	if backoff <= 0 {
		backoff = time.Second
	}
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		result, err := submit(callCtx, req)
		cancel()

		if err == nil {
			return result, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if attempt >= e.config.Retries {
			return nil, fmt.Errorf("%w: order %s after %d attempts", types.ErrBrokerTimeout, req.ClientOrderID, attempt)
		}
		e.logger.Warn("Broker call timed out, retrying",
			zap.String("clientOrderId", req.ClientOrderID),
			zap.Int("attempt", attempt),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

func (e *Executor) applySlippage(price decimal.Decimal, sign int) decimal.Decimal {
	slip := decimal.NewFromFloat(e.config.SlippagePct)
	if sign >= 0 {
		return price.Mul(decimal.NewFromInt(1).Add(slip)).Round(4)
	}
	return price.Mul(decimal.NewFromInt(1).Sub(slip)).Round(4)
}

func sideOf(delta decimal.Decimal) broker.OrderSide {
	if delta.Sign() >= 0 {
		return broker.SideBuy
	}
	return broker.SideSell
}

// midFromDebit backs the per-contract price out of the intent's total
// debit. That is the quote mid only when the debit was priced at the
// mid; an intent whose debit is priced at the ask fills at the ask.
func midFromDebit(intent *types.TradeIntent) decimal.Decimal {
	qty := intent.PositionDelta.Abs()
	if qty.IsZero() || intent.TotalDebit.IsZero() {
		return intent.TotalDebit
	}
	return intent.TotalDebit.Div(qty).Div(decimal.NewFromInt(types.ContractMultiplier))
}
