package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

var errNotPaper = types.ErrNotPaperAccount

// SimBroker fills every order instantly at its limit price. Order ids
// are derived from (run id, sequence) so identical runs produce
// identical ids. Re-submitting an already-filled client order id is a
// no-op returning the original result.
type SimBroker struct {
	mu        sync.Mutex
	namespace uuid.UUID
	seq       int64
	orders    map[string]*OrderResult // by order id
	byClient  map[string]*OrderResult // by client order id
	account   AccountInfo
	clock     func() time.Time
}

// NewSimBroker creates a simulated broker keyed to the run id.
func NewSimBroker(runID string, startingEquity decimal.Decimal, allowNakedSelling bool, clock func() time.Time) *SimBroker {
	if clock == nil {
		clock = time.Now
	}
	return &SimBroker{
		namespace: uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID)),
		orders:    make(map[string]*OrderResult),
		byClient:  make(map[string]*OrderResult),
		account: AccountInfo{
			ID:                 "sim-" + runID,
			Paper:              true,
			Equity:             startingEquity,
			Cash:               startingEquity,
			AllowsNakedSelling: allowNakedSelling,
		},
		clock: clock,
	}
}

// SubmitOrder fills a stock order at the limit price.
func (b *SimBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return b.fill(req)
}

// SubmitOptionOrder fills an option order at the limit price.
func (b *SimBroker) SubmitOptionOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if len(req.Symbol) != 21 {
		return nil, &types.BrokerRejectedError{OrderID: req.ClientOrderID, Reason: "malformed occ symbol"}
	}
	return b.fill(req)
}

func (b *SimBroker) fill(req OrderRequest) (*OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.ClientOrderID != "" {
		if existing, ok := b.byClient[req.ClientOrderID]; ok {
			// Idempotent re-submission.
			return existing, nil
		}
	}
	if req.Quantity.Sign() <= 0 {
		return nil, &types.BrokerRejectedError{OrderID: req.ClientOrderID, Reason: "non-positive quantity"}
	}
	if req.Type == TypeLimit && req.Limit.Sign() <= 0 {
		return nil, &types.BrokerRejectedError{OrderID: req.ClientOrderID, Reason: "limit order without limit price"}
	}

	b.seq++
	id := uuid.NewSHA1(b.namespace, []byte(fmt.Sprintf("order-%d", b.seq))).String()
	now := b.clock()
	result := &OrderResult{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        "filled",
		FilledQty:     req.Quantity,
		AvgFillPrice:  req.Limit,
		SubmittedAt:   now,
		FilledAt:      &now,
	}
	b.orders[id] = result
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = result
	}
	return result, nil
}

// CancelOrder is a no-op for already-filled simulated orders.
func (b *SimBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[orderID]; !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	return nil
}

// GetOrder returns a submitted order.
func (b *SimBroker) GetOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	return result, nil
}

// GetPositions returns nothing; the portfolio is authoritative in
// simulation.
func (b *SimBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	return nil, nil
}

// GetAccount returns the simulated account.
func (b *SimBroker) GetAccount(ctx context.Context) (*AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	account := b.account
	return &account, nil
}

// IsPaper is always true in simulation.
func (b *SimBroker) IsPaper() bool { return true }

// AllowsNakedSelling mirrors the account permission used to flag
// short packages sim-only.
func (b *SimBroker) AllowsNakedSelling() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account.AllowsNakedSelling
}
