// Package broker defines the broker plug-in surface and the simulated
// implementation used for offline replay and paper runs.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is market or limit.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// OrderRequest is a broker order submission.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string // equity symbol, or 21-char OCC for options
	Option        bool
	Side          OrderSide
	Quantity      decimal.Decimal
	Type          OrderType
	Limit         decimal.Decimal
}

// OrderResult is the broker's view of a submitted order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Status        string // pending, filled, rejected
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Reason        string
	SubmittedAt   time.Time
	FilledAt      *time.Time
}

// AccountInfo is the subset of account state the engine checks.
type AccountInfo struct {
	ID                 string
	Paper              bool
	Equity             decimal.Decimal
	Cash               decimal.Decimal
	AllowsNakedSelling bool
}

// BrokerPosition is a broker-reported position used by
// reconciliation.
type BrokerPosition struct {
	Symbol   string
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
}

// Broker is the execution plug-in. Calls carry the caller's context;
// the executor wraps them with timeout and retry.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	SubmitOptionOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*OrderResult, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetAccount(ctx context.Context) (*AccountInfo, error)
	IsPaper() bool
}

// VerifyPaperMode is the live-trading pre-flight: when the BROKER_MODE
// environment resolves to PAPER the account behind the credentials
// must actually be a paper account.
func VerifyPaperMode(ctx context.Context, b Broker, brokerMode string) error {
	if brokerMode != "PAPER" {
		return nil
	}
	account, err := b.GetAccount(ctx)
	if err != nil {
		return err
	}
	if !account.Paper {
		return errNotPaper
	}
	return nil
}
