package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/regimetrader/engine/pkg/types"
)

func testRequest(clientID string) OrderRequest {
	return OrderRequest{
		ClientOrderID: clientID,
		Symbol:        "SPY",
		Side:          SideBuy,
		Quantity:      decimal.NewFromInt(10),
		Type:          TypeLimit,
		Limit:         decimal.NewFromFloat(600.25),
	}
}

func TestSimBrokerFillsAtLimit(t *testing.T) {
	b := NewSimBroker("run-1", decimal.NewFromInt(100000), false, nil)

	result, err := b.SubmitOrder(context.Background(), testRequest("c1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != "filled" {
		t.Errorf("expected immediate fill, got %s", result.Status)
	}
	if !result.AvgFillPrice.Equal(decimal.NewFromFloat(600.25)) {
		t.Errorf("fill price incorrect: %s", result.AvgFillPrice)
	}
}

func TestResubmitFilledOrderIsNoOp(t *testing.T) {
	b := NewSimBroker("run-1", decimal.NewFromInt(100000), false, nil)
	ctx := context.Background()

	first, _ := b.SubmitOrder(ctx, testRequest("c1"))
	second, err := b.SubmitOrder(ctx, testRequest("c1"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.OrderID != second.OrderID {
		t.Error("re-submitting a filled client order id must return the original order")
	}

	if order, _ := b.GetOrder(ctx, first.OrderID); order.Status != "filled" {
		t.Error("order should remain filled")
	}
}

func TestDeterministicOrderIDs(t *testing.T) {
	a := NewSimBroker("run-1", decimal.NewFromInt(100000), false, nil)
	b := NewSimBroker("run-1", decimal.NewFromInt(100000), false, nil)
	ctx := context.Background()

	ra, _ := a.SubmitOrder(ctx, testRequest("c1"))
	rb, _ := b.SubmitOrder(ctx, testRequest("c1"))
	if ra.OrderID != rb.OrderID {
		t.Error("identical runs must produce identical order ids")
	}

	other := NewSimBroker("run-2", decimal.NewFromInt(100000), false, nil)
	ro, _ := other.SubmitOrder(ctx, testRequest("c1"))
	if ro.OrderID == ra.OrderID {
		t.Error("different run ids must produce different order ids")
	}
}

func TestOptionOrderValidatesOCC(t *testing.T) {
	b := NewSimBroker("run-1", decimal.NewFromInt(100000), false, nil)

	req := testRequest("c1")
	req.Symbol = "SPY241220C600" // not 21 chars
	req.Option = true

	_, err := b.SubmitOptionOrder(context.Background(), req)
	var rejected *types.BrokerRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("malformed occ symbol should be rejected, got %v", err)
	}
}

func TestPaperPreflight(t *testing.T) {
	b := NewSimBroker("run-1", decimal.NewFromInt(100000), false, nil)

	if err := VerifyPaperMode(context.Background(), b, "PAPER"); err != nil {
		t.Errorf("paper account under BROKER_MODE=PAPER should pass: %v", err)
	}
	if err := VerifyPaperMode(context.Background(), b, "LIVE"); err != nil {
		t.Errorf("non-paper broker mode skips the check: %v", err)
	}
}
