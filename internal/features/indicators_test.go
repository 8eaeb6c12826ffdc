package features

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/pkg/types"
)

func bar(ts time.Time, o, h, l, c, v float64) *types.Bar {
	return &types.Bar{
		Symbol:    "SPY",
		Timeframe: "1m",
		Ts:        ts,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromFloat(v),
	}
}

func TestSMAAndEMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}

	if got := SMA(closes, 5); got != 3 {
		t.Errorf("SMA incorrect: %f", got)
	}
	if got := SMA(closes, 10); got != 0 {
		t.Errorf("SMA with short history should be 0, got %f", got)
	}

	ema := EMA(closes, 3)
	if ema <= 3 || ema >= 5 {
		t.Errorf("EMA of rising closes should sit between SMA and last close, got %f", ema)
	}
}

func TestRSIExtremes(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	if got := RSI(rising, 14); got != 100 {
		t.Errorf("all-gains RSI should be 100, got %f", got)
	}

	falling := make([]float64, 20)
	for i := range falling {
		falling[i] = 100 - float64(i)
	}
	if got := RSI(falling, 14); got > 1 {
		t.Errorf("all-losses RSI should be near 0, got %f", got)
	}

	if got := RSI([]float64{1, 2}, 14); got != 50 {
		t.Errorf("thin history RSI should be neutral 50, got %f", got)
	}
}

func TestRegressionPerfectLine(t *testing.T) {
	ys := []float64{10, 12, 14, 16, 18}
	slope, r2 := Regression(ys)
	if math.Abs(slope-2) > 1e-9 {
		t.Errorf("slope should be 2, got %f", slope)
	}
	if math.Abs(r2-1) > 1e-9 {
		t.Errorf("r2 of a perfect line should be 1, got %f", r2)
	}
}

func TestDetectFVGs(t *testing.T) {
	ts := time.Now().UTC()
	bars := []*types.Bar{
		bar(ts, 100, 101, 99, 100, 1000),
		bar(ts.Add(time.Minute), 102, 105, 102, 104, 1000),
		// Bullish gap: candle 1 high (101) below candle 3 low (103).
		bar(ts.Add(2*time.Minute), 103, 106, 103, 105, 1000),
	}

	fvgs := DetectFVGs(bars, 0.1)
	if len(fvgs) != 1 {
		t.Fatalf("expected 1 FVG, got %d", len(fvgs))
	}
	if !fvgs[0].Bullish {
		t.Error("gap should be bullish")
	}
	if fvgs[0].Bottom != 101 || fvgs[0].Top != 103 {
		t.Errorf("gap bounds incorrect: [%f, %f]", fvgs[0].Bottom, fvgs[0].Top)
	}
}

func TestComputerWarmup(t *testing.T) {
	logger := zap.NewNop()
	c := NewComputer(logger, 15)

	ts := time.Now().UTC()
	for i := 0; i < 5; i++ {
		c.Append(bar(ts.Add(time.Duration(i)*time.Minute), 100, 101, 99, 100, 1000))
	}

	if _, err := c.Compute("SPY"); err == nil {
		t.Fatal("expected insufficient history error under warmup")
	}

	for i := 5; i < 20; i++ {
		c.Append(bar(ts.Add(time.Duration(i)*time.Minute), 100, 101, 99, 100+float64(i)*0.1, 1000))
	}
	snap, err := c.Compute("SPY")
	if err != nil {
		t.Fatalf("compute failed past warmup: %v", err)
	}
	if snap.EMA9 == 0 || snap.VWAP == 0 {
		t.Error("features should be populated past warmup")
	}
}

func TestComputerTestingModeWarmup(t *testing.T) {
	c := NewComputer(zap.NewNop(), 1)
	c.Append(bar(time.Now().UTC(), 100, 101, 99, 100, 1000))

	snap, err := c.Compute("SPY")
	if err != nil {
		t.Fatalf("single bar should satisfy testing warmup: %v", err)
	}
	if snap.RSI != 50 {
		t.Errorf("thin history RSI should default neutral, got %f", snap.RSI)
	}
}
