// Package features computes per-bar technical features from trailing
// bar history.
package features

import (
	"math"

	"github.com/regimetrader/engine/pkg/types"
)

// SMA calculates the simple moving average of the last period closes.
func SMA(closes []float64, period int) float64 {
	if len(closes) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average of the last closes.
func EMA(closes []float64, period int) float64 {
	if len(closes) < period || period <= 0 {
		return 0
	}
	ema := SMA(closes[:period], period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(closes); i++ {
		ema = closes[i]*multiplier + ema*(1-multiplier)
	}
	return ema
}

// RSI calculates the relative strength index; 50 when history is thin.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50.0
	}
	gains, losses := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR calculates the average true range over the last period bars.
func ATR(bars []*types.Bar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += trueRange(bars[i], bars[i-1])
	}
	return sum / float64(period)
}

func trueRange(bar, prev *types.Bar) float64 {
	high, _ := bar.High.Float64()
	low, _ := bar.Low.Float64()
	prevClose, _ := prev.Close.Float64()
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ADX calculates the average directional index over the last period
// bars using Wilder smoothing.
func ADX(bars []*types.Bar, period int) float64 {
	if len(bars) < 2*period+1 || period <= 0 {
		return 0
	}

	var dxSum float64
	var dxCount int
	var smTR, smPlusDM, smMinusDM float64

	start := len(bars) - 2*period
	for i := start; i < len(bars); i++ {
		high, _ := bars[i].High.Float64()
		low, _ := bars[i].Low.Float64()
		prevHigh, _ := bars[i-1].High.Float64()
		prevLow, _ := bars[i-1].Low.Float64()

		upMove := high - prevHigh
		downMove := prevLow - low
		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(bars[i], bars[i-1])

		if i == start {
			smTR, smPlusDM, smMinusDM = tr, plusDM, minusDM
			continue
		}
		n := float64(period)
		smTR = smTR - smTR/n + tr
		smPlusDM = smPlusDM - smPlusDM/n + plusDM
		smMinusDM = smMinusDM - smMinusDM/n + minusDM

		if smTR == 0 {
			continue
		}
		plusDI := 100 * smPlusDM / smTR
		minusDI := 100 * smMinusDM / smTR
		if plusDI+minusDI == 0 {
			continue
		}
		dx := 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
		if i >= len(bars)-period {
			dxSum += dx
			dxCount++
		}
	}
	if dxCount == 0 {
		return 0
	}
	return dxSum / float64(dxCount)
}

// Hurst estimates the Hurst exponent via rescaled range analysis.
// 0.5 is a random walk; below ~0.45 suggests mean reversion.
func Hurst(closes []float64) float64 {
	n := len(closes)
	if n < 20 {
		return 0.5
	}

	returns := make([]float64, n-1)
	for i := 1; i < n; i++ {
		if closes[i-1] != 0 {
			returns[i-1] = (closes[i] - closes[i-1]) / closes[i-1]
		}
	}

	var logRS, logN []float64
	for size := 8; size <= len(returns)/2; size *= 2 {
		rs := avgRescaledRange(returns, size)
		if rs > 0 {
			logRS = append(logRS, math.Log(rs))
			logN = append(logN, math.Log(float64(size)))
		}
	}
	if len(logRS) < 2 {
		return 0.5
	}
	slope, _ := linearFit(logN, logRS)
	if slope < 0 {
		return 0
	}
	if slope > 1 {
		return 1
	}
	return slope
}

func avgRescaledRange(returns []float64, size int) float64 {
	var total float64
	var count int
	for start := 0; start+size <= len(returns); start += size {
		chunk := returns[start : start+size]
		mean := 0.0
		for _, r := range chunk {
			mean += r
		}
		mean /= float64(size)

		cum, minC, maxC, variance := 0.0, 0.0, 0.0, 0.0
		for _, r := range chunk {
			cum += r - mean
			if cum < minC {
				minC = cum
			}
			if cum > maxC {
				maxC = cum
			}
			variance += (r - mean) * (r - mean)
		}
		std := math.Sqrt(variance / float64(size))
		if std > 0 {
			total += (maxC - minC) / std
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// Regression fits closes against bar index, returning the slope and
// the R-squared of the fit.
func Regression(closes []float64) (slope, r2 float64) {
	xs := make([]float64, len(closes))
	for i := range xs {
		xs[i] = float64(i)
	}
	return linearFit(xs, closes)
}

func linearFit(xs, ys []float64) (slope, r2 float64) {
	n := float64(len(xs))
	if n < 2 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i := range xs {
		pred := intercept + slope*xs[i]
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		return slope, 0
	}
	return slope, 1 - ssRes/ssTot
}

// VWAP calculates the volume-weighted average price over the bars.
func VWAP(bars []*types.Bar) float64 {
	var pv, vol float64
	for _, bar := range bars {
		high, _ := bar.High.Float64()
		low, _ := bar.Low.Float64()
		closePx, _ := bar.Close.Float64()
		v, _ := bar.Volume.Float64()
		typical := (high + low + closePx) / 3
		pv += typical * v
		vol += v
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// DetectFVGs scans for three-candle fair value gaps: a bullish gap
// when candle 1's high sits below candle 3's low, bearish mirrored.
func DetectFVGs(bars []*types.Bar, minGapPct float64) []types.FVGRange {
	if len(bars) < 3 {
		return nil
	}
	if minGapPct <= 0 {
		minGapPct = 0.1
	}

	var fvgs []types.FVGRange
	for i := 0; i < len(bars)-2; i++ {
		h1, _ := bars[i].High.Float64()
		l1, _ := bars[i].Low.Float64()
		l3, _ := bars[i+2].Low.Float64()
		h3, _ := bars[i+2].High.Float64()

		if h1 < l3 && h1 > 0 {
			gapPct := (l3 - h1) / h1 * 100
			if gapPct >= minGapPct {
				fvgs = append(fvgs, types.FVGRange{
					Top: l3, Bottom: h1, Bullish: true, BarIndex: i,
				})
			}
		}
		if l1 > h3 && h3 > 0 {
			gapPct := (l1 - h3) / h3 * 100
			if gapPct >= minGapPct {
				fvgs = append(fvgs, types.FVGRange{
					Top: l1, Bottom: h3, Bullish: false, BarIndex: i,
				})
			}
		}
	}
	return fvgs
}

// RealizedVol is the annualized standard deviation of minute returns.
func RealizedVol(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	// 390 minute bars per session, 252 sessions per year.
	return math.Sqrt(variance) * math.Sqrt(390*252)
}
