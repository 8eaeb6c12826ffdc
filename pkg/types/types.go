// Package types provides shared type definitions for the trading engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the share multiplier of one option contract.
const ContractMultiplier = 100

// RegimeType labels the market state driving agent activation.
type RegimeType string

const (
	RegimeTrend         RegimeType = "TREND"
	RegimeMeanReversion RegimeType = "MEAN_REVERSION"
	RegimeCompression   RegimeType = "COMPRESSION"
	RegimeExpansion     RegimeType = "EXPANSION"
	RegimeUnknown       RegimeType = "UNKNOWN"
)

// ParseRegimeType converts a stable string form back to a RegimeType.
func ParseRegimeType(s string) (RegimeType, error) {
	switch RegimeType(s) {
	case RegimeTrend, RegimeMeanReversion, RegimeCompression, RegimeExpansion, RegimeUnknown:
		return RegimeType(s), nil
	}
	return RegimeUnknown, fmt.Errorf("unknown regime type %q", s)
}

// Valid reports whether the value is a member of the enum.
func (r RegimeType) Valid() bool {
	_, err := ParseRegimeType(string(r))
	return err == nil
}

func (r RegimeType) String() string { return string(r) }

// TrendDirection is the detected direction of the prevailing trend.
type TrendDirection string

const (
	TrendUp       TrendDirection = "UP"
	TrendDown     TrendDirection = "DOWN"
	TrendSideways TrendDirection = "SIDEWAYS"
)

func ParseTrendDirection(s string) (TrendDirection, error) {
	switch TrendDirection(s) {
	case TrendUp, TrendDown, TrendSideways:
		return TrendDirection(s), nil
	}
	return TrendSideways, fmt.Errorf("unknown trend direction %q", s)
}

func (t TrendDirection) Valid() bool {
	_, err := ParseTrendDirection(string(t))
	return err == nil
}

func (t TrendDirection) String() string { return string(t) }

// VolatilityLevel buckets realized volatility.
type VolatilityLevel string

const (
	VolLow     VolatilityLevel = "LOW"
	VolMedium  VolatilityLevel = "MEDIUM"
	VolHigh    VolatilityLevel = "HIGH"
	VolExtreme VolatilityLevel = "EXTREME"
)

func ParseVolatilityLevel(s string) (VolatilityLevel, error) {
	switch VolatilityLevel(s) {
	case VolLow, VolMedium, VolHigh, VolExtreme:
		return VolatilityLevel(s), nil
	}
	return VolMedium, fmt.Errorf("unknown volatility level %q", s)
}

func (v VolatilityLevel) Valid() bool {
	_, err := ParseVolatilityLevel(string(v))
	return err == nil
}

func (v VolatilityLevel) String() string { return string(v) }

// Bias is the directional lean of a regime signal or intent.
type Bias string

const (
	BiasLong    Bias = "LONG"
	BiasShort   Bias = "SHORT"
	BiasNeutral Bias = "NEUTRAL"
)

func ParseBias(s string) (Bias, error) {
	switch Bias(s) {
	case BiasLong, BiasShort, BiasNeutral:
		return Bias(s), nil
	}
	return BiasNeutral, fmt.Errorf("unknown bias %q", s)
}

func (b Bias) Valid() bool {
	_, err := ParseBias(string(b))
	return err == nil
}

func (b Bias) String() string { return string(b) }

// InstrumentType distinguishes stock from option intents.
type InstrumentType string

const (
	InstrumentStock  InstrumentType = "stock"
	InstrumentOption InstrumentType = "option"
)

// OptionType is call or put.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// LegStatus tracks the fill lifecycle of one package leg.
type LegStatus string

const (
	LegPending         LegStatus = "pending"
	LegPartiallyFilled LegStatus = "partially_filled"
	LegFilled          LegStatus = "filled"
	LegRejected        LegStatus = "rejected"
)

// PackageState is the multi-leg package state machine.
type PackageState string

const (
	PackageOpenPending PackageState = "OPEN_PENDING"
	PackageOpenFull    PackageState = "OPEN_FULL"
	PackageExiting     PackageState = "EXITING"
	PackageClosed      PackageState = "CLOSED"
	PackageBroken      PackageState = "BROKEN"
)

// PackageType is the two-leg structure being traded.
type PackageType string

const (
	PackageStraddle PackageType = "straddle"
	PackageStrangle PackageType = "strangle"
)

// PackageDirection is long (debit) or short (credit) premium.
type PackageDirection string

const (
	PackageLong  PackageDirection = "long"
	PackageShort PackageDirection = "short"
)

// Mode selects loop pacing.
type Mode string

const (
	ModeLive    Mode = "live"
	ModeOffline Mode = "offline"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLive, ModeOffline:
		return Mode(s), nil
	}
	return ModeOffline, fmt.Errorf("unknown mode %q", s)
}

// StopReason records why the bar loop terminated.
type StopReason string

const (
	StopEndOfData      StopReason = "end_of_data"
	StopEndTimeReached StopReason = "end_time_reached"
	StopUserStop       StopReason = "user_stop"
	StopError          StopReason = "error"
)

// Bar is a single immutable OHLCV observation. Identity is
// (Symbol, Timeframe, Ts) with Ts at bar close, UTC.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Ts        time.Time       `json:"ts"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Synthetic bool            `json:"synthetic,omitempty"`
}

// FVGRange is a detected fair value gap.
type FVGRange struct {
	Top      float64 `json:"top"`
	Bottom   float64 `json:"bottom"`
	Bullish  bool    `json:"bullish"`
	BarIndex int     `json:"barIndex"`
}

// Midpoint returns the center of the gap.
func (f FVGRange) Midpoint() float64 { return (f.Top + f.Bottom) / 2 }

// FeatureSnapshot holds per-symbol, per-bar computed features.
type FeatureSnapshot struct {
	Symbol    string     `json:"symbol"`
	Ts        time.Time  `json:"ts"`
	Close     float64    `json:"close"`
	EMA9      float64    `json:"ema9"`
	EMA21     float64    `json:"ema21"`
	ATR       float64    `json:"atr"`
	ADX       float64    `json:"adx"`
	Hurst     float64    `json:"hurst"`
	Slope     float64    `json:"slope"`
	R2        float64    `json:"r2"`
	VWAP      float64    `json:"vwap"`
	RSI       float64    `json:"rsi"`
	FVGs      []FVGRange `json:"fvgs,omitempty"`
	IVProxy   float64    `json:"ivProxy"`
	IVPercent float64    `json:"ivPercentile"`
	GEXProxy  float64    `json:"gexProxy"`
}

// RegimeSignal is the per-bar classification consumed by agents,
// risk, and portfolio metadata.
type RegimeSignal struct {
	Symbol     string           `json:"symbol"`
	Ts         time.Time        `json:"ts"`
	Regime     RegimeType       `json:"regime"`
	Trend      TrendDirection   `json:"trend"`
	Vol        VolatilityLevel  `json:"vol"`
	Bias       Bias             `json:"bias"`
	Confidence float64          `json:"confidence"`
	Features   *FeatureSnapshot `json:"features,omitempty"`
}

// TradeIntent is an agent's proposal for a position change.
type TradeIntent struct {
	Symbol         string          `json:"symbol"`
	Instrument     InstrumentType  `json:"instrument"`
	Direction      Bias            `json:"direction"`
	PositionDelta  decimal.Decimal `json:"positionDelta"`
	Confidence     float64         `json:"confidence"`
	AgentID        string          `json:"agentId"`
	Reason         string          `json:"reason"`
	RequiredRegime RegimeType      `json:"requiredRegime,omitempty"`

	// Option fields, set when Instrument == InstrumentOption.
	OptionType  OptionType       `json:"optionType,omitempty"`
	Strike      decimal.Decimal  `json:"strike,omitempty"`
	Expiry      time.Time        `json:"expiry,omitempty"`
	CallSymbol  string           `json:"callSymbol,omitempty"`
	PutSymbol   string           `json:"putSymbol,omitempty"`
	CallStrike  decimal.Decimal  `json:"callStrike,omitempty"`
	PutStrike   decimal.Decimal  `json:"putStrike,omitempty"`
	TotalCredit decimal.Decimal  `json:"totalCredit,omitempty"`
	TotalDebit  decimal.Decimal  `json:"totalDebit,omitempty"`
	SimOnly     bool             `json:"simOnly,omitempty"`
	PackageType PackageType      `json:"packageType,omitempty"`
	PackageDir  PackageDirection `json:"packageDirection,omitempty"`

	Meta map[string]any `json:"meta,omitempty"`
}

// MultiLeg reports whether the intent carries both legs of a package.
func (t *TradeIntent) MultiLeg() bool {
	return t.CallSymbol != "" && t.PutSymbol != ""
}

// Position is an open single-leg position with entry attribution.
type Position struct {
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"` // signed
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	EntryTime      time.Time       `json:"entryTime"`
	EntryRegime    RegimeType      `json:"entryRegime"`
	EntryVolBucket VolatilityLevel `json:"entryVolBucket"`
	AgentID        string          `json:"agentId"`
	TakeProfitPct  float64         `json:"takeProfitPct"`
	StopLossPct    float64         `json:"stopLossPct"`
}

// RoundTripTrade is an immutable entry+exit pair with realized P&L.
type RoundTripTrade struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	AgentID          string          `json:"agentId"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	ExitPrice        decimal.Decimal `json:"exitPrice"`
	EntryTime        time.Time       `json:"entryTime"`
	ExitTime         time.Time       `json:"exitTime"`
	Duration         time.Duration   `json:"duration"`
	PnL              decimal.Decimal `json:"pnl"`
	PnLPct           decimal.Decimal `json:"pnlPct"`
	RegimeAtEntry    RegimeType      `json:"regimeAtEntry"`
	VolBucketAtEntry VolatilityLevel `json:"volBucketAtEntry"`
	Reason           string          `json:"reason"`
}

// LegFill tracks one leg of a package order.
type LegFill struct {
	Role          OptionType      `json:"role"`
	OptionSymbol  string          `json:"optionSymbol"`
	Strike        decimal.Decimal `json:"strike"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	FillTime      time.Time       `json:"fillTime"`
	BrokerOrderID string          `json:"brokerOrderId"`
	Status        LegStatus       `json:"status"`
}

// TotalCost is quantity x price x contract multiplier.
func (l *LegFill) TotalCost() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity))).Mul(decimal.NewFromInt(ContractMultiplier))
}

// MultiLegPosition is a two-legged option package treated as one unit.
// Once both legs are filled, mutation is limited to P&L marks and exit.
type MultiLegPosition struct {
	PackageID      string           `json:"packageId"`
	Symbol         string           `json:"symbol"`
	TradeType      PackageType      `json:"tradeType"`
	Direction      PackageDirection `json:"direction"`
	Quantity       int              `json:"quantity"`
	CallFill       *LegFill         `json:"callFill"`
	PutFill        *LegFill         `json:"putFill"`
	BothLegsFilled bool             `json:"bothLegsFilled"`
	NetPremium     decimal.Decimal  `json:"netPremium"` // credit if short, debit if long
	EntryIV        float64          `json:"entryIv"`
	EntryGEX       float64          `json:"entryGex"`
	EntryRegime    RegimeType       `json:"entryRegime"`
	EntryTime      time.Time        `json:"entryTime"`
	EntryBar       int64            `json:"entryBar"`
	State          PackageState     `json:"state"`
	SimOnly        bool             `json:"simOnly"`
	AgentID        string           `json:"agentId"`
}

// PackageID builds the deterministic package identifier.
func PackageID(symbol string, pt PackageType, dir PackageDirection, callStrike, putStrike decimal.Decimal, expiry time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s_%s",
		symbol, pt, dir,
		callStrike.StringFixed(2), putStrike.StringFixed(2),
		expiry.UTC().Format("060102"))
}

// MultiLegTrade is a closed multi-leg record.
type MultiLegTrade struct {
	PackageID      string           `json:"packageId"`
	Symbol         string           `json:"symbol"`
	AgentID        string           `json:"agentId"`
	TradeType      PackageType      `json:"tradeType"`
	Direction      PackageDirection `json:"direction"`
	Quantity       int              `json:"quantity"`
	EntryTime      time.Time        `json:"entryTime"`
	ExitTime       time.Time        `json:"exitTime"`
	CallEntryPrice decimal.Decimal  `json:"callEntryPrice"`
	CallExitPrice  decimal.Decimal  `json:"callExitPrice"`
	PutEntryPrice  decimal.Decimal  `json:"putEntryPrice"`
	PutExitPrice   decimal.Decimal  `json:"putExitPrice"`
	NetPremium     decimal.Decimal  `json:"netPremium"`
	CombinedPnL    decimal.Decimal  `json:"combinedPnl"`
	CombinedPnLPct decimal.Decimal  `json:"combinedPnlPct"`
	ExitReason     string           `json:"exitReason"`
}

// HedgePosition is the underlying hedge carried against one package.
// It back-references the package by id; it does not own it.
type HedgePosition struct {
	PackageID     string          `json:"packageId"`
	Symbol        string          `json:"symbol"`
	Shares        int64           `json:"shares"` // signed, negative = short
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	LastHedgeBar  int64           `json:"lastHedgeBar"`
	DailyTrades   int             `json:"dailyTrades"`
	DailyNotional decimal.Decimal `json:"dailyNotional"`
	DailyDate     string          `json:"dailyDate"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// LiveStatus is the /live/status response body.
type LiveStatus struct {
	Mode            Mode             `json:"mode"`
	IsRunning       bool             `json:"is_running"`
	IsPaused        bool             `json:"is_paused"`
	BarCount        int64            `json:"bar_count"`
	LastBarTime     *time.Time       `json:"last_bar_time,omitempty"`
	Error           string           `json:"error,omitempty"`
	StopReason      StopReason       `json:"stop_reason,omitempty"`
	BarsPerSymbol   map[string]int64 `json:"bars_per_symbol"`
	Symbols         []string         `json:"symbols"`
	DurationSeconds float64          `json:"duration_seconds"`
}
