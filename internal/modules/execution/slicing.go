// Package execution contains the TWAP engine: slicing policy, the
// persistent schedule state machine, and crash recovery.
package execution

import (
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
)

const (
	// atrPeriod is the ATR lookback in daily bars.
	atrPeriod = 14
	// atrThreshold splits stable from volatile markets (fraction of price).
	atrThreshold = 0.05

	minSliceCount = 4
	maxSliceCount = 48

	volatilitySymbol = "BTCUSDT"
)

// Volatility is the regime the slicing policy keys on.
type Volatility string

const (
	VolatilityStable   Volatility = "stable"
	VolatilityVolatile Volatility = "volatile"
)

// SlicingParams are the execution parameters of one schedule.
type SlicingParams struct {
	ExecutionHours int
	SliceCount     int
	SliceInterval  time.Duration
}

// BarSource supplies daily OHLC bars for the volatility signal.
type BarSource interface {
	GetDailyBars(symbol string, limit int) ([]OHLCBar, error)
}

// OHLCBar is one daily bar.
type OHLCBar struct {
	High  float64
	Low   float64
	Close float64
}

// VolatilityProvider derives the relative ATR of BTC daily bars.
type VolatilityProvider struct {
	bars BarSource
	log  zerolog.Logger
}

// NewVolatilityProvider creates a volatility provider.
func NewVolatilityProvider(bars BarSource, log zerolog.Logger) *VolatilityProvider {
	return &VolatilityProvider{
		bars: bars,
		log:  log.With().Str("component", "volatility").Logger(),
	}
}

// RelativeATR returns ATR(14) of BTC daily bars as a fraction of the
// latest close. Failures fall back to the threshold itself, which maps
// to the stable (conservative slicing) regime.
func (v *VolatilityProvider) RelativeATR() float64 {
	bars, err := v.bars.GetDailyBars(volatilitySymbol, atrPeriod*3)
	if err != nil || len(bars) < atrPeriod+1 {
		v.log.Warn().Err(err).Int("bars", len(bars)).Msg("ATR source unavailable, using default volatility")
		return atrThreshold
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}

	atr := talib.Atr(highs, lows, closes, atrPeriod)
	last := atr[len(atr)-1]
	lastClose := closes[len(closes)-1]
	if last <= 0 || lastClose <= 0 {
		return atrThreshold
	}

	rel := last / lastClose
	v.log.Debug().Float64("relative_atr", rel).Msg("ATR computed")
	return rel
}

// ClassifyVolatility maps a relative ATR onto the volatility regime.
func ClassifyVolatility(relativeATR float64) Volatility {
	if relativeATR <= atrThreshold {
		return VolatilityStable
	}
	return VolatilityVolatile
}

// ComputeSlicing derives the slicing parameters for a schedule: the
// volatility regime selects the execution window, then the slice
// interval is aligned to the tick cadence and the count recomputed so
// count x interval still covers the window. Count is clamped to [4,48].
func ComputeSlicing(relativeATR float64, tickCadence time.Duration) SlicingParams {
	var executionHours, sliceCount int
	if ClassifyVolatility(relativeATR) == VolatilityStable {
		executionHours, sliceCount = 6, 12
	} else {
		executionHours, sliceCount = 24, 24
	}

	totalMinutes := executionHours * 60
	cadenceMinutes := int(tickCadence.Minutes())
	if cadenceMinutes < 1 {
		cadenceMinutes = 1
	}

	intervalMinutes := totalMinutes / sliceCount
	if intervalMinutes < cadenceMinutes {
		intervalMinutes = cadenceMinutes
	}

	sliceCount = totalMinutes / intervalMinutes
	if sliceCount < minSliceCount {
		sliceCount = minSliceCount
	}
	if sliceCount > maxSliceCount {
		sliceCount = maxSliceCount
	}

	return SlicingParams{
		ExecutionHours: executionHours,
		SliceCount:     sliceCount,
		SliceInterval:  time.Duration(intervalMinutes) * time.Minute,
	}
}
