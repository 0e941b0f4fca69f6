package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestComputeSlicingStableVol(t *testing.T) {
	// Scenario B: 3% vol at 15-min cadence -> 6h window, 12 slices of 30 min.
	params := ComputeSlicing(0.03, 15*time.Minute)

	assert.Equal(t, 6, params.ExecutionHours)
	assert.Equal(t, 12, params.SliceCount)
	assert.Equal(t, 30*time.Minute, params.SliceInterval)
}

func TestComputeSlicingVolatile(t *testing.T) {
	params := ComputeSlicing(0.08, 15*time.Minute)

	assert.Equal(t, 24, params.ExecutionHours)
	assert.Equal(t, 24, params.SliceCount)
	assert.Equal(t, time.Hour, params.SliceInterval)
}

func TestComputeSlicingAlignsToCadence(t *testing.T) {
	// A 90-min cadence dominates the natural 30-min interval:
	// 360 / 90 = 4 slices.
	params := ComputeSlicing(0.03, 90*time.Minute)

	assert.Equal(t, 4, params.SliceCount)
	assert.Equal(t, 90*time.Minute, params.SliceInterval)
}

func TestComputeSlicingClampsBounds(t *testing.T) {
	// An extreme cadence would yield 0 slices; the floor is 4.
	params := ComputeSlicing(0.03, 10*time.Hour)
	assert.Equal(t, minSliceCount, params.SliceCount)

	// A 1-minute cadence keeps the 30-minute interval (12 slices),
	// within the ceiling of 48.
	params = ComputeSlicing(0.03, time.Minute)
	assert.LessOrEqual(t, params.SliceCount, maxSliceCount)
}

func TestClassifyVolatilityBoundary(t *testing.T) {
	// The threshold itself is stable (<=).
	assert.Equal(t, VolatilityStable, ClassifyVolatility(0.05))
	assert.Equal(t, VolatilityVolatile, ClassifyVolatility(0.0501))
}

type fakeBars struct {
	bars []OHLCBar
	err  error
}

func (f *fakeBars) GetDailyBars(symbol string, limit int) ([]OHLCBar, error) {
	return f.bars, f.err
}

func TestRelativeATRFallsBackOnError(t *testing.T) {
	provider := NewVolatilityProvider(&fakeBars{err: errors.New("down")}, zerolog.Nop())
	assert.InDelta(t, atrThreshold, provider.RelativeATR(), 1e-12)
}

func TestRelativeATRComputes(t *testing.T) {
	// Constant 2% daily range around a 100 close.
	bars := make([]OHLCBar, 42)
	for i := range bars {
		bars[i] = OHLCBar{High: 101, Low: 99, Close: 100}
	}
	provider := NewVolatilityProvider(&fakeBars{bars: bars}, zerolog.Nop())

	rel := provider.RelativeATR()
	assert.InDelta(t, 0.02, rel, 1e-6)
	assert.Equal(t, VolatilityStable, ClassifyVolatility(rel))
}
