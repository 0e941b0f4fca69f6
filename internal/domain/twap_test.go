package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwapOrderDueAt(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	order := TwapOrder{
		Asset:            BTC,
		Side:             Sell,
		TotalKRW:         1_200_000,
		SliceCount:       12,
		SliceNotionalKRW: 100_000,
		SliceInterval:    30 * time.Minute,
		StartAt:          start,
		RemainingKRW:     1_200_000,
		Status:           OrderPending,
	}

	// First slice is due exactly at start_at.
	assert.False(t, order.DueAt(start.Add(-time.Second)))
	assert.True(t, order.DueAt(start))

	// After two executed slices the third is due at start + 2 intervals.
	order.ExecutedSlices = 2
	order.Status = OrderExecuting
	assert.False(t, order.DueAt(start.Add(59*time.Minute)))
	assert.True(t, order.DueAt(start.Add(60*time.Minute)))
}

func TestTwapOrderDueAtNeverForTerminal(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for _, status := range []OrderStatus{OrderCompleted, OrderFailed, OrderCancelled} {
		order := TwapOrder{
			SliceCount:    4,
			SliceInterval: 15 * time.Minute,
			StartAt:       start,
			Status:        status,
		}
		assert.False(t, order.DueAt(start.Add(24*time.Hour)), "status %s", status)
	}
}

func TestNextSliceNotionalLastSliceTakesResidual(t *testing.T) {
	order := TwapOrder{
		TotalKRW:         1_000_000,
		SliceCount:       3,
		SliceNotionalKRW: 333_333,
		RemainingKRW:     333_334,
		ExecutedSlices:   2,
		Status:           OrderExecuting,
	}
	require.True(t, order.IsLastSlice())
	assert.Equal(t, int64(333_334), order.NextSliceNotional())

	// Sum of all slices equals the original notional.
	total := order.SliceNotionalKRW*int64(order.SliceCount-1) + order.NextSliceNotional()
	assert.Equal(t, order.TotalKRW, total)
}

func TestScheduleFinalStatus(t *testing.T) {
	sched := TwapSchedule{
		Orders: []TwapOrder{
			{Asset: BTC, Status: OrderCompleted},
			{Asset: ETH, Status: OrderFailed},
		},
	}
	assert.Equal(t, ScheduleCompleted, sched.FinalStatus())
	assert.Equal(t, []Asset{ETH}, sched.FailedAssets())

	allFailed := TwapSchedule{
		Orders: []TwapOrder{
			{Asset: BTC, Status: OrderFailed},
			{Asset: ETH, Status: OrderFailed},
		},
	}
	assert.Equal(t, ScheduleFailed, allFailed.FinalStatus())
}

func TestActiveOrderCount(t *testing.T) {
	sched := TwapSchedule{
		Orders: []TwapOrder{
			{Status: OrderPending},
			{Status: OrderExecuting},
			{Status: OrderCompleted},
			{Status: OrderCancelled},
		},
	}
	assert.Equal(t, 2, sched.ActiveOrderCount())
	assert.False(t, sched.AllOrdersTerminal())
}
