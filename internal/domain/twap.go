package domain

import (
	"time"
)

// ScheduleStatus is the lifecycle state of a TWAP schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleFailed    ScheduleStatus = "failed"
)

// OrderStatus is the lifecycle state of one TWAP order within a schedule.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderExecuting OrderStatus = "executing"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the order will never execute another slice.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed || s == OrderCancelled
}

// TwapOrder slices one rebalance order across time. Slice N (1-indexed)
// is due at StartAt + (N-1) x SliceInterval once slices 1..N-1 executed.
type TwapOrder struct {
	Asset            Asset
	Side             Side
	TotalKRW         int64
	SliceCount       int
	SliceNotionalKRW int64 // TotalKRW / SliceCount; the last slice absorbs the remainder
	SliceInterval    time.Duration
	StartAt          time.Time
	ExecutedSlices   int
	RemainingKRW     int64
	LastExecutionAt  *time.Time
	LastError        string
	Status           OrderStatus
	ExchangeOrderIDs []string
}

// NextSliceDueAt returns the due time of the next unexecuted slice.
func (o TwapOrder) NextSliceDueAt() time.Time {
	return o.StartAt.Add(time.Duration(o.ExecutedSlices) * o.SliceInterval)
}

// DueAt reports whether the next slice should execute at the given time.
// Terminal orders are never due.
func (o TwapOrder) DueAt(now time.Time) bool {
	if o.Status.Terminal() || o.ExecutedSlices >= o.SliceCount {
		return false
	}
	return !now.Before(o.NextSliceDueAt())
}

// NextSliceNotional returns the KRW notional of the next slice. The
// final slice takes whatever remains so the slice sum equals TotalKRW.
func (o TwapOrder) NextSliceNotional() int64 {
	if o.ExecutedSlices >= o.SliceCount-1 {
		return o.RemainingKRW
	}
	return o.SliceNotionalKRW
}

// IsLastSlice reports whether the next slice is the final one.
func (o TwapOrder) IsLastSlice() bool {
	return o.ExecutedSlices == o.SliceCount-1
}

// TwapSchedule is the durable unit of execution: one rebalance plan
// expanded into per-asset sliced orders, with the market state captured
// at creation for drift detection. At most one schedule is Active.
type TwapSchedule struct {
	ScheduleID       string
	CreatedAt        time.Time
	SeasonAtCreation Season
	TargetWeights    TargetWeights
	Orders           []TwapOrder
	Status           ScheduleStatus
	LastDriftCheckAt *time.Time
}

// ActiveOrderCount returns how many orders are still pending or executing.
func (s TwapSchedule) ActiveOrderCount() int {
	n := 0
	for i := range s.Orders {
		if !s.Orders[i].Status.Terminal() {
			n++
		}
	}
	return n
}

// AllOrdersTerminal reports whether every order reached a terminal state.
func (s TwapSchedule) AllOrdersTerminal() bool {
	return s.ActiveOrderCount() == 0
}

// FinalStatus derives the schedule-level terminal status from its
// orders: completed when at least one order completed, failed otherwise.
func (s TwapSchedule) FinalStatus() ScheduleStatus {
	for i := range s.Orders {
		if s.Orders[i].Status == OrderCompleted {
			return ScheduleCompleted
		}
	}
	return ScheduleFailed
}

// FailedAssets lists the assets whose orders terminally failed.
func (s TwapSchedule) FailedAssets() []Asset {
	var failed []Asset
	for i := range s.Orders {
		if s.Orders[i].Status == OrderFailed {
			failed = append(failed, s.Orders[i].Asset)
		}
	}
	return failed
}

// ExchangeOrderRef ties a placed exchange order back to its schedule
// and asset; kept for the cancel-on-replace sweep and recovery.
type ExchangeOrderRef struct {
	ScheduleID string
	Asset      Asset
	OrderID    string
	PlacedAt   time.Time
	FilledKRW  int64
	Status     string
}
