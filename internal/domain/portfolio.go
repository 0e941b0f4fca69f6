package domain

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// WeightTolerance is the allowed deviation when validating that a set
// of weights sums to 1.
const WeightTolerance = 1e-6

// Holding is one asset position valued in KRW.
// ValueKRW = Amount x last-trade price (KRW holds ValueKRW directly).
type Holding struct {
	Asset    Asset
	Amount   decimal.Decimal
	PriceKRW int64
	ValueKRW int64
}

// Portfolio is a point-in-time valuation of all holdings.
// It is rebuilt from the exchange on every planner invocation and never
// cached across ticks.
type Portfolio struct {
	TotalKRW int64
	Holdings map[Asset]Holding
}

// Weight returns the current weight of an asset, 0 when the portfolio
// is empty.
func (p Portfolio) Weight(a Asset) float64 {
	if p.TotalKRW <= 0 {
		return 0
	}
	h, ok := p.Holdings[a]
	if !ok {
		return 0
	}
	return float64(h.ValueKRW) / float64(p.TotalKRW)
}

// TargetWeights maps every asset (including KRW) to its target weight.
type TargetWeights map[Asset]float64

// Validate checks that every weight is within [0,1] and that the sum is
// 1 within WeightTolerance.
func (w TargetWeights) Validate() error {
	sum := 0.0
	for asset, weight := range w {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("weight out of range for %s: %f", asset, weight)
		}
		sum += weight
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("weights sum to %f, expected 1.0", sum)
	}
	return nil
}

// Equal reports whether two weight maps are identical within tolerance.
func (w TargetWeights) Equal(other TargetWeights) bool {
	if len(w) != len(other) {
		return false
	}
	for asset, weight := range w {
		if math.Abs(weight-other[asset]) > WeightTolerance {
			return false
		}
	}
	return true
}

// RebalanceOrder is one planned trade: move |TotalKRW| of an asset in
// the given direction. Only non-KRW assets appear in a plan.
type RebalanceOrder struct {
	Asset    Asset
	Side     Side
	TotalKRW int64
}

// RebalancePlan is the ordered list of trades produced by the planner.
// Sells come before buys; within each group, assets execute in
// rebalance-priority order.
type RebalancePlan struct {
	Orders   []RebalanceOrder
	TotalKRW int64 // portfolio total at planning time
}

// Empty reports whether the plan contains no orders.
func (p RebalancePlan) Empty() bool {
	return len(p.Orders) == 0
}

// SortOrders applies the canonical execution ordering in place:
// sells first, then buys, each group by ascending asset priority.
func SortOrders(orders []RebalanceOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Side != orders[j].Side {
			return orders[i].Side == Sell
		}
		return orders[i].Asset.RebalancePriority() < orders[j].Asset.RebalancePriority()
	})
}
