// Package rebalancing diffs the current portfolio against target
// weights and produces an ordered trade plan. The planner never places
// orders.
package rebalancing

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
)

// Planner computes signed KRW deltas per asset, filtered by the
// minimum notional.
type Planner struct {
	minNotionalKRW int64
	log            zerolog.Logger
}

// NewPlanner creates a rebalance planner.
func NewPlanner(minNotionalKRW int64, log zerolog.Logger) *Planner {
	return &Planner{
		minNotionalKRW: minNotionalKRW,
		log:            log.With().Str("component", "planner").Logger(),
	}
}

// Plan returns the orders needed to move the portfolio to the target
// weights. KRW itself is never traded; its balance is the residual of
// the crypto orders. An empty portfolio yields an empty plan.
func (p *Planner) Plan(portfolio domain.Portfolio, targets domain.TargetWeights) domain.RebalancePlan {
	plan := domain.RebalancePlan{TotalKRW: portfolio.TotalKRW}

	if portfolio.TotalKRW <= 0 {
		p.log.Warn().Msg("Portfolio total is zero, returning empty plan")
		return plan
	}

	for asset, targetWeight := range targets {
		if asset == domain.KRW {
			continue
		}

		currentWeight := portfolio.Weight(asset)
		deltaKRW := int64(math.Round((targetWeight - currentWeight) * float64(portfolio.TotalKRW)))

		if abs64(deltaKRW) < p.minNotionalKRW {
			continue
		}

		side := domain.Buy
		if deltaKRW < 0 {
			side = domain.Sell
		}
		plan.Orders = append(plan.Orders, domain.RebalanceOrder{
			Asset:    asset,
			Side:     side,
			TotalKRW: abs64(deltaKRW),
		})
	}

	domain.SortOrders(plan.Orders)

	p.log.Info().
		Int("orders", len(plan.Orders)).
		Int64("total_krw", portfolio.TotalKRW).
		Msg("Rebalance plan computed")

	return plan
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
