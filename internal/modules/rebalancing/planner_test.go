package rebalancing

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbb100/kairos/internal/domain"
)

func portfolioOf(holdings map[domain.Asset]int64) domain.Portfolio {
	p := domain.Portfolio{Holdings: make(map[domain.Asset]domain.Holding)}
	for asset, value := range holdings {
		p.Holdings[asset] = domain.Holding{Asset: asset, ValueKRW: value}
		p.TotalKRW += value
	}
	return p
}

// Scenario A: season flip to risk-off produces BTC/ETH sells then
// XRP/SOL buys in priority order.
func TestPlanSeasonChangeScenario(t *testing.T) {
	planner := NewPlanner(10_000, zerolog.Nop())

	portfolio := portfolioOf(map[domain.Asset]int64{
		domain.KRW: 3_000_000,
		domain.BTC: 4_000_000,
		domain.ETH: 3_000_000,
	})
	targets := domain.TargetWeights{
		domain.KRW: 0.70,
		domain.BTC: 0.12,
		domain.ETH: 0.09,
		domain.XRP: 0.045,
		domain.SOL: 0.045,
	}

	plan := planner.Plan(portfolio, targets)
	require.Len(t, plan.Orders, 4)

	assert.Equal(t, domain.RebalanceOrder{Asset: domain.BTC, Side: domain.Sell, TotalKRW: 2_800_000}, plan.Orders[0])
	assert.Equal(t, domain.RebalanceOrder{Asset: domain.ETH, Side: domain.Sell, TotalKRW: 2_100_000}, plan.Orders[1])
	assert.Equal(t, domain.RebalanceOrder{Asset: domain.XRP, Side: domain.Buy, TotalKRW: 450_000}, plan.Orders[2])
	assert.Equal(t, domain.RebalanceOrder{Asset: domain.SOL, Side: domain.Buy, TotalKRW: 450_000}, plan.Orders[3])
}

func TestPlanEmptyPortfolio(t *testing.T) {
	planner := NewPlanner(10_000, zerolog.Nop())

	plan := planner.Plan(domain.Portfolio{}, domain.TargetWeights{domain.BTC: 0.5, domain.KRW: 0.5})
	assert.True(t, plan.Empty())
}

func TestPlanSkipsBelowMinNotional(t *testing.T) {
	planner := NewPlanner(10_000, zerolog.Nop())

	// 0.05% off target on a 10M portfolio -> 5,000 KRW delta, below min.
	portfolio := portfolioOf(map[domain.Asset]int64{
		domain.KRW: 6_995_000,
		domain.BTC: 3_005_000,
	})
	targets := domain.TargetWeights{domain.KRW: 0.70, domain.BTC: 0.30}

	plan := planner.Plan(portfolio, targets)
	assert.True(t, plan.Empty())
}

func TestPlanNeverOrdersKRW(t *testing.T) {
	planner := NewPlanner(10_000, zerolog.Nop())

	portfolio := portfolioOf(map[domain.Asset]int64{
		domain.KRW: 10_000_000,
	})
	targets := domain.TargetWeights{
		domain.KRW: 0.30,
		domain.BTC: 0.28, domain.ETH: 0.21, domain.XRP: 0.105, domain.SOL: 0.105,
	}

	plan := planner.Plan(portfolio, targets)
	require.NotEmpty(t, plan.Orders)
	for _, order := range plan.Orders {
		assert.NotEqual(t, domain.KRW, order.Asset)
		assert.Equal(t, domain.Buy, order.Side)
	}
}
