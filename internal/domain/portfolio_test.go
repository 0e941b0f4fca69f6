package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetWeightsValidate(t *testing.T) {
	valid := TargetWeights{BTC: 0.28, ETH: 0.21, XRP: 0.105, SOL: 0.105, KRW: 0.30}
	assert.NoError(t, valid.Validate())

	badSum := TargetWeights{BTC: 0.5, KRW: 0.4}
	assert.Error(t, badSum.Validate())

	outOfRange := TargetWeights{BTC: 1.2, KRW: -0.2}
	assert.Error(t, outOfRange.Validate())
}

func TestTargetWeightsEqual(t *testing.T) {
	a := TargetWeights{BTC: 0.28, KRW: 0.72}
	b := TargetWeights{BTC: 0.28 + 1e-9, KRW: 0.72 - 1e-9}
	c := TargetWeights{BTC: 0.32, KRW: 0.68}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestPortfolioWeight(t *testing.T) {
	p := Portfolio{
		TotalKRW: 10_000_000,
		Holdings: map[Asset]Holding{
			BTC: {Asset: BTC, ValueKRW: 4_000_000},
			KRW: {Asset: KRW, ValueKRW: 6_000_000},
		},
	}
	assert.InDelta(t, 0.4, p.Weight(BTC), 1e-9)
	assert.InDelta(t, 0.0, p.Weight(SOL), 1e-9)

	empty := Portfolio{}
	assert.Equal(t, 0.0, empty.Weight(BTC))
}

func TestSortOrdersSellsFirstThenPriority(t *testing.T) {
	orders := []RebalanceOrder{
		{Asset: SOL, Side: Buy, TotalKRW: 450_000},
		{Asset: ETH, Side: Sell, TotalKRW: 2_100_000},
		{Asset: XRP, Side: Buy, TotalKRW: 450_000},
		{Asset: BTC, Side: Sell, TotalKRW: 2_800_000},
	}
	SortOrders(orders)

	want := []Asset{BTC, ETH, XRP, SOL}
	for i, o := range orders {
		assert.Equal(t, want[i], o.Asset)
	}
	assert.Equal(t, Sell, orders[0].Side)
	assert.Equal(t, Sell, orders[1].Side)
	assert.Equal(t, Buy, orders[2].Side)
	assert.Equal(t, Buy, orders[3].Side)
}

func TestParseAssetRejectsUnknown(t *testing.T) {
	_, err := ParseAsset("DOGE")
	assert.Error(t, err)

	a, err := ParseAsset("BTC")
	assert.NoError(t, err)
	assert.Equal(t, BTC, a)
}
