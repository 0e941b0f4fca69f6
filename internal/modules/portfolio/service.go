package portfolio

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jbb100/kairos/internal/domain"
)

// Service values the account in KRW. A fresh portfolio is built on
// every call; valuations are never cached across ticks.
type Service struct {
	adapter domain.ExchangeAdapter
	log     zerolog.Logger
}

// NewService creates a portfolio valuation service.
func NewService(adapter domain.ExchangeAdapter, log zerolog.Logger) *Service {
	return &Service{
		adapter: adapter,
		log:     log.With().Str("component", "portfolio").Logger(),
	}
}

// Snapshot fetches balances and prices and values every portfolio
// asset. Assets with zero balance still appear with zero value so the
// planner sees the full universe.
func (s *Service) Snapshot() (domain.Portfolio, error) {
	balances, err := s.adapter.GetBalances()
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("failed to fetch balances: %w", err)
	}

	holdings := make(map[domain.Asset]domain.Holding, len(domain.AllAssets))
	var totalKRW int64

	for _, asset := range domain.AllAssets {
		amount := balances[asset]

		if asset == domain.KRW {
			value := amount.IntPart()
			holdings[asset] = domain.Holding{
				Asset:    asset,
				Amount:   amount,
				PriceKRW: 1,
				ValueKRW: value,
			}
			totalKRW += value
			continue
		}

		var priceKRW int64 = 0
		var valueKRW int64 = 0
		if amount.IsPositive() {
			priceKRW, err = s.adapter.GetLastPrice(asset)
			if err != nil {
				return domain.Portfolio{}, fmt.Errorf("failed to price %s: %w", asset, err)
			}
			valueKRW = amount.Mul(decimal.NewFromInt(priceKRW)).IntPart()
		}

		holdings[asset] = domain.Holding{
			Asset:    asset,
			Amount:   amount,
			PriceKRW: priceKRW,
			ValueKRW: valueKRW,
		}
		totalKRW += valueKRW
	}

	s.log.Debug().Int64("total_krw", totalKRW).Msg("Portfolio valued")

	return domain.Portfolio{
		TotalKRW: totalKRW,
		Holdings: holdings,
	}, nil
}
