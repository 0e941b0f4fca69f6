package season

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/jbb100/kairos/internal/domain"
)

const (
	// maWindow is the number of weekly closes in the moving average.
	maWindow = 200
	// historyRequest asks for a little slack over the window so a
	// partial current week does not starve the calculation.
	historyRequest = 210
	// maCacheMaxAge bounds how stale a cached MA may be when the
	// upstream source is down.
	maCacheMaxAge = 24 * time.Hour

	btcHistorySymbol = "BTCUSDT"
	maCacheKey       = "BTC"
)

// KlineSource supplies long-horizon weekly closes (USD-denominated).
type KlineSource interface {
	GetWeeklyCloses(symbol string, limit int) ([]float64, error)
}

// RateSource supplies currency conversion rates.
type RateSource interface {
	GetRate(fromCurrency, toCurrency string) (float64, error)
}

// HistoryProvider computes the BTC 200-week moving average in KRW,
// caching one value per calendar day.
type HistoryProvider struct {
	klines KlineSource
	rates  RateSource
	repo   *Repository
	log    zerolog.Logger
}

// NewHistoryProvider creates a history provider.
func NewHistoryProvider(klines KlineSource, rates RateSource, repo *Repository, log zerolog.Logger) *HistoryProvider {
	return &HistoryProvider{
		klines: klines,
		rates:  rates,
		repo:   repo,
		log:    log.With().Str("component", "history_provider").Logger(),
	}
}

// BTCMA200W returns the 200-week simple moving average of BTC weekly
// closes in KRW. The value is computed at most once per calendar day;
// on upstream failure a cached value no older than 24 hours is served,
// otherwise ErrHistoryUnavailable.
func (p *HistoryProvider) BTCMA200W(now time.Time) (int64, error) {
	day := now.UTC().Format("2006-01-02")

	cached, err := p.repo.LoadMACache(maCacheKey)
	if err != nil {
		return 0, err
	}
	if cached != nil && cached.CalendarDay == day {
		return cached.ValueKRW, nil
	}

	ma, computeErr := p.compute()
	if computeErr != nil {
		if cached != nil && now.Sub(cached.ComputedAt) <= maCacheMaxAge {
			p.log.Warn().
				Err(computeErr).
				Int64("ma_krw", cached.ValueKRW).
				Str("cached_day", cached.CalendarDay).
				Msg("History source failed, serving cached MA")
			return cached.ValueKRW, nil
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrHistoryUnavailable, computeErr)
	}

	if err := p.repo.StoreMACache(MACacheEntry{
		Symbol:      maCacheKey,
		CalendarDay: day,
		ValueKRW:    ma,
		ComputedAt:  now,
	}); err != nil {
		// A cache write failure only costs a recomputation tomorrow.
		p.log.Warn().Err(err).Msg("Failed to store MA cache")
	}

	p.log.Info().Int64("ma_krw", ma).Msg("BTC 200-week MA computed")
	return ma, nil
}

// compute fetches weekly closes and averages the last maWindow in KRW.
func (p *HistoryProvider) compute() (int64, error) {
	closes, err := p.klines.GetWeeklyCloses(btcHistorySymbol, historyRequest)
	if err != nil {
		return 0, err
	}
	if len(closes) < maWindow {
		return 0, fmt.Errorf("insufficient history: %d weekly closes, need %d", len(closes), maWindow)
	}

	rate, err := p.rates.GetRate("USD", "KRW")
	if err != nil {
		return 0, fmt.Errorf("failed to get USD/KRW rate: %w", err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("invalid USD/KRW rate: %f", rate)
	}

	window := closes[len(closes)-maWindow:]
	meanUSD := stat.Mean(window, nil)
	ma := int64(meanUSD * rate)
	if ma <= 0 {
		return 0, fmt.Errorf("computed MA is non-positive: %d", ma)
	}
	return ma, nil
}
