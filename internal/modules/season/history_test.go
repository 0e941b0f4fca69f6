package season

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/jbb100/kairos/internal/domain"
)

type fakeKlines struct {
	closes []float64
	err    error
	calls  int
}

func (f *fakeKlines) GetWeeklyCloses(symbol string, limit int) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.closes, nil
}

type fixedRate struct{ rate float64 }

func (f fixedRate) GetRate(from, to string) (float64, error) { return f.rate, nil }

func setupSeasonDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE season_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			season TEXT NOT NULL,
			btc_price INTEGER NOT NULL,
			btc_ma_200w INTEGER NOT NULL
		);
		CREATE TABLE ma_cache (
			symbol TEXT PRIMARY KEY,
			calendar_day TEXT NOT NULL,
			value_krw INTEGER NOT NULL,
			computed_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func weeklyCloses(n int, value float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = value
	}
	return closes
}

func TestBTCMA200WComputesAndCaches(t *testing.T) {
	db := setupSeasonDB(t)
	repo := NewRepository(db, zerolog.Nop())
	klines := &fakeKlines{closes: weeklyCloses(210, 35_000)} // flat 35k USD
	provider := NewHistoryProvider(klines, fixedRate{rate: 1400}, repo, zerolog.Nop())

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ma, err := provider.BTCMA200W(now)
	require.NoError(t, err)
	assert.Equal(t, int64(35_000*1400), ma) // 49,000,000 KRW

	// Same calendar day: served from cache, no refetch.
	_, err = provider.BTCMA200W(now.Add(3 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, klines.calls)

	// Next day recomputes.
	_, err = provider.BTCMA200W(now.Add(25 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, klines.calls)
}

func TestBTCMA200WServesStaleCacheOnFailure(t *testing.T) {
	db := setupSeasonDB(t)
	repo := NewRepository(db, zerolog.Nop())

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.StoreMACache(MACacheEntry{
		Symbol:      maCacheKey,
		CalendarDay: "2026-03-01", // yesterday
		ValueKRW:    48_000_000,
		ComputedAt:  now.Add(-10 * time.Hour),
	}))

	klines := &fakeKlines{err: errors.New("upstream down")}
	provider := NewHistoryProvider(klines, fixedRate{rate: 1400}, repo, zerolog.Nop())

	ma, err := provider.BTCMA200W(now)
	require.NoError(t, err)
	assert.Equal(t, int64(48_000_000), ma)
}

func TestBTCMA200WUnavailableWhenCacheTooOld(t *testing.T) {
	db := setupSeasonDB(t)
	repo := NewRepository(db, zerolog.Nop())

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.StoreMACache(MACacheEntry{
		Symbol:      maCacheKey,
		CalendarDay: "2026-02-27",
		ValueKRW:    48_000_000,
		ComputedAt:  now.Add(-48 * time.Hour),
	}))

	klines := &fakeKlines{err: errors.New("upstream down")}
	provider := NewHistoryProvider(klines, fixedRate{rate: 1400}, repo, zerolog.Nop())

	_, err := provider.BTCMA200W(now)
	assert.ErrorIs(t, err, domain.ErrHistoryUnavailable)
}

func TestBTCMA200WInsufficientHistory(t *testing.T) {
	db := setupSeasonDB(t)
	repo := NewRepository(db, zerolog.Nop())
	klines := &fakeKlines{closes: weeklyCloses(120, 35_000)}
	provider := NewHistoryProvider(klines, fixedRate{rate: 1400}, repo, zerolog.Nop())

	_, err := provider.BTCMA200W(time.Now())
	assert.ErrorIs(t, err, domain.ErrHistoryUnavailable)
}

func TestSeasonRecordRoundTrip(t *testing.T) {
	db := setupSeasonDB(t)
	repo := NewRepository(db, zerolog.Nop())

	latest, err := repo.LatestSeasonRecord()
	require.NoError(t, err)
	assert.Nil(t, latest)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AppendSeasonRecord(domain.SeasonRecord{
		At: at, Season: domain.SeasonRiskOn, BTCPrice: 55_000_000, BTCMA200W: 50_000_000,
	}))
	require.NoError(t, repo.AppendSeasonRecord(domain.SeasonRecord{
		At: at.Add(time.Hour), Season: domain.SeasonRiskOff, BTCPrice: 45_000_000, BTCMA200W: 50_000_000,
	}))

	latest, err = repo.LatestSeasonRecord()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, domain.SeasonRiskOff, latest.Season)
	assert.Equal(t, int64(45_000_000), latest.BTCPrice)
	assert.Equal(t, at.Add(time.Hour), latest.At)
}
