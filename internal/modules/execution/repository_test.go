package execution

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbb100/kairos/internal/database"
	"github.com/jbb100/kairos/internal/domain"
)

func setupTestRepo(t *testing.T) *Repository {
	db, err := database.New(database.Config{Path: "file::memory:", Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	return NewRepository(db.Conn(), zerolog.Nop())
}

func sampleSchedule(now time.Time) *domain.TwapSchedule {
	execAt := now.Add(30 * time.Minute)
	return &domain.TwapSchedule{
		ScheduleID:       "11111111-2222-3333-4444-555555555555",
		CreatedAt:        now,
		SeasonAtCreation: domain.SeasonRiskOff,
		TargetWeights: domain.TargetWeights{
			domain.BTC: 0.12, domain.ETH: 0.09, domain.XRP: 0.045, domain.SOL: 0.045, domain.KRW: 0.70,
		},
		Status: domain.ScheduleActive,
		Orders: []domain.TwapOrder{
			{
				Asset: domain.BTC, Side: domain.Sell, TotalKRW: 2_800_000,
				SliceCount: 12, SliceNotionalKRW: 233_333, SliceInterval: 30 * time.Minute,
				StartAt: now, ExecutedSlices: 2, RemainingKRW: 2_333_334,
				LastExecutionAt: &execAt, Status: domain.OrderExecuting,
			},
			{
				Asset: domain.XRP, Side: domain.Buy, TotalKRW: 450_000,
				SliceCount: 12, SliceNotionalKRW: 37_500, SliceInterval: 30 * time.Minute,
				StartAt: now, RemainingKRW: 450_000, Status: domain.OrderPending,
			},
		},
	}
}

func TestSaveAndLoadScheduleRoundTrip(t *testing.T) {
	repo := setupTestRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sched := sampleSchedule(now)

	require.NoError(t, repo.SaveSchedule(sched))
	require.NoError(t, repo.RecordExchangeOrder(domain.ExchangeOrderRef{
		ScheduleID: sched.ScheduleID, Asset: domain.BTC, OrderID: "ex-1",
		PlacedAt: now, FilledKRW: 233_333, Status: domain.ExchangeOrderFilled,
	}))
	require.NoError(t, repo.RecordExchangeOrder(domain.ExchangeOrderRef{
		ScheduleID: sched.ScheduleID, Asset: domain.BTC, OrderID: "ex-2",
		PlacedAt: now.Add(30 * time.Minute), FilledKRW: 233_333, Status: domain.ExchangeOrderFilled,
	}))

	loaded, err := repo.LoadActiveSchedule()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, sched.ScheduleID, loaded.ScheduleID)
	assert.Equal(t, sched.CreatedAt, loaded.CreatedAt)
	assert.Equal(t, sched.SeasonAtCreation, loaded.SeasonAtCreation)
	assert.True(t, sched.TargetWeights.Equal(loaded.TargetWeights))
	require.Len(t, loaded.Orders, 2)

	btc := loaded.Orders[0]
	assert.Equal(t, domain.BTC, btc.Asset)
	assert.Equal(t, domain.Sell, btc.Side)
	assert.Equal(t, int64(2_800_000), btc.TotalKRW)
	assert.Equal(t, 2, btc.ExecutedSlices)
	assert.Equal(t, int64(2_333_334), btc.RemainingKRW)
	assert.Equal(t, 30*time.Minute, btc.SliceInterval)
	require.NotNil(t, btc.LastExecutionAt)
	assert.Equal(t, now.Add(30*time.Minute), *btc.LastExecutionAt)
	assert.Equal(t, []string{"ex-1", "ex-2"}, btc.ExchangeOrderIDs)

	xrp := loaded.Orders[1]
	assert.Equal(t, domain.OrderPending, xrp.Status)
	assert.Empty(t, xrp.ExchangeOrderIDs)
}

func TestLoadActiveScheduleNone(t *testing.T) {
	repo := setupTestRepo(t)

	loaded, err := repo.LoadActiveSchedule()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveScheduleIsUpsert(t *testing.T) {
	repo := setupTestRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sched := sampleSchedule(now)

	require.NoError(t, repo.SaveSchedule(sched))

	sched.Orders[0].ExecutedSlices = 5
	sched.Orders[0].RemainingKRW = 1_633_335
	require.NoError(t, repo.SaveSchedule(sched))

	loaded, err := repo.LoadActiveSchedule()
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Orders[0].ExecutedSlices)
	assert.Equal(t, int64(1_633_335), loaded.Orders[0].RemainingKRW)
}

func TestCancelledScheduleNotLoadedAsActive(t *testing.T) {
	repo := setupTestRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sched := sampleSchedule(now)
	sched.Status = domain.ScheduleCancelled

	require.NoError(t, repo.SaveSchedule(sched))

	loaded, err := repo.LoadActiveSchedule()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
