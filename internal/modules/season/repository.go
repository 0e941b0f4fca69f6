package season

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
)

// Repository handles season history and the MA cache.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a season repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "season").Logger(),
	}
}

// AppendSeasonRecord appends one classifier observation to the log.
func (r *Repository) AppendSeasonRecord(record domain.SeasonRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO season_history (at, season, btc_price, btc_ma_200w)
		VALUES (?, ?, ?, ?)
	`, record.At.Unix(), string(record.Season), record.BTCPrice, record.BTCMA200W)
	if err != nil {
		return fmt.Errorf("failed to append season record: %w", err)
	}

	r.log.Info().
		Str("season", string(record.Season)).
		Int64("btc_price", record.BTCPrice).
		Int64("btc_ma_200w", record.BTCMA200W).
		Msg("Season record appended")

	return nil
}

// LatestSeasonRecord returns the most recent season record, or nil when
// the log is empty.
func (r *Repository) LatestSeasonRecord() (*domain.SeasonRecord, error) {
	row := r.db.QueryRow(`
		SELECT at, season, btc_price, btc_ma_200w FROM season_history
		ORDER BY at DESC, id DESC
		LIMIT 1
	`)

	var at int64
	var seasonStr string
	var record domain.SeasonRecord
	err := row.Scan(&at, &seasonStr, &record.BTCPrice, &record.BTCMA200W)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest season record: %w", err)
	}

	season, err := domain.ParseSeason(seasonStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt season record: %w", err)
	}
	record.At = time.Unix(at, 0).UTC()
	record.Season = season
	return &record, nil
}

// MACacheEntry is a cached moving average value for one symbol.
type MACacheEntry struct {
	Symbol      string
	CalendarDay string // YYYY-MM-DD
	ValueKRW    int64
	ComputedAt  time.Time
}

// LoadMACache returns the cached MA for a symbol, or nil when absent.
func (r *Repository) LoadMACache(symbol string) (*MACacheEntry, error) {
	row := r.db.QueryRow(`
		SELECT symbol, calendar_day, value_krw, computed_at FROM ma_cache
		WHERE symbol = ?
	`, symbol)

	var entry MACacheEntry
	var computedAt int64
	err := row.Scan(&entry.Symbol, &entry.CalendarDay, &entry.ValueKRW, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load MA cache: %w", err)
	}

	entry.ComputedAt = time.Unix(computedAt, 0).UTC()
	return &entry, nil
}

// StoreMACache upserts the cached MA for a symbol.
func (r *Repository) StoreMACache(entry MACacheEntry) error {
	_, err := r.db.Exec(`
		INSERT INTO ma_cache (symbol, calendar_day, value_krw, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			calendar_day = excluded.calendar_day,
			value_krw = excluded.value_krw,
			computed_at = excluded.computed_at
	`, entry.Symbol, entry.CalendarDay, entry.ValueKRW, entry.ComputedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store MA cache: %w", err)
	}
	return nil
}
