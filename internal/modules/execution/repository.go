package execution

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/database"
	"github.com/jbb100/kairos/internal/domain"
)

// Repository persists TWAP schedules, their orders, and the exchange
// order references. SaveSchedule is atomic: a crash mid-write leaves
// either the previous or the new state.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a schedule repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "twap_schedule").Logger(),
	}
}

// SaveSchedule writes the schedule row and all order rows in one
// transaction, replacing any previous rows of the same schedule.
func (r *Repository) SaveSchedule(s *domain.TwapSchedule) error {
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		return saveScheduleTx(tx, s)
	})
	if err != nil {
		return fmt.Errorf("failed to save schedule %s: %w", s.ScheduleID, err)
	}
	return nil
}

func saveScheduleTx(tx *sql.Tx, s *domain.TwapSchedule) error {
	weights, err := json.Marshal(s.TargetWeights)
	if err != nil {
		return fmt.Errorf("failed to marshal target weights: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO twap_schedules (schedule_id, created_at, status, season, target_weights)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(schedule_id) DO UPDATE SET
			status = excluded.status,
			season = excluded.season,
			target_weights = excluded.target_weights
	`, s.ScheduleID, s.CreatedAt.Unix(), string(s.Status), string(s.SeasonAtCreation), string(weights)); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM twap_orders WHERE schedule_id = ?`, s.ScheduleID); err != nil {
		return err
	}

	for i := range s.Orders {
		o := &s.Orders[i]
		if _, err := tx.Exec(`
			INSERT INTO twap_orders
			(schedule_id, asset, side, total_krw, slice_count, slice_notional_krw,
			 slice_interval_s, start_at, executed_slices, remaining_krw,
			 last_execution_at, last_drift_check_at, last_error, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			s.ScheduleID, string(o.Asset), string(o.Side), o.TotalKRW, o.SliceCount,
			o.SliceNotionalKRW, int64(o.SliceInterval.Seconds()), o.StartAt.Unix(),
			o.ExecutedSlices, o.RemainingKRW,
			unixOrNil(o.LastExecutionAt), unixOrNil(s.LastDriftCheckAt), o.LastError, string(o.Status),
		); err != nil {
			return err
		}
	}

	return nil
}

// RecordExchangeOrder inserts one placed exchange order reference. It
// runs in its own small transaction so the order id reaches disk even
// when the process dies before the full schedule save.
func (r *Repository) RecordExchangeOrder(ref domain.ExchangeOrderRef) error {
	_, err := r.db.Exec(`
		INSERT INTO twap_exchange_orders (schedule_id, asset, order_id, placed_at, filled_krw, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(schedule_id, order_id) DO UPDATE SET
			filled_krw = excluded.filled_krw,
			status = excluded.status
	`, ref.ScheduleID, string(ref.Asset), ref.OrderID, ref.PlacedAt.Unix(), ref.FilledKRW, ref.Status)
	if err != nil {
		return fmt.Errorf("failed to record exchange order %s: %w", ref.OrderID, err)
	}
	return nil
}

// PersistSlice records a placed slice: the exchange order reference and
// the updated schedule, committed together.
func (r *Repository) PersistSlice(s *domain.TwapSchedule, ref domain.ExchangeOrderRef) error {
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO twap_exchange_orders (schedule_id, asset, order_id, placed_at, filled_krw, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(schedule_id, order_id) DO UPDATE SET
				filled_krw = excluded.filled_krw,
				status = excluded.status
		`, ref.ScheduleID, string(ref.Asset), ref.OrderID, ref.PlacedAt.Unix(), ref.FilledKRW, ref.Status); err != nil {
			return err
		}
		return saveScheduleTx(tx, s)
	})
	if err != nil {
		return fmt.Errorf("failed to persist slice for %s: %w", s.ScheduleID, err)
	}
	return nil
}

// UpdateExchangeOrder refreshes the fill accounting of one reference.
func (r *Repository) UpdateExchangeOrder(scheduleID, orderID string, filledKRW int64, status string) error {
	_, err := r.db.Exec(`
		UPDATE twap_exchange_orders SET filled_krw = ?, status = ?
		WHERE schedule_id = ? AND order_id = ?
	`, filledKRW, status, scheduleID, orderID)
	if err != nil {
		return fmt.Errorf("failed to update exchange order %s: %w", orderID, err)
	}
	return nil
}

// ListExchangeOrders returns the references of one schedule, oldest first.
func (r *Repository) ListExchangeOrders(scheduleID string) ([]domain.ExchangeOrderRef, error) {
	rows, err := r.db.Query(`
		SELECT schedule_id, asset, order_id, placed_at, filled_krw, status
		FROM twap_exchange_orders
		WHERE schedule_id = ?
		ORDER BY placed_at ASC, order_id ASC
	`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchange orders: %w", err)
	}
	defer rows.Close()

	var refs []domain.ExchangeOrderRef
	for rows.Next() {
		var ref domain.ExchangeOrderRef
		var asset string
		var placedAt int64
		if err := rows.Scan(&ref.ScheduleID, &asset, &ref.OrderID, &placedAt, &ref.FilledKRW, &ref.Status); err != nil {
			return nil, fmt.Errorf("failed to scan exchange order: %w", err)
		}
		parsed, err := domain.ParseAsset(asset)
		if err != nil {
			return nil, fmt.Errorf("corrupt exchange order row: %w", err)
		}
		ref.Asset = parsed
		ref.PlacedAt = time.Unix(placedAt, 0).UTC()
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// LoadActiveSchedule returns the single active schedule with its orders
// and exchange order ids, or nil when none is active.
func (r *Repository) LoadActiveSchedule() (*domain.TwapSchedule, error) {
	row := r.db.QueryRow(`
		SELECT schedule_id, created_at, status, season, target_weights
		FROM twap_schedules
		WHERE status = ?
	`, string(domain.ScheduleActive))

	var s domain.TwapSchedule
	var createdAt int64
	var status, seasonStr, weightsJSON string
	err := row.Scan(&s.ScheduleID, &createdAt, &status, &seasonStr, &weightsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active schedule: %w", err)
	}

	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.Status = domain.ScheduleStatus(status)
	season, err := domain.ParseSeason(seasonStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt schedule row: %w", err)
	}
	s.SeasonAtCreation = season
	if err := json.Unmarshal([]byte(weightsJSON), &s.TargetWeights); err != nil {
		return nil, fmt.Errorf("corrupt target weights for %s: %w", s.ScheduleID, err)
	}

	if err := r.loadOrders(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// loadOrders populates the schedule's orders and exchange order ids.
func (r *Repository) loadOrders(s *domain.TwapSchedule) error {
	rows, err := r.db.Query(`
		SELECT asset, side, total_krw, slice_count, slice_notional_krw,
		       slice_interval_s, start_at, executed_slices, remaining_krw,
		       last_execution_at, last_drift_check_at, last_error, status
		FROM twap_orders
		WHERE schedule_id = ?
		ORDER BY rowid ASC
	`, s.ScheduleID)
	if err != nil {
		return fmt.Errorf("failed to load orders for %s: %w", s.ScheduleID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var o domain.TwapOrder
		var asset, side, status string
		var intervalSeconds, startAt int64
		var lastExecution, lastDriftCheck sql.NullInt64
		if err := rows.Scan(&asset, &side, &o.TotalKRW, &o.SliceCount, &o.SliceNotionalKRW,
			&intervalSeconds, &startAt, &o.ExecutedSlices, &o.RemainingKRW,
			&lastExecution, &lastDriftCheck, &o.LastError, &status); err != nil {
			return fmt.Errorf("failed to scan order row: %w", err)
		}

		parsedAsset, err := domain.ParseAsset(asset)
		if err != nil {
			return fmt.Errorf("corrupt order row: %w", err)
		}
		parsedSide, err := domain.ParseSide(side)
		if err != nil {
			return fmt.Errorf("corrupt order row: %w", err)
		}
		o.Asset = parsedAsset
		o.Side = parsedSide
		o.SliceInterval = time.Duration(intervalSeconds) * time.Second
		o.StartAt = time.Unix(startAt, 0).UTC()
		o.Status = domain.OrderStatus(status)
		if lastExecution.Valid {
			t := time.Unix(lastExecution.Int64, 0).UTC()
			o.LastExecutionAt = &t
		}
		if lastDriftCheck.Valid {
			t := time.Unix(lastDriftCheck.Int64, 0).UTC()
			if s.LastDriftCheckAt == nil || t.After(*s.LastDriftCheckAt) {
				s.LastDriftCheckAt = &t
			}
		}
		s.Orders = append(s.Orders, o)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	refs, err := r.ListExchangeOrders(s.ScheduleID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		for i := range s.Orders {
			if s.Orders[i].Asset == ref.Asset {
				s.Orders[i].ExchangeOrderIDs = append(s.Orders[i].ExchangeOrderIDs, ref.OrderID)
			}
		}
	}

	return nil
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
