// Package audit records one structured row per rebalance schedule:
// the portfolio before, the portfolio after, and the per-order outcome.
// The audit table is the engine's user-visible event log.
package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
)

// HoldingSnapshot is one holding in a portfolio snapshot.
type HoldingSnapshot struct {
	Amount   string `json:"amount"`
	PriceKRW int64  `json:"price_krw"`
	ValueKRW int64  `json:"value_krw"`
}

// PortfolioSnapshot is the serialized form of a portfolio valuation.
type PortfolioSnapshot struct {
	TotalKRW int64                      `json:"total_krw"`
	Holdings map[string]HoldingSnapshot `json:"holdings"`
}

// SnapshotOf converts a portfolio into its audit representation.
func SnapshotOf(p domain.Portfolio) PortfolioSnapshot {
	snap := PortfolioSnapshot{
		TotalKRW: p.TotalKRW,
		Holdings: make(map[string]HoldingSnapshot, len(p.Holdings)),
	}
	for asset, h := range p.Holdings {
		snap.Holdings[string(asset)] = HoldingSnapshot{
			Amount:   h.Amount.String(),
			PriceKRW: h.PriceKRW,
			ValueKRW: h.ValueKRW,
		}
	}
	return snap
}

// OrderOutcome is the terminal view of one TWAP order.
type OrderOutcome struct {
	Asset          string `json:"asset"`
	Side           string `json:"side"`
	TotalKRW       int64  `json:"total_krw"`
	ExecutedSlices int    `json:"executed_slices"`
	SliceCount     int    `json:"slice_count"`
	RemainingKRW   int64  `json:"remaining_krw"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
}

// Summary is the schedule-level outcome stored in the audit row.
type Summary struct {
	ScheduleStatus string         `json:"schedule_status"`
	Orders         []OrderOutcome `json:"orders"`
	FailedAssets   []string       `json:"failed_assets,omitempty"`
	DriftReasons   []string       `json:"drift_reasons,omitempty"`
}

// SummaryOf derives the audit summary from a terminal schedule.
func SummaryOf(s *domain.TwapSchedule, driftReasons []domain.DriftReason) Summary {
	summary := Summary{ScheduleStatus: string(s.Status)}
	for i := range s.Orders {
		o := &s.Orders[i]
		summary.Orders = append(summary.Orders, OrderOutcome{
			Asset:          string(o.Asset),
			Side:           string(o.Side),
			TotalKRW:       o.TotalKRW,
			ExecutedSlices: o.ExecutedSlices,
			SliceCount:     o.SliceCount,
			RemainingKRW:   o.RemainingKRW,
			Status:         string(o.Status),
			LastError:      o.LastError,
		})
	}
	for _, asset := range s.FailedAssets() {
		summary.FailedAssets = append(summary.FailedAssets, string(asset))
	}
	for _, reason := range driftReasons {
		summary.DriftReasons = append(summary.DriftReasons, string(reason))
	}
	return summary
}

// Record is one persisted audit row.
type Record struct {
	ScheduleID       string
	StartedAt        time.Time
	EndedAt          *time.Time
	InitialPortfolio PortfolioSnapshot
	FinalPortfolio   PortfolioSnapshot
	Summary          Summary
}

// Repository persists rebalance audit rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an audit repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "audit").Logger(),
	}
}

// Start opens the audit row for a schedule with its initial portfolio.
// The row survives a crash so the "before" snapshot is never lost.
func (r *Repository) Start(scheduleID string, startedAt time.Time, initial PortfolioSnapshot) error {
	initialJSON, err := json.Marshal(initial)
	if err != nil {
		return fmt.Errorf("failed to marshal initial portfolio: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO rebalance_audits (schedule_id, started_at, initial_portfolio)
		VALUES (?, ?, ?)
		ON CONFLICT(schedule_id) DO NOTHING
	`, scheduleID, startedAt.Unix(), string(initialJSON))
	if err != nil {
		return fmt.Errorf("failed to start audit for %s: %w", scheduleID, err)
	}
	return nil
}

// Finish completes the audit row with the final portfolio and the
// per-order outcome.
func (r *Repository) Finish(scheduleID string, endedAt time.Time, final PortfolioSnapshot, summary Summary) error {
	finalJSON, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("failed to marshal final portfolio: %w", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	result, err := r.db.Exec(`
		UPDATE rebalance_audits SET ended_at = ?, final_portfolio = ?, summary = ?
		WHERE schedule_id = ?
	`, endedAt.Unix(), string(finalJSON), string(summaryJSON), scheduleID)
	if err != nil {
		return fmt.Errorf("failed to finish audit for %s: %w", scheduleID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		r.log.Warn().Str("schedule_id", scheduleID).Msg("Finishing audit without a start row")
		_, err = r.db.Exec(`
			INSERT INTO rebalance_audits (schedule_id, started_at, ended_at, initial_portfolio, final_portfolio, summary)
			VALUES (?, ?, ?, '{}', ?, ?)
		`, scheduleID, endedAt.Unix(), endedAt.Unix(), string(finalJSON), string(summaryJSON))
		if err != nil {
			return fmt.Errorf("failed to insert audit for %s: %w", scheduleID, err)
		}
	}

	r.log.Info().Str("schedule_id", scheduleID).Msg("Rebalance audit recorded")
	return nil
}

// Get returns the audit row of one schedule, nil when absent.
func (r *Repository) Get(scheduleID string) (*Record, error) {
	row := r.db.QueryRow(`
		SELECT schedule_id, started_at, ended_at, initial_portfolio, final_portfolio, summary
		FROM rebalance_audits
		WHERE schedule_id = ?
	`, scheduleID)

	var rec Record
	var startedAt int64
	var endedAt sql.NullInt64
	var initialJSON, finalJSON, summaryJSON string
	err := row.Scan(&rec.ScheduleID, &startedAt, &endedAt, &initialJSON, &finalJSON, &summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit: %w", err)
	}

	rec.StartedAt = time.Unix(startedAt, 0).UTC()
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0).UTC()
		rec.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(initialJSON), &rec.InitialPortfolio); err != nil {
		return nil, fmt.Errorf("corrupt initial portfolio: %w", err)
	}
	if err := json.Unmarshal([]byte(finalJSON), &rec.FinalPortfolio); err != nil {
		return nil, fmt.Errorf("corrupt final portfolio: %w", err)
	}
	if err := json.Unmarshal([]byte(summaryJSON), &rec.Summary); err != nil {
		return nil, fmt.Errorf("corrupt summary: %w", err)
	}
	return &rec, nil
}
