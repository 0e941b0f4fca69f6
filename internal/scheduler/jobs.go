// Package scheduler wires the engine's periodic jobs: the execution
// tick, the weekly season review, and the quarterly forced rebalance.
// All three share the same tick body; they differ only in cadence and
// in whether the planner is forced.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
)

// Engine is the coordinator surface the jobs drive.
type Engine interface {
	Tick(now time.Time) (domain.TickReport, error)
	ForceRebalance(now time.Time) (domain.TickReport, error)
}

// BackupRunner is the optional daily database backup.
type BackupRunner interface {
	Run(now time.Time) error
}

// Config holds job cadences.
type Config struct {
	TickCadence time.Duration
	// Cron specs in the process-local timezone (KST in production).
	WeeklySpec    string // default: Monday 09:00
	QuarterlySpec string // default: 1st of Jan/Apr/Jul/Oct 09:00
	BackupSpec    string // default: daily 03:30
}

// DefaultConfig returns the production cadences.
func DefaultConfig(tickCadence time.Duration) Config {
	return Config{
		TickCadence:   tickCadence,
		WeeklySpec:    "0 9 * * 1",
		QuarterlySpec: "0 9 1 1,4,7,10 *",
		BackupSpec:    "30 3 * * *",
	}
}

// Jobs owns the cron runner.
type Jobs struct {
	engine Engine
	backup BackupRunner
	cfg    Config
	cron   *cron.Cron
	log    zerolog.Logger

	halted bool
}

// New creates the periodic job runner. backup may be nil.
func New(engine Engine, backup BackupRunner, cfg Config, log zerolog.Logger) *Jobs {
	return &Jobs{
		engine: engine,
		backup: backup,
		cfg:    cfg,
		cron:   cron.New(),
		log:    log.With().Str("component", "jobs").Logger(),
	}
}

// Start registers and starts all periodic jobs.
func (j *Jobs) Start() error {
	tickSpec := fmt.Sprintf("@every %s", j.cfg.TickCadence)
	if _, err := j.cron.AddFunc(tickSpec, j.runTick); err != nil {
		return fmt.Errorf("failed to register tick job: %w", err)
	}
	if _, err := j.cron.AddFunc(j.cfg.WeeklySpec, j.runTick); err != nil {
		return fmt.Errorf("failed to register weekly job: %w", err)
	}
	if _, err := j.cron.AddFunc(j.cfg.QuarterlySpec, j.runQuarterly); err != nil {
		return fmt.Errorf("failed to register quarterly job: %w", err)
	}
	if j.backup != nil {
		if _, err := j.cron.AddFunc(j.cfg.BackupSpec, j.runBackup); err != nil {
			return fmt.Errorf("failed to register backup job: %w", err)
		}
	}

	j.cron.Start()
	j.log.Info().
		Str("tick", tickSpec).
		Str("weekly", j.cfg.WeeklySpec).
		Str("quarterly", j.cfg.QuarterlySpec).
		Msg("Periodic jobs started")
	return nil
}

// Stop halts the cron runner and waits for a running job to finish.
func (j *Jobs) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.log.Info().Msg("Periodic jobs stopped")
}

// runTick executes one regular tick. A fatal scheduler error halts all
// further jobs; operator action is required.
func (j *Jobs) runTick() {
	if j.halted {
		return
	}
	report, err := j.engine.Tick(time.Now())
	j.afterRun(report, err)
}

// runQuarterly executes the forced quarterly rebalance.
func (j *Jobs) runQuarterly() {
	if j.halted {
		return
	}
	j.log.Info().Msg("Quarterly forced rebalance")
	report, err := j.engine.ForceRebalance(time.Now())
	j.afterRun(report, err)
}

func (j *Jobs) afterRun(report domain.TickReport, err error) {
	if err == nil {
		j.log.Debug().
			Str("action", string(report.Action)).
			Str("season", string(report.Season)).
			Msg("Tick completed")
		return
	}

	if domain.IsSchedulerFatal(err) {
		j.halted = true
		j.cron.Stop()
		j.log.Error().Err(err).Msg("Fatal scheduler error, periodic jobs halted; operator action required")
		return
	}
	j.log.Warn().Err(err).Msg("Tick failed, will retry on next cadence")
}

func (j *Jobs) runBackup() {
	if err := j.backup.Run(time.Now()); err != nil {
		j.log.Error().Err(err).Msg("Database backup failed")
	}
}
