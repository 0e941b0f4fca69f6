// Package coordinator is the single operational entry point of the
// engine. A periodic tick observes the market season, resolves targets,
// and either starts, advances, or replaces the TWAP schedule.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
	"github.com/jbb100/kairos/internal/events"
	"github.com/jbb100/kairos/internal/modules/audit"
	"github.com/jbb100/kairos/internal/modules/execution"
	"github.com/jbb100/kairos/internal/modules/portfolio"
	"github.com/jbb100/kairos/internal/modules/rebalancing"
	"github.com/jbb100/kairos/internal/modules/season"
)

// HistorySource supplies the BTC 200-week moving average in KRW.
type HistorySource interface {
	BTCMA200W(now time.Time) (int64, error)
}

// Coordinator owns the tick body. It is single-threaded by contract:
// two ticks never run concurrently, and only the coordinator mutates
// scheduler state.
type Coordinator struct {
	adapter      domain.ExchangeAdapter
	portfolioSvc *portfolio.Service
	history      HistorySource
	classifier   *season.Classifier
	resolver     *portfolio.TargetResolver
	planner      *rebalancing.Planner
	scheduler    *execution.Scheduler
	seasonRepo   *season.Repository
	auditRepo    *audit.Repository
	bus          *events.Bus
	log          zerolog.Logger

	// tickMu serializes ticks across callers (cron, HTTP). Two ticks
	// never run concurrently.
	tickMu sync.Mutex
}

// New wires a coordinator from its collaborators.
func New(
	adapter domain.ExchangeAdapter,
	portfolioSvc *portfolio.Service,
	history HistorySource,
	classifier *season.Classifier,
	resolver *portfolio.TargetResolver,
	planner *rebalancing.Planner,
	scheduler *execution.Scheduler,
	seasonRepo *season.Repository,
	auditRepo *audit.Repository,
	bus *events.Bus,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		adapter:      adapter,
		portfolioSvc: portfolioSvc,
		history:      history,
		classifier:   classifier,
		resolver:     resolver,
		planner:      planner,
		scheduler:    scheduler,
		seasonRepo:   seasonRepo,
		auditRepo:    auditRepo,
		bus:          bus,
		log:          log.With().Str("component", "coordinator").Logger(),
	}
}

// Recover reconciles persisted execution state on startup.
func (c *Coordinator) Recover(now time.Time) error {
	return c.scheduler.Recover(now)
}

// Tick runs one pass of the engine: observe season, resolve targets,
// and drive the schedule. Aborted ticks (price or history unavailable)
// change no state and retry on the next invocation.
func (c *Coordinator) Tick(now time.Time) (domain.TickReport, error) {
	return c.run(now, false)
}

// ForceRebalance is a tick that replaces any active schedule and
// invokes the planner regardless of drift detection.
func (c *Coordinator) ForceRebalance(now time.Time) (domain.TickReport, error) {
	return c.run(now, true)
}

// Status returns a read-only snapshot of the scheduler.
func (c *Coordinator) Status(now time.Time) domain.SchedulerStatus {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.scheduler.Status(now)
}

func (c *Coordinator) run(now time.Time, force bool) (domain.TickReport, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	report := domain.TickReport{At: now, Action: domain.TickNoop}

	// Observe the market season.
	btcPrice, err := c.adapter.GetLastPrice(domain.BTC)
	if err != nil {
		return c.abort(report, fmt.Errorf("tick aborted: %w", err))
	}
	ma, err := c.history.BTCMA200W(now)
	if err != nil {
		return c.abort(report, fmt.Errorf("tick aborted: %w", err))
	}

	lastRecord, err := c.seasonRepo.LatestSeasonRecord()
	if err != nil {
		return report, domain.NewSchedulerFatal("read season history", err)
	}
	var previous *domain.Season
	if lastRecord != nil {
		previous = &lastRecord.Season
	}

	currentSeason := c.classifier.Classify(btcPrice, ma, previous)
	targets, err := c.resolver.Resolve(currentSeason)
	if err != nil {
		return report, domain.NewSchedulerFatal("resolve targets", err)
	}

	report.Season = currentSeason
	report.BTCPrice = btcPrice
	report.BTCMA200W = ma

	// Value the account fresh for this tick, before any state is written.
	snapshot, err := c.portfolioSvc.Snapshot()
	if err != nil {
		return c.abort(report, fmt.Errorf("tick aborted: %w", err))
	}

	seasonChanged := lastRecord != nil && lastRecord.Season != currentSeason
	if lastRecord == nil || seasonChanged {
		if err := c.seasonRepo.AppendSeasonRecord(domain.SeasonRecord{
			At: now, Season: currentSeason, BTCPrice: btcPrice, BTCMA200W: ma,
		}); err != nil {
			return report, domain.NewSchedulerFatal("append season record", err)
		}
	}
	report.SeasonChanged = seasonChanged

	if c.scheduler.Active() != nil {
		return c.driveActiveSchedule(now, report, currentSeason, targets, snapshot, seasonChanged, force)
	}

	// No active schedule: plan directly.
	plan := c.planner.Plan(snapshot, targets)
	if plan.Empty() {
		c.bus.Publish(report)
		return report, nil
	}

	created, err := c.scheduler.Start(now, plan, currentSeason, targets, snapshot)
	if err != nil {
		return report, err
	}
	if err := c.auditRepo.Start(created.ScheduleID, now, audit.SnapshotOf(snapshot)); err != nil {
		c.log.Warn().Err(err).Msg("Failed to open audit row")
	}

	report.Action = domain.TickStarted
	report.ScheduleID = created.ScheduleID
	report.PlannedOrders = len(plan.Orders)

	c.bus.Publish(report)
	return report, nil
}

// driveActiveSchedule advances or replaces the in-flight schedule.
func (c *Coordinator) driveActiveSchedule(
	now time.Time,
	report domain.TickReport,
	currentSeason domain.Season,
	targets domain.TargetWeights,
	snapshot domain.Portfolio,
	seasonChanged bool,
	force bool,
) (domain.TickReport, error) {
	active := c.scheduler.Active()
	report.ScheduleID = active.ScheduleID

	reasons := c.scheduler.CheckDrift(now, currentSeason, targets, snapshot)
	// A persisted season change always forces the replacement path,
	// even inside the drift cooldown.
	if seasonChanged && !containsReason(reasons, domain.DriftSeasonChanged) {
		reasons = append(reasons, domain.DriftSeasonChanged)
	}
	report.DriftReasons = reasons

	if len(reasons) > 0 || force {
		old := active
		var replanned domain.Portfolio
		replacement, err := c.scheduler.Replace(now, func() (domain.RebalancePlan, domain.Season, domain.TargetWeights, domain.Portfolio, error) {
			fresh, err := c.portfolioSvc.Snapshot()
			if err != nil {
				return domain.RebalancePlan{}, currentSeason, targets, domain.Portfolio{}, err
			}
			replanned = fresh
			return c.planner.Plan(fresh, targets), currentSeason, targets, fresh, nil
		})
		if err != nil {
			if domain.IsSchedulerFatal(err) {
				return report, err
			}
			return c.abort(report, fmt.Errorf("replacement failed: %w", err))
		}

		// Close the cancelled schedule's audit with the post-cancel state.
		if err := c.auditRepo.Finish(old.ScheduleID, now, audit.SnapshotOf(replanned), audit.SummaryOf(old, reasons)); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close audit row for cancelled schedule")
		}

		report.Action = domain.TickReplaced
		if replacement != nil {
			report.ScheduleID = replacement.ScheduleID
			report.PlannedOrders = len(replacement.Orders)
			if err := c.auditRepo.Start(replacement.ScheduleID, now, audit.SnapshotOf(replanned)); err != nil {
				c.log.Warn().Err(err).Msg("Failed to open audit row")
			}
		} else {
			report.ScheduleID = ""
		}

		c.bus.Publish(report)
		return report, nil
	}

	outcomes, finished, err := c.scheduler.Advance(now)
	report.Slices = outcomes
	if len(outcomes) > 0 {
		report.Action = domain.TickAdvanced
	}
	if err != nil {
		if domain.IsSchedulerFatal(err) {
			return report, err
		}
		return c.abort(report, err)
	}

	if finished != nil {
		report.CompletedOrder = countTerminal(finished)
		final, ferr := c.portfolioSvc.Snapshot()
		if ferr != nil {
			c.log.Warn().Err(ferr).Msg("Failed to snapshot final portfolio for audit")
		}
		if err := c.auditRepo.Finish(finished.ScheduleID, now, audit.SnapshotOf(final), audit.SummaryOf(finished, nil)); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close audit row")
		}
	}

	c.bus.Publish(report)
	return report, nil
}

// abort records a retryable tick failure: no state changed, the next
// tick re-attempts.
func (c *Coordinator) abort(report domain.TickReport, err error) (domain.TickReport, error) {
	report.Err = err.Error()
	c.log.Warn().Err(err).Msg("Tick aborted")
	c.bus.Publish(report)
	return report, err
}

func containsReason(reasons []domain.DriftReason, want domain.DriftReason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func countTerminal(s *domain.TwapSchedule) int {
	n := 0
	for i := range s.Orders {
		if s.Orders[i].Status.Terminal() {
			n++
		}
	}
	return n
}
