package execution

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
)

// Config holds the scheduler parameters.
type Config struct {
	TickCadence      time.Duration
	DriftThreshold   float64
	DriftMinGapKRW   int64
	DriftCooldown    time.Duration
	ExecutionTimeout time.Duration
	ReplaceGrace     time.Duration
	MinNotionalKRW   int64
}

// ATRSource supplies the volatility signal for slicing decisions.
type ATRSource interface {
	RelativeATR() float64
}

// ReplanFunc produces a fresh plan against fresh balances and targets.
// Used by the replacement protocol after cancelling a drifted schedule.
type ReplanFunc func() (domain.RebalancePlan, domain.Season, domain.TargetWeights, domain.Portfolio, error)

// Scheduler drives TWAP schedules: it slices rebalance orders across
// time, persists every transition, detects drift, and recovers from
// crashes. All mutating entry points take the clock as a parameter and
// are called from a single goroutine (the coordinator tick).
type Scheduler struct {
	adapter domain.ExchangeAdapter
	repo    *Repository
	atr     ATRSource
	cfg     Config
	log     zerolog.Logger

	sleepFn func(time.Duration)
	stop    atomic.Bool

	active *domain.TwapSchedule
}

// NewScheduler creates a TWAP scheduler.
func NewScheduler(adapter domain.ExchangeAdapter, repo *Repository, atr ATRSource, cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		adapter: adapter,
		repo:    repo,
		atr:     atr,
		cfg:     cfg,
		log:     log.With().Str("component", "twap_scheduler").Logger(),
		sleepFn: time.Sleep,
	}
}

// RequestStop asks the scheduler to stop between slice placements. The
// in-flight placement completes; its order id is reconciled on the next
// startup.
func (s *Scheduler) RequestStop() {
	s.stop.Store(true)
}

// Active returns the in-memory active schedule, nil when none.
func (s *Scheduler) Active() *domain.TwapSchedule {
	return s.active
}

// Recover loads the active schedule (if any) and reconciles it against
// the exchange: placements that reached the exchange but not the local
// store advance the fill accounting; stray open orders of terminal
// parents are cancelled.
func (s *Scheduler) Recover(now time.Time) error {
	sched, err := s.repo.LoadActiveSchedule()
	if err != nil {
		return domain.NewSchedulerFatal("recover", err)
	}
	if sched == nil {
		s.active = nil
		s.log.Info().Msg("No active schedule to recover")
		return nil
	}

	refs, err := s.repo.ListExchangeOrders(sched.ScheduleID)
	if err != nil {
		return domain.NewSchedulerFatal("recover", err)
	}
	refsByAsset := make(map[domain.Asset][]domain.ExchangeOrderRef)
	for _, ref := range refs {
		refsByAsset[ref.Asset] = append(refsByAsset[ref.Asset], ref)
	}

	for i := range sched.Orders {
		order := &sched.Orders[i]
		orderRefs := refsByAsset[order.Asset]

		// Placements persisted as refs but not reflected in the order
		// counters are the crash window between place and save.
		for len(orderRefs) > order.ExecutedSlices {
			ref := orderRefs[order.ExecutedSlices]
			filled := order.NextSliceNotional()
			refStatus := ref.Status
			if status, serr := s.adapter.GetOrderStatus(ref.OrderID); serr == nil {
				if status.FilledKRW > 0 {
					filled = status.FilledKRW
				}
				refStatus = status.State
			}
			order.ExecutedSlices++
			order.RemainingKRW = max64(0, order.RemainingKRW-filled)
			if order.Status == domain.OrderPending {
				order.Status = domain.OrderExecuting
			}
			if err := s.repo.UpdateExchangeOrder(sched.ScheduleID, ref.OrderID, filled, refStatus); err != nil {
				s.log.Warn().Err(err).Str("order_id", ref.OrderID).Msg("Failed to update exchange order during recovery")
			}
			s.log.Warn().
				Str("asset", string(order.Asset)).
				Str("order_id", ref.OrderID).
				Int64("filled_krw", filled).
				Msg("Reconciled orphan slice placement")
		}

		s.settleOrderStatus(order)

		// Stray open orders of non-advancing parents are cancelled.
		if order.Status.Terminal() {
			for _, ref := range orderRefs {
				if status, serr := s.adapter.GetOrderStatus(ref.OrderID); serr == nil && !status.TerminalState() {
					if cerr := s.adapter.CancelOrder(ref.OrderID); cerr != nil {
						s.log.Warn().Err(cerr).Str("order_id", ref.OrderID).Msg("Failed to cancel stray order")
					}
				}
			}
		}
	}

	if err := s.repo.SaveSchedule(sched); err != nil {
		return domain.NewSchedulerFatal("recover", err)
	}

	s.active = sched
	s.log.Info().
		Str("schedule_id", sched.ScheduleID).
		Int("orders", len(sched.Orders)).
		Msg("Active schedule recovered")
	return nil
}

// Start builds a schedule from a plan and persists it with status
// Active before any exchange call. The caller guarantees no schedule is
// currently active (replacing first when one is).
func (s *Scheduler) Start(now time.Time, plan domain.RebalancePlan, season domain.Season, targets domain.TargetWeights, portfolio domain.Portfolio) (*domain.TwapSchedule, error) {
	if s.active != nil && s.active.Status == domain.ScheduleActive {
		return nil, fmt.Errorf("cannot start: schedule %s is active", s.active.ScheduleID)
	}
	if plan.Empty() {
		return nil, fmt.Errorf("cannot start an empty plan")
	}

	params := ComputeSlicing(s.atr.RelativeATR(), s.cfg.TickCadence)

	orders := make([]domain.RebalanceOrder, len(plan.Orders))
	copy(orders, plan.Orders)
	// When cash is nearly exhausted the sells must run first to free
	// KRW. The planner already orders sells first; this re-sort keeps
	// the invariant even for externally supplied plans.
	if portfolio.Weight(domain.KRW) < 0.01 {
		domain.SortOrders(orders)
	}

	twapOrders := make([]domain.TwapOrder, 0, len(orders))
	for _, o := range orders {
		sliceNotional := o.TotalKRW / int64(params.SliceCount)
		twapOrders = append(twapOrders, domain.TwapOrder{
			Asset:            o.Asset,
			Side:             o.Side,
			TotalKRW:         o.TotalKRW,
			SliceCount:       params.SliceCount,
			SliceNotionalKRW: sliceNotional,
			SliceInterval:    params.SliceInterval,
			StartAt:          now,
			RemainingKRW:     o.TotalKRW,
			Status:           domain.OrderPending,
		})
	}

	sched := &domain.TwapSchedule{
		ScheduleID:       uuid.NewString(),
		CreatedAt:        now,
		SeasonAtCreation: season,
		TargetWeights:    targets,
		Orders:           twapOrders,
		Status:           domain.ScheduleActive,
	}

	if err := s.repo.SaveSchedule(sched); err != nil {
		return nil, domain.NewSchedulerFatal("start", err)
	}

	s.active = sched
	s.log.Info().
		Str("schedule_id", sched.ScheduleID).
		Int("orders", len(twapOrders)).
		Int("slice_count", params.SliceCount).
		Dur("slice_interval", params.SliceInterval).
		Msg("TWAP schedule started")

	return sched, nil
}

// Advance executes at most one due slice per order and persists every
// transition. It returns the slice outcomes of this tick and, when the
// schedule reached a terminal state, the finished schedule.
func (s *Scheduler) Advance(now time.Time) ([]domain.SliceOutcome, *domain.TwapSchedule, error) {
	if s.active == nil {
		return nil, nil, nil
	}
	sched := s.active

	var outcomes []domain.SliceOutcome
	for i := range sched.Orders {
		if s.stop.Load() {
			s.log.Warn().Msg("Stop requested, deferring remaining slices")
			break
		}

		order := &sched.Orders[i]
		if !order.DueAt(now) {
			continue
		}

		outcome, err := s.executeSlice(now, sched, order)
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
		if err != nil {
			return outcomes, nil, err
		}
	}

	if sched.AllOrdersTerminal() {
		sched.Status = sched.FinalStatus()
		if err := s.repo.SaveSchedule(sched); err != nil {
			return outcomes, nil, domain.NewSchedulerFatal("advance", err)
		}
		s.active = nil
		s.log.Info().
			Str("schedule_id", sched.ScheduleID).
			Str("status", string(sched.Status)).
			Msg("TWAP schedule finished")
		return outcomes, sched, nil
	}

	return outcomes, nil, nil
}

// executeSlice places one slice and folds the result into the order.
// Expected exchange conditions transition the order; a fatal condition
// or a store failure aborts with SchedulerFatal.
func (s *Scheduler) executeSlice(now time.Time, sched *domain.TwapSchedule, order *domain.TwapOrder) (*domain.SliceOutcome, error) {
	notional := order.NextSliceNotional()
	sliceIndex := order.ExecutedSlices + 1

	outcome := &domain.SliceOutcome{
		Asset:       order.Asset,
		Side:        order.Side,
		SliceIndex:  sliceIndex,
		NotionalKRW: notional,
	}

	if order.Status == domain.OrderPending {
		order.Status = domain.OrderExecuting
	}

	result, err := s.adapter.PlaceOrder(domain.PlaceOrderRequest{
		Asset:       order.Asset,
		Side:        order.Side,
		NotionalKRW: notional,
		Type:        domain.OrderTypeMarket,
	})
	if err != nil {
		return s.handleSliceError(sched, order, outcome, err)
	}

	// Fill accounting: prefer the actual filled notional when the
	// exchange already reports it, else the submitted notional.
	filled := result.NotionalKRW
	refStatus := domain.ExchangeOrderLive
	if status, serr := s.adapter.GetOrderStatus(result.OrderID); serr == nil {
		if status.FilledKRW > 0 {
			filled = status.FilledKRW
		}
		refStatus = status.State
	}

	order.ExchangeOrderIDs = append(order.ExchangeOrderIDs, result.OrderID)
	order.ExecutedSlices++
	order.RemainingKRW = max64(0, order.RemainingKRW-filled)
	execAt := now
	order.LastExecutionAt = &execAt
	order.LastError = ""
	s.settleOrderStatus(order)

	ref := domain.ExchangeOrderRef{
		ScheduleID: sched.ScheduleID,
		Asset:      order.Asset,
		OrderID:    result.OrderID,
		PlacedAt:   now,
		FilledKRW:  filled,
		Status:     refStatus,
	}
	if err := s.repo.PersistSlice(sched, ref); err != nil {
		return outcome, domain.NewSchedulerFatal("persist slice", err)
	}

	outcome.OrderID = result.OrderID
	outcome.Success = true
	outcome.OrderStatus = order.Status

	s.log.Info().
		Str("asset", string(order.Asset)).
		Int("slice", sliceIndex).
		Int("of", order.SliceCount).
		Int64("notional_krw", notional).
		Str("order_id", result.OrderID).
		Msg("TWAP slice executed")

	return outcome, nil
}

// handleSliceError folds an exchange failure into the order per the
// error disposition table.
func (s *Scheduler) handleSliceError(sched *domain.TwapSchedule, order *domain.TwapOrder, outcome *domain.SliceOutcome, err error) (*domain.SliceOutcome, error) {
	outcome.Error = err.Error()
	order.LastError = err.Error()

	kind, ok := domain.ExchangeErrorKind(err)
	if !ok {
		// Price lookups inside placement can fail; treat like a
		// transient condition and retry the slice next tick.
		outcome.OrderStatus = order.Status
		s.log.Warn().Err(err).Str("asset", string(order.Asset)).Msg("Slice failed with non-exchange error, will retry")
		return outcome, nil
	}

	switch kind {
	case domain.ErrTransient:
		// Slice stays due; the next tick re-attempts.
		outcome.OrderStatus = order.Status
		s.log.Warn().Err(err).Str("asset", string(order.Asset)).Msg("Transient slice failure, will retry")
		return outcome, nil

	case domain.ErrInsufficientBalance:
		order.Status = domain.OrderFailed
		s.log.Error().Err(err).Str("asset", string(order.Asset)).Msg("Order failed: insufficient balance")

	case domain.ErrNotionalBelowMin:
		// A residual too small to trade is an accepted short-fill.
		if order.IsLastSlice() || order.RemainingKRW < s.cfg.MinNotionalKRW {
			order.Status = domain.OrderCompleted
			s.log.Info().Str("asset", string(order.Asset)).Msg("Order completed short: residual below exchange minimum")
		} else {
			order.Status = domain.OrderFailed
			s.log.Error().Err(err).Str("asset", string(order.Asset)).Msg("Order failed: slice below exchange minimum")
		}

	case domain.ErrNotionalAboveMax:
		order.Status = domain.OrderFailed
		s.log.Error().Err(err).Str("asset", string(order.Asset)).Msg("Order failed: notional above exchange bound")

	case domain.ErrFatal:
		return outcome, domain.NewSchedulerFatal("place order", err)
	}

	outcome.OrderStatus = order.Status
	if err := s.repo.SaveSchedule(sched); err != nil {
		return outcome, domain.NewSchedulerFatal("persist order failure", err)
	}
	return outcome, nil
}

// settleOrderStatus applies the completion invariant: an order is
// complete when every slice executed or the residual dropped below the
// planner minimum.
func (s *Scheduler) settleOrderStatus(order *domain.TwapOrder) {
	if order.Status.Terminal() {
		return
	}
	if order.ExecutedSlices >= order.SliceCount || order.RemainingKRW < s.cfg.MinNotionalKRW {
		order.Status = domain.OrderCompleted
	}
}

// CheckDrift evaluates the drift triggers against the current market
// state. At most one evaluation runs per cooldown window; the check
// timestamp advances on every evaluation regardless of outcome. All
// triggers are evaluated and the union is returned.
func (s *Scheduler) CheckDrift(now time.Time, currentSeason domain.Season, currentTargets domain.TargetWeights, portfolio domain.Portfolio) []domain.DriftReason {
	if s.active == nil {
		return nil
	}
	sched := s.active

	if sched.LastDriftCheckAt != nil && now.Sub(*sched.LastDriftCheckAt) < s.cfg.DriftCooldown {
		return nil
	}
	checkedAt := now
	sched.LastDriftCheckAt = &checkedAt
	if err := s.repo.SaveSchedule(sched); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist drift check timestamp")
	}

	var reasons []domain.DriftReason

	if currentSeason != sched.SeasonAtCreation {
		reasons = append(reasons, domain.DriftSeasonChanged)
		s.log.Warn().
			Str("from", string(sched.SeasonAtCreation)).
			Str("to", string(currentSeason)).
			Msg("Drift: season changed")
	}

	if s.weightsDrifted(currentTargets, portfolio) {
		reasons = append(reasons, domain.DriftTargetWeights)
	}

	if now.Sub(sched.CreatedAt) > s.cfg.ExecutionTimeout {
		reasons = append(reasons, domain.DriftTimeout)
		s.log.Warn().
			Dur("age", now.Sub(sched.CreatedAt)).
			Msg("Drift: execution timeout exceeded")
	}

	return reasons
}

// weightsDrifted reports whether any asset's target moved beyond the
// threshold, or the target moved at all and the portfolio is off the new
// target by more than the threshold and the implied KRW gap. The second
// clause keeps partially
// executed schedules from flapping when they already track the target.
func (s *Scheduler) weightsDrifted(currentTargets domain.TargetWeights, portfolio domain.Portfolio) bool {
	sched := s.active
	drifted := false

	for asset, newTarget := range currentTargets {
		if asset == domain.KRW {
			continue
		}

		oldTarget := sched.TargetWeights[asset]
		targetChange := math.Abs(newTarget - oldTarget)

		actual := portfolio.Weight(asset)
		actualGap := math.Abs(actual - newTarget)
		gapKRW := int64(actualGap * float64(portfolio.TotalKRW))

		// The actual-vs-target clause only refines a target that moved:
		// an untouched target mid-execution is expected to be off.
		subThresholdMove := targetChange > domain.WeightTolerance

		if targetChange > s.cfg.DriftThreshold ||
			(subThresholdMove && actualGap > s.cfg.DriftThreshold && gapKRW > s.cfg.DriftMinGapKRW) {
			s.log.Warn().
				Str("asset", string(asset)).
				Float64("old_target", oldTarget).
				Float64("new_target", newTarget).
				Float64("actual", actual).
				Int64("gap_krw", gapKRW).
				Msg("Drift: target weights changed")
			drifted = true
		}
	}

	return drifted
}

// Replace runs the replacement protocol: cancel the active schedule's
// residual exchange orders, persist the cancellation, re-plan against
// fresh state, and start the successor. At most one schedule is active
// at every point, including across a crash inside this sequence.
func (s *Scheduler) Replace(now time.Time, replan ReplanFunc) (*domain.TwapSchedule, error) {
	if s.active == nil {
		return nil, fmt.Errorf("cannot replace: no active schedule")
	}
	old := s.active

	// 1. Mark cancelled in memory.
	old.Status = domain.ScheduleCancelled
	for i := range old.Orders {
		if !old.Orders[i].Status.Terminal() {
			old.Orders[i].Status = domain.OrderCancelled
		}
	}

	// 2. Cancel every non-terminal exchange order. Failures are logged,
	// not fatal; recovery sweeps stragglers.
	refs, err := s.repo.ListExchangeOrders(old.ScheduleID)
	if err != nil {
		return nil, domain.NewSchedulerFatal("replace", err)
	}
	cancelled := 0
	for _, ref := range refs {
		status, serr := s.adapter.GetOrderStatus(ref.OrderID)
		if serr == nil && status.TerminalState() {
			continue
		}
		if cerr := s.adapter.CancelOrder(ref.OrderID); cerr != nil {
			s.log.Warn().Err(cerr).Str("order_id", ref.OrderID).Msg("Failed to cancel exchange order during replacement")
			continue
		}
		cancelled++
	}

	// 3. Grace period so the exchange reflects the cancellations.
	if cancelled > 0 && s.cfg.ReplaceGrace > 0 {
		s.sleepFn(s.cfg.ReplaceGrace)
	}

	// 4. Persist the cancelled schedule before creating the successor.
	if err := s.repo.SaveSchedule(old); err != nil {
		return nil, domain.NewSchedulerFatal("replace", err)
	}
	s.active = nil

	s.log.Info().
		Str("schedule_id", old.ScheduleID).
		Int("cancelled_orders", cancelled).
		Msg("Schedule cancelled for replacement")

	// 5-6. Fresh plan against fresh balances and targets.
	plan, season, targets, portfolio, err := replan()
	if err != nil {
		return nil, fmt.Errorf("failed to re-plan after cancellation: %w", err)
	}
	if plan.Empty() {
		s.log.Info().Msg("Replacement plan is empty, no successor schedule")
		return nil, nil
	}

	return s.Start(now, plan, season, targets, portfolio)
}

// Status returns a read-only snapshot of the active schedule.
func (s *Scheduler) Status(now time.Time) domain.SchedulerStatus {
	if s.active == nil {
		return domain.SchedulerStatus{Active: false}
	}
	sched := s.active

	status := domain.SchedulerStatus{
		Active:     true,
		ScheduleID: sched.ScheduleID,
		CreatedAt:  sched.CreatedAt,
		Season:     sched.SeasonAtCreation,
	}

	var eta time.Time
	for i := range sched.Orders {
		o := &sched.Orders[i]
		status.Orders = append(status.Orders, domain.OrderProgress{
			Asset:          o.Asset,
			Side:           o.Side,
			TotalKRW:       o.TotalKRW,
			ExecutedSlices: o.ExecutedSlices,
			SliceCount:     o.SliceCount,
			RemainingKRW:   o.RemainingKRW,
			Status:         o.Status,
			LastError:      o.LastError,
		})
		status.RemainingKRW += o.RemainingKRW

		if !o.Status.Terminal() {
			finish := o.StartAt.Add(time.Duration(o.SliceCount-1) * o.SliceInterval)
			if finish.After(eta) {
				eta = finish
			}
		}
	}
	status.ETA = eta

	return status
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
