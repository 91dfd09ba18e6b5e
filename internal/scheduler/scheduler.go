package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-signup/internal/audit"
	"ms-signup/internal/config"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
)

var (
	ErrPlanNotFound   = errors.New("plan not found")
	ErrPastDue        = errors.New("plan execute time is already past")
	ErrAlreadyArmed   = errors.New("plan is already armed or fired")
	ErrCannotCancel   = errors.New("plan is already firing and cannot be cancelled")
	ErrNotCancellable = errors.New("plan is not in a cancellable state")
)

type PlanDB interface {
	GetPlanByID(ctx context.Context, id string) (*models.RegistrationPlan, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.PlanStatus) (bool, error)
	UpdateSchedule(ctx context.Context, id string, openAt time.Time, exact bool) error
}

type ReservationSource interface {
	GetPendingByUserAndSession(ctx context.Context, userID, sessionID string) ([]models.Reservation, error)
}

// Enqueuer hands fired reservations to the fairness queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, reservation models.Reservation) error
}

// Warmer runs the best-effort prewarm step (cached auth/session context for
// the automation collaborator).
type Warmer interface {
	WarmAuthContext(ctx context.Context, plan models.RegistrationPlan) error
}

// OpenChecker probes whether the provider reports the session open. Used only
// by the tight loop when the open instant is not guaranteed exact.
type OpenChecker interface {
	CheckSessionOpen(ctx context.Context, providerName, sessionRef string) (bool, error)
}

type PlanPublisher interface {
	PublishPlanEvent(ctx context.Context, topic string, plan models.RegistrationPlan, eventType string) error
}

// Scheduler arms plans and guarantees exactly one fire per armed window, as
// close to the open instant as the timing-certainty mode allows.
type Scheduler struct {
	Plans        PlanDB
	Reservations ReservationSource
	Queue        Enqueuer
	Warmer       Warmer
	Opens        OpenChecker
	Audit        *audit.Trail
	Producer     PlanPublisher
	Topic        string
	Clock        Clock
	Cfg          config.SchedulerConfig
	Log          *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(plans PlanDB, reservations ReservationSource, queue Enqueuer, warmer Warmer, opens OpenChecker,
	trail *audit.Trail, producer PlanPublisher, topic string, clock Clock, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		Plans:        plans,
		Reservations: reservations,
		Queue:        queue,
		Warmer:       warmer,
		Opens:        opens,
		Audit:        trail,
		Producer:     producer,
		Topic:        topic,
		Clock:        clock,
		Cfg:          cfg,
		Log:          log,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Arm accepts a plan for timed execution. The CAS from draft to armed is what
// makes double-arming impossible: a plan that already fired (or is firing)
// never matches.
func (s *Scheduler) Arm(ctx context.Context, planID string, executeAt, prewarmAt time.Time, openTimeExact bool) error {
	plan, err := s.Plans.GetPlanByID(ctx, planID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	if !executeAt.After(s.Clock.Now()) {
		s.Log.LogScheduler("REJECT", planID, "execute_at is in the past")
		// Only a plan that has not started firing may be cancelled here; a
		// firing or finished plan keeps its status.
		if plan.Status == models.PlanDraft || plan.Status == models.PlanArmed {
			if _, cerr := s.Plans.CompareAndSwapStatus(ctx, planID, plan.Status, models.PlanCancelled); cerr != nil {
				s.Log.Error("SCHEDULER", fmt.Sprintf("Failed to cancel past-due plan %s: %v", planID, cerr))
			}
			s.Audit.MustRecord(ctx, plan.UserID, models.AuditPlanCancelled, map[string]string{
				"plan_id": planID,
				"reason":  "execute_at_past_due",
			})
		}
		return ErrPastDue
	}

	if prewarmAt.IsZero() {
		prewarmAt = executeAt.Add(-s.Cfg.PrewarmLead)
	}

	swapped, err := s.Plans.CompareAndSwapStatus(ctx, planID, models.PlanDraft, models.PlanArmed)
	if err != nil {
		return fmt.Errorf("failed to arm plan %s: %w", planID, err)
	}
	if !swapped {
		s.Log.LogScheduler("REJECT", planID, fmt.Sprintf("cannot arm from status %s", plan.Status))
		return ErrAlreadyArmed
	}

	// The schedule is written only after the arm is won, so a rejected re-arm
	// can never overwrite the schedule an armed plan would resume with.
	if err := s.Plans.UpdateSchedule(ctx, planID, executeAt, openTimeExact); err != nil {
		if _, rerr := s.Plans.CompareAndSwapStatus(ctx, planID, models.PlanArmed, models.PlanDraft); rerr != nil {
			s.Log.Error("SCHEDULER", fmt.Sprintf("Failed to revert arm of plan %s: %v", planID, rerr))
		}
		return fmt.Errorf("failed to store schedule for plan %s: %w", planID, err)
	}

	plan.Status = models.PlanArmed
	plan.OpenTimeExact = openTimeExact
	plan.ManualOpenAt = &executeAt

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[planID] = cancel
	s.mu.Unlock()

	go s.run(runCtx, *plan, executeAt, prewarmAt, openTimeExact)

	s.Audit.MustRecord(ctx, plan.UserID, models.AuditPlanArmed, map[string]interface{}{
		"plan_id":         planID,
		"execute_at":      executeAt,
		"prewarm_at":      prewarmAt,
		"open_time_exact": openTimeExact,
	})
	if s.Producer != nil {
		if err := s.Producer.PublishPlanEvent(ctx, s.Topic, *plan, "plan_armed"); err != nil {
			s.Log.LogKafka("ERROR", s.Topic, fmt.Sprintf("plan_armed publish failed: %v", err))
		}
	}
	s.Log.LogScheduler("ARMED", planID, fmt.Sprintf("execute_at=%s exact=%t", executeAt.Format(time.RFC3339Nano), openTimeExact))
	return nil
}

// Cancel stops an armed plan. Once firing has begun the scheduler has
// committed to the fire and cancellation is rejected.
func (s *Scheduler) Cancel(ctx context.Context, planID string) error {
	plan, err := s.Plans.GetPlanByID(ctx, planID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	switch plan.Status {
	case models.PlanFiring:
		return ErrCannotCancel
	case models.PlanArmed, models.PlanDraft:
		// cancellable
	default:
		return ErrNotCancellable
	}

	swapped, err := s.Plans.CompareAndSwapStatus(ctx, planID, plan.Status, models.PlanCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel plan %s: %w", planID, err)
	}
	if !swapped {
		// The timer won the race and the plan is firing now.
		return ErrCannotCancel
	}

	s.stopTimer(planID)
	s.Audit.MustRecord(ctx, plan.UserID, models.AuditPlanCancelled, map[string]string{
		"plan_id": planID,
		"reason":  "user_cancelled",
	})
	s.Log.LogScheduler("CANCELLED", planID, "plan cancelled before fire")
	return nil
}

func (s *Scheduler) stopTimer(planID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[planID]; ok {
		cancel()
		delete(s.cancels, planID)
	}
	s.mu.Unlock()
}

// run drives one armed plan through prewarm, the wait (or tight loop), and
// the fire.
func (s *Scheduler) run(ctx context.Context, plan models.RegistrationPlan, executeAt, prewarmAt time.Time, openTimeExact bool) {
	defer s.stopTimer(plan.PlanID)

	if prewarmAt.After(s.Clock.Now()) && prewarmAt.Before(executeAt) {
		if !s.waitUntil(ctx, prewarmAt) {
			return
		}
		s.prewarm(ctx, plan)
	} else if s.Warmer != nil {
		// Armed inside the prewarm window: warm immediately.
		s.prewarm(ctx, plan)
	}

	if openTimeExact {
		if !s.waitUntil(ctx, executeAt) {
			return
		}
		s.fire(plan)
		return
	}

	// Open instant is a best guess: switch to a tight polling loop shortly
	// before it and fire as soon as the provider reports open, or when the
	// poll window lapses.
	if !s.waitUntil(ctx, executeAt.Add(-s.Cfg.TightLoopFrom)) {
		return
	}
	deadline := executeAt.Add(s.Cfg.MaxPollWindow)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		open, err := s.Opens.CheckSessionOpen(ctx, plan.ProviderName, plan.SessionRef)
		if err != nil {
			s.Log.LogScheduler("POLL", plan.PlanID, fmt.Sprintf("open check error: %v", err))
		} else if open {
			s.Log.LogScheduler("POLL", plan.PlanID, "provider reports session open")
			s.fire(plan)
			return
		}
		if !s.Clock.Now().Before(deadline) {
			s.Log.LogScheduler("POLL", plan.PlanID, "poll window elapsed, firing anyway")
			s.fire(plan)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.Clock.After(s.Cfg.PollInterval):
		}
	}
}

// waitUntil blocks until target, never returning early relative to the clock.
// Returns false if the context was cancelled first.
func (s *Scheduler) waitUntil(ctx context.Context, target time.Time) bool {
	for {
		d := target.Sub(s.Clock.Now())
		if d <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.Clock.After(d):
		}
	}
}

// prewarm is best-effort: a failure is logged and audited but never aborts
// the plan.
func (s *Scheduler) prewarm(ctx context.Context, plan models.RegistrationPlan) {
	if s.Warmer == nil {
		return
	}
	if err := s.Warmer.WarmAuthContext(ctx, plan); err != nil {
		s.Log.LogScheduler("PREWARM", plan.PlanID, fmt.Sprintf("warm-up failed: %v", err))
		s.Audit.MustRecord(ctx, plan.UserID, models.AuditPrewarmFailed, map[string]string{
			"plan_id": plan.PlanID,
			"error":   err.Error(),
		})
		return
	}
	s.Audit.MustRecord(ctx, plan.UserID, models.AuditPrewarmCompleted, map[string]string{"plan_id": plan.PlanID})
	s.Log.LogScheduler("PREWARM", plan.PlanID, "warm-up complete")
}

// fire commits the plan and hands its pending reservations to the fairness
// queue. The armed -> firing CAS is the single gate: whoever loses it (a
// concurrent cancel, a duplicate timer) does nothing.
func (s *Scheduler) fire(plan models.RegistrationPlan) {
	ctx := context.Background()

	swapped, err := s.Plans.CompareAndSwapStatus(ctx, plan.PlanID, models.PlanArmed, models.PlanFiring)
	if err != nil {
		s.Log.Error("SCHEDULER", fmt.Sprintf("Fire CAS failed for plan %s: %v", plan.PlanID, err))
		return
	}
	if !swapped {
		s.Log.LogScheduler("FIRE", plan.PlanID, "plan no longer armed, skipping fire")
		return
	}

	plan.Status = models.PlanFiring
	s.Audit.MustRecord(ctx, plan.UserID, models.AuditPlanFiring, map[string]interface{}{
		"plan_id":  plan.PlanID,
		"fired_at": s.Clock.Now().UTC(),
	})
	if s.Producer != nil {
		if err := s.Producer.PublishPlanEvent(ctx, s.Topic, plan, "plan_firing"); err != nil {
			s.Log.LogKafka("ERROR", s.Topic, fmt.Sprintf("plan_firing publish failed: %v", err))
		}
	}
	s.Log.LogScheduler("FIRE", plan.PlanID, fmt.Sprintf("fired at %s", s.Clock.Now().Format(time.RFC3339Nano)))

	reservations, err := s.Reservations.GetPendingByUserAndSession(ctx, plan.UserID, plan.SessionRef)
	if err != nil {
		s.Log.Error("SCHEDULER", fmt.Sprintf("Failed to load reservations for plan %s: %v", plan.PlanID, err))
		return
	}
	if len(reservations) == 0 {
		s.Log.LogScheduler("FIRE", plan.PlanID, "no pending reservations to enqueue")
		return
	}
	for _, res := range reservations {
		if err := s.Queue.Enqueue(ctx, res); err != nil {
			s.Log.Error("SCHEDULER", fmt.Sprintf("Failed to enqueue reservation %s: %v", res.ReservationID, err))
		}
	}
}

// Resume re-creates timers for plans that were armed when the process last
// stopped. Plans whose open instant already passed fire a tight loop
// immediately rather than being dropped.
func (s *Scheduler) Resume(ctx context.Context, plans []models.RegistrationPlan) {
	for _, plan := range plans {
		if plan.ManualOpenAt == nil {
			continue
		}
		executeAt := *plan.ManualOpenAt
		runCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancels[plan.PlanID] = cancel
		s.mu.Unlock()
		go s.run(runCtx, plan, executeAt, executeAt.Add(-s.Cfg.PrewarmLead), plan.OpenTimeExact)
		s.Log.LogScheduler("RESUMED", plan.PlanID, fmt.Sprintf("execute_at=%s", executeAt.Format(time.RFC3339)))
	}
}
