package scheduler_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-signup/internal/audit"
	"ms-signup/internal/config"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
	"ms-signup/internal/scheduler"
)

// manualClock is a deterministic clock: time moves only when the test calls
// Advance, and everything waiting on After wakes in the same instant.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, clockWaiter{at: at, ch: ch})
	return ch
}

func (c *manualClock) Sleep(d time.Duration) { <-c.After(d) }

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var remaining []clockWaiter
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

func (c *manualClock) waiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// waitForWaiters blocks until the scheduler goroutine has parked on the
// clock, so an Advance cannot race past an unregistered timer.
func waitForWaiters(t *testing.T, c *manualClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.waiterCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clock waiter(s)", n)
		}
		time.Sleep(time.Millisecond)
	}
}

type fakePlanDB struct {
	mu    sync.Mutex
	plans map[string]*models.RegistrationPlan
}

func newFakePlanDB(plans ...models.RegistrationPlan) *fakePlanDB {
	db := &fakePlanDB{plans: make(map[string]*models.RegistrationPlan)}
	for i := range plans {
		p := plans[i]
		db.plans[p.PlanID] = &p
	}
	return db
}

func (f *fakePlanDB) GetPlanByID(_ context.Context, id string) (*models.RegistrationPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (f *fakePlanDB) CompareAndSwapStatus(_ context.Context, id string, from, to models.PlanStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (f *fakePlanDB) UpdateSchedule(_ context.Context, id string, openAt time.Time, exact bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.plans[id]; ok {
		p.ManualOpenAt = &openAt
		p.OpenTimeExact = exact
	}
	return nil
}

func (f *fakePlanDB) status(id string) models.PlanStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plans[id].Status
}

func (f *fakePlanDB) schedule(id string) (*time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.plans[id]
	return p.ManualOpenAt, p.OpenTimeExact
}

type fakeReservations struct {
	reservations []models.Reservation
}

func (f *fakeReservations) GetPendingByUserAndSession(context.Context, string, string) ([]models.Reservation, error) {
	return f.reservations, nil
}

// recordingEnqueuer stamps each enqueue with the manual clock so the test can
// assert on fire timing, not wall time.
type recordingEnqueuer struct {
	clock *manualClock
	mu    sync.Mutex
	fired []string
	at    []time.Time
	ch    chan string
}

func newRecordingEnqueuer(clock *manualClock) *recordingEnqueuer {
	return &recordingEnqueuer{clock: clock, ch: make(chan string, 16)}
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, res models.Reservation) error {
	r.mu.Lock()
	r.fired = append(r.fired, res.ReservationID)
	r.at = append(r.at, r.clock.Now())
	r.mu.Unlock()
	r.ch <- res.ReservationID
	return nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

type fakeWarmer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeWarmer) WarmAuthContext(context.Context, models.RegistrationPlan) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

func (f *fakeWarmer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeOpens struct {
	mu      sync.Mutex
	answers []bool
}

func (f *fakeOpens) CheckSessionOpen(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return false, nil
	}
	ans := f.answers[0]
	f.answers = f.answers[1:]
	return ans, nil
}

func auditTrail(t *testing.T) *audit.Trail {
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	_, err = db.NewCreateTable().Model((*models.AuditEvent)(nil)).IfNotExists().Exec(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return audit.NewTrail(db, nil, "", logger.NewLogger())
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PrewarmLead:   5 * time.Minute,
		TightLoopFrom: 5 * time.Second,
		PollInterval:  300 * time.Millisecond,
		MaxPollWindow: 60 * time.Second,
		FireTolerance: 250 * time.Millisecond,
	}
}

func draftPlan(id string) models.RegistrationPlan {
	return models.RegistrationPlan{
		PlanID:       id,
		UserID:       "user-1",
		SessionRef:   "session-1",
		ProviderName: "campbrain",
		Status:       models.PlanDraft,
	}
}

func TestArmRejectsPastDue(t *testing.T) {
	clock := newManualClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	plans := newFakePlanDB(draftPlan("p1"))
	enq := newRecordingEnqueuer(clock)
	sched := scheduler.New(plans, &fakeReservations{}, enq, nil, &fakeOpens{},
		auditTrail(t), nil, "", clock, testConfig(), logger.NewLogger())

	err := sched.Arm(context.Background(), "p1", clock.Now().Add(-time.Minute), time.Time{}, true)
	assert.ErrorIs(t, err, scheduler.ErrPastDue)
	assert.Equal(t, models.PlanCancelled, plans.status("p1"))
	assert.Zero(t, enq.count())
}

// A plan that already started firing keeps its status even when someone arms
// it with a past execute_at; the past-due cancellation only applies before
// the fire commits.
func TestArmPastDueKeepsFiringPlan(t *testing.T) {
	clock := newManualClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	firing := draftPlan("p1")
	firing.Status = models.PlanFiring
	plans := newFakePlanDB(firing)
	enq := newRecordingEnqueuer(clock)
	sched := scheduler.New(plans, &fakeReservations{}, enq, nil, &fakeOpens{},
		auditTrail(t), nil, "", clock, testConfig(), logger.NewLogger())

	err := sched.Arm(context.Background(), "p1", clock.Now().Add(-time.Minute), time.Time{}, true)
	assert.ErrorIs(t, err, scheduler.ErrPastDue)
	assert.Equal(t, models.PlanFiring, plans.status("p1"))
	assert.Zero(t, enq.count())
}

// A rejected re-arm must not touch the stored schedule; otherwise a resume
// after restart would fire at the rejected caller's time.
func TestRejectedRearmKeepsStoredSchedule(t *testing.T) {
	clock := newManualClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	plans := newFakePlanDB(draftPlan("p1"))
	sched := scheduler.New(plans, &fakeReservations{}, newRecordingEnqueuer(clock), nil, &fakeOpens{},
		auditTrail(t), nil, "", clock, testConfig(), logger.NewLogger())

	armedAt := clock.Now().Add(time.Hour)
	require.NoError(t, sched.Arm(context.Background(), "p1", armedAt, time.Time{}, true))

	err := sched.Arm(context.Background(), "p1", clock.Now().Add(2*time.Hour), time.Time{}, false)
	assert.ErrorIs(t, err, scheduler.ErrAlreadyArmed)

	openAt, exact := plans.schedule("p1")
	require.NotNil(t, openAt)
	assert.True(t, openAt.Equal(armedAt), "stored open time changed: %s", openAt)
	assert.True(t, exact)

	require.NoError(t, sched.Cancel(context.Background(), "p1"))
}

func TestArmRejectsSecondArm(t *testing.T) {
	clock := newManualClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	plans := newFakePlanDB(draftPlan("p1"))
	sched := scheduler.New(plans, &fakeReservations{}, newRecordingEnqueuer(clock), nil, &fakeOpens{},
		auditTrail(t), nil, "", clock, testConfig(), logger.NewLogger())

	executeAt := clock.Now().Add(time.Hour)
	require.NoError(t, sched.Arm(context.Background(), "p1", executeAt, time.Time{}, true))

	err := sched.Arm(context.Background(), "p1", executeAt, time.Time{}, true)
	assert.ErrorIs(t, err, scheduler.ErrAlreadyArmed)

	require.NoError(t, sched.Cancel(context.Background(), "p1"))
}

func TestArmUnknownPlan(t *testing.T) {
	clock := newManualClock(time.Now())
	sched := scheduler.New(newFakePlanDB(), &fakeReservations{}, newRecordingEnqueuer(clock), nil, &fakeOpens{},
		auditTrail(t), nil, "", clock, testConfig(), logger.NewLogger())

	err := sched.Arm(context.Background(), "ghost", clock.Now().Add(time.Hour), time.Time{}, true)
	assert.ErrorIs(t, err, scheduler.ErrPlanNotFound)
}

// The fire must land inside [executeAt, executeAt+tolerance) and never, under
// any interleaving, before executeAt.
func TestExactFireNeverEarly(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := newManualClock(start)
	plans := newFakePlanDB(draftPlan("p1"))
	reservations := &fakeReservations{reservations: []models.Reservation{
		{ReservationID: "r1", UserID: "user-1", SessionID: "session-1", Status: models.ReservationPending},
	}}
	enq := newRecordingEnqueuer(clock)
	warmer := &fakeWarmer{}
	cfg := testConfig()
	sched := scheduler.New(plans, reservations, enq, warmer, &fakeOpens{},
		auditTrail(t), nil, "", clock, cfg, logger.NewLogger())

	executeAt := start.Add(10 * time.Minute)
	require.NoError(t, sched.Arm(context.Background(), "p1", executeAt, time.Time{}, true))

	// Prewarm waiter parks first.
	waitForWaiters(t, clock, 1)
	clock.Advance(5 * time.Minute)

	// Now the execute waiter. One second short of the open instant nothing
	// may fire.
	waitForWaiters(t, clock, 1)
	clock.Advance(5*time.Minute - time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, enq.count(), "fired before the open instant")

	waitForWaiters(t, clock, 1)
	clock.Advance(time.Second)

	select {
	case <-enq.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("plan never fired")
	}

	require.Equal(t, 1, enq.count())
	firedAt := enq.at[0]
	assert.False(t, firedAt.Before(executeAt), "fired early: %s < %s", firedAt, executeAt)
	assert.Less(t, firedAt.Sub(executeAt), cfg.FireTolerance)
	assert.Equal(t, 1, warmer.callCount())
	assert.Equal(t, models.PlanFiring, plans.status("p1"))
}

func TestCancelBeforeFire(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := newManualClock(start)
	plans := newFakePlanDB(draftPlan("p1"))
	enq := newRecordingEnqueuer(clock)
	sched := scheduler.New(plans, &fakeReservations{}, enq, nil, &fakeOpens{},
		auditTrail(t), nil, "", clock, testConfig(), logger.NewLogger())

	executeAt := start.Add(10 * time.Minute)
	require.NoError(t, sched.Arm(context.Background(), "p1", executeAt, time.Time{}, true))
	waitForWaiters(t, clock, 1)

	require.NoError(t, sched.Cancel(context.Background(), "p1"))
	assert.Equal(t, models.PlanCancelled, plans.status("p1"))

	clock.Advance(20 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, enq.count(), "cancelled plan must not fire")
}

func TestCancelWhileFiringRejected(t *testing.T) {
	clock := newManualClock(time.Now())
	plan := draftPlan("p1")
	plan.Status = models.PlanFiring
	plans := newFakePlanDB(plan)
	sched := scheduler.New(plans, &fakeReservations{}, newRecordingEnqueuer(clock), nil, &fakeOpens{},
		auditTrail(t), nil, "", clock, testConfig(), logger.NewLogger())

	err := sched.Cancel(context.Background(), "p1")
	assert.ErrorIs(t, err, scheduler.ErrCannotCancel)
	assert.Equal(t, models.PlanFiring, plans.status("p1"))
}

// With an uncertain open instant the scheduler polls from shortly before the
// estimate and fires as soon as the provider reports open.
func TestTightLoopFiresOnProviderOpen(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := newManualClock(start)
	plans := newFakePlanDB(draftPlan("p1"))
	reservations := &fakeReservations{reservations: []models.Reservation{
		{ReservationID: "r1", UserID: "user-1", SessionID: "session-1", Status: models.ReservationPending},
	}}
	enq := newRecordingEnqueuer(clock)
	opens := &fakeOpens{answers: []bool{false, false, true}}
	cfg := testConfig()
	sched := scheduler.New(plans, reservations, enq, &fakeWarmer{}, opens,
		auditTrail(t), nil, "", clock, cfg, logger.NewLogger())

	executeAt := start.Add(10 * time.Second)
	require.NoError(t, sched.Arm(context.Background(), "p1", executeAt, time.Time{}, false))

	// Waiter for the tight-loop entry point at executeAt-5s.
	waitForWaiters(t, clock, 1)
	clock.Advance(5 * time.Second)

	// Two negative polls, then the provider reports open.
	for i := 0; i < 2; i++ {
		waitForWaiters(t, clock, 1)
		clock.Advance(cfg.PollInterval)
	}

	select {
	case <-enq.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("tight loop never fired")
	}
	assert.Equal(t, models.PlanFiring, plans.status("p1"))
}

// A plan that was armed when the process died fires immediately on resume if
// its open instant has already passed.
func TestResumeFiresOverduePlan(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := newManualClock(start)
	openAt := start.Add(-time.Minute)
	plan := draftPlan("p1")
	plan.Status = models.PlanArmed
	plan.ManualOpenAt = &openAt
	plan.OpenTimeExact = true
	plans := newFakePlanDB(plan)
	reservations := &fakeReservations{reservations: []models.Reservation{
		{ReservationID: "r1", UserID: "user-1", SessionID: "session-1", Status: models.ReservationPending},
	}}
	enq := newRecordingEnqueuer(clock)
	sched := scheduler.New(plans, reservations, enq, nil, &fakeOpens{},
		auditTrail(t), nil, "", clock, testConfig(), logger.NewLogger())

	sched.Resume(context.Background(), []models.RegistrationPlan{plan})

	select {
	case <-enq.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("resumed plan never fired")
	}
	assert.Equal(t, models.PlanFiring, plans.status("p1"))
}
