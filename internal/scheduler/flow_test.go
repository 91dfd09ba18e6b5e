package scheduler_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-signup/internal/audit"
	"ms-signup/internal/billing"
	"ms-signup/internal/config"
	"ms-signup/internal/gate"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
	plandb "ms-signup/internal/plan/db"
	"ms-signup/internal/queue"
	queuedb "ms-signup/internal/queue/db"
	queueredis "ms-signup/internal/queue/redis"
	"ms-signup/internal/reservation"
	resdb "ms-signup/internal/reservation/db"
	"ms-signup/internal/scheduler"
)

// confirmingAutomator reports every attempt as confirmed.
type confirmingAutomator struct{}

func (confirmingAutomator) PerformRegistration(_ context.Context, res models.Reservation, _ *models.BookingDetails) (*models.ProviderResponse, error) {
	return &models.ProviderResponse{Result: "confirmed", ConfirmationRef: "REF-" + res.ReservationID}, nil
}

type stubProvider struct {
	mu      sync.Mutex
	charges int
}

func (p *stubProvider) GetOrCreateCustomer(_ context.Context, userID, _ string) (string, error) {
	return "cus_" + userID, nil
}

func (p *stubProvider) Charge(_ context.Context, _ string, _ int64, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges++
	return fmt.Sprintf("ch_%d", p.charges), nil
}

func (p *stubProvider) chargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

// The whole pipeline, end to end: an armed plan fires at its open instant,
// the fairness queue admits the priority reservation first, the gate confirms
// both, and the success fee lands exactly once per reservation. The audit
// trail must show that story in order.
func TestFullFlowAuditOrdering(t *testing.T) {
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.User)(nil),
		(*models.RegistrationPlan)(nil),
		(*models.Reservation)(nil),
		(*models.QueueEntry)(nil),
		(*models.BillingCaptureRecord)(nil),
		(*models.AuditEvent)(nil),
	} {
		_, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx)
		require.NoError(t, err)
	}
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		redisClient.Close()
		mr.Close()
	})

	appLog := logger.NewLogger()
	trail := audit.NewTrail(db, nil, "", appLog)

	reservationDB := &resdb.DB{Bun: db}
	planDB := &plandb.DB{Bun: db}
	entryDB := &queuedb.DB{Bun: db}
	ledger := &billing.DB{Bun: db}
	sessionLock := queueredis.NewRedis(redisClient)

	states := reservation.NewService(reservationDB, trail, appLog)
	provider := &stubProvider{}
	billingSvc := billing.NewService(ledger, provider, reservationDB, trail, nil, "",
		config.BillingConfig{SuccessFeeCents: 2000, Currency: "usd"}, appLog)

	executionGate := gate.New(reservationDB, planDB, states, nil, confirmingAutomator{},
		billingSvc, nil, nil, trail, false, appLog)
	manager := queue.NewManager(executionGate, entryDB, sessionLock, states, trail, nil, "",
		config.QueueConfig{RoundWindow: 100 * time.Millisecond, HardTimeout: 10 * time.Second}, appLog)
	executionGate.Queue = manager
	defer manager.Shutdown()

	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := newManualClock(start)
	sched := scheduler.New(planDB, reservationDB, manager, nil, nil, trail, nil, "",
		clock, testConfig(), appLog)

	// Seed: one user, one plan, two pending reservations for the same
	// contested session, one of them priority.
	_, err = db.NewInsert().Model(&models.User{
		UserID: "user-1", Email: "parent@example.com", FullName: "Test Parent",
	}).Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, planDB.CreatePlan(ctx, models.RegistrationPlan{
		PlanID:       "p1",
		UserID:       "user-1",
		SessionRef:   "session-1",
		ProviderName: "campbrain",
		Status:       models.PlanDraft,
		BookingDetails: &models.BookingDetails{
			Platform: models.PlatformGeneric,
			Raw:      json.RawMessage(`{"form":"summer-2026"}`),
		},
	}))

	for _, r := range []struct {
		id       string
		priority bool
	}{{"r-prio", true}, {"r-norm", false}} {
		intent := "pi_" + r.id
		require.NoError(t, reservationDB.CreateReservation(ctx, models.Reservation{
			ReservationID:         r.id,
			UserID:                "user-1",
			ChildID:               "child-1",
			SessionID:             "session-1",
			Status:                models.ReservationPending,
			PriorityOptIn:         r.priority,
			ProviderPlatform:      models.PlatformCampBrain,
			ProviderSessionKey:    "cb-1",
			StripePaymentIntentID: &intent,
		}))
	}

	executeAt := start.Add(time.Minute)
	require.NoError(t, sched.Arm(ctx, "p1", executeAt, time.Time{}, true))

	waitForWaiters(t, clock, 1)
	clock.Advance(time.Minute)

	// The round window and dispatch run on real time; wait until both
	// reservations reach a terminal state and both fees are captured.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var confirmed int
		confirmed, err = db.NewSelect().Model((*models.Reservation)(nil)).
			Where("status = ?", models.ReservationConfirmed).Count(ctx)
		require.NoError(t, err)
		var fees int
		fees, err = db.NewSelect().Model((*models.BillingCaptureRecord)(nil)).Count(ctx)
		require.NoError(t, err)
		if confirmed == 2 && fees == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline incomplete: %d confirmed, %d fees", confirmed, fees)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Priority admitted before normal.
	var events []models.AuditEvent
	require.NoError(t, db.NewSelect().Model(&events).Order("created_at ASC").Scan(ctx))

	index := func(predicate func(models.AuditEvent) bool) int {
		for i, e := range events {
			if predicate(e) {
				return i
			}
		}
		return -1
	}
	byType := func(eventType string) int {
		return index(func(e models.AuditEvent) bool { return e.EventType == eventType })
	}
	admittedIdx := func(reservationID string) int {
		return index(func(e models.AuditEvent) bool {
			return e.EventType == models.AuditQueueAdmitted &&
				strings.Contains(string(e.EventData), reservationID)
		})
	}
	confirmedIdx := index(func(e models.AuditEvent) bool {
		return e.EventType == models.AuditStatusTransition &&
			strings.Contains(string(e.EventData), `"to":"confirmed"`)
	})

	armed := byType(models.AuditPlanArmed)
	firing := byType(models.AuditPlanFiring)
	feeCaptured := byType(models.AuditFeeCaptured)
	prio := admittedIdx("r-prio")
	norm := admittedIdx("r-norm")

	require.GreaterOrEqual(t, armed, 0, "missing PLAN_ARMED")
	require.GreaterOrEqual(t, firing, 0, "missing PLAN_FIRING")
	require.GreaterOrEqual(t, prio, 0, "missing priority admission")
	require.GreaterOrEqual(t, norm, 0, "missing normal admission")
	require.GreaterOrEqual(t, confirmedIdx, 0, "missing confirmed transition")
	require.GreaterOrEqual(t, feeCaptured, 0, "missing fee capture")

	assert.Less(t, armed, firing, "armed before firing")
	assert.Less(t, firing, prio, "firing before any admission")
	assert.Less(t, prio, norm, "priority admitted before normal")
	assert.Less(t, prio, confirmedIdx, "admission before confirmation")
	assert.Less(t, confirmedIdx, feeCaptured, "confirmation before fee capture")

	// Exactly one charge per reservation.
	assert.Equal(t, 2, provider.chargeCount())
}
