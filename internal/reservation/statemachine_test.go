package reservation_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-signup/internal/audit"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
	"ms-signup/internal/reservation"
	resdb "ms-signup/internal/reservation/db"
)

func setupTestDB(t *testing.T) *bun.DB {
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and serializes the
	// CAS updates the same way Postgres row locks would.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.Reservation)(nil),
		(*models.AuditEvent)(nil),
	} {
		_, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx)
		require.NoError(t, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) (*reservation.Service, *resdb.DB, *bun.DB) {
	db := setupTestDB(t)
	appLog := logger.NewLogger()
	trail := audit.NewTrail(db, nil, "", appLog)
	layer := &resdb.DB{Bun: db}
	return reservation.NewService(layer, trail, appLog), layer, db
}

func seedReservation(t *testing.T, layer *resdb.DB, status models.ReservationStatus) models.Reservation {
	intent := "pi_test_123"
	res := models.Reservation{
		ReservationID:         "res-1",
		UserID:                "user-1",
		ChildID:               "child-1",
		SessionID:             "session-1",
		Status:                status,
		ProviderPlatform:      models.PlatformCampBrain,
		ProviderSessionKey:    "cb-42",
		StripePaymentIntentID: &intent,
	}
	require.NoError(t, layer.CreateReservation(context.Background(), res))
	return res
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		from    models.ReservationStatus
		to      models.ReservationStatus
		wantErr error
	}{
		{"pending to confirmed", models.ReservationPending, models.ReservationConfirmed, nil},
		{"pending to failed", models.ReservationPending, models.ReservationFailed, nil},
		{"pending to needs_user_action", models.ReservationPending, models.ReservationNeedsUserAction, nil},
		{"needs_user_action to confirmed", models.ReservationNeedsUserAction, models.ReservationConfirmed, nil},
		{"needs_user_action to failed", models.ReservationNeedsUserAction, models.ReservationFailed, nil},
		{"needs_user_action to pending", models.ReservationNeedsUserAction, models.ReservationPending, reservation.ErrInvalidTransition},
		{"confirmed is terminal", models.ReservationConfirmed, models.ReservationFailed, reservation.ErrAlreadyTransitioned},
		{"failed is terminal", models.ReservationFailed, models.ReservationConfirmed, reservation.ErrAlreadyTransitioned},
		{"pending to pending", models.ReservationPending, models.ReservationPending, reservation.ErrInvalidTransition},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, layer, _ := newTestService(t)
			seedReservation(t, layer, tc.from)

			res, err := svc.Transition(context.Background(), "res-1", tc.to, "test", "")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.to, res.Status)

			stored, err := layer.GetReservationByID(context.Background(), "res-1")
			require.NoError(t, err)
			assert.Equal(t, tc.to, stored.Status)
		})
	}
}

func TestTransitionUnknownReservation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Transition(context.Background(), "no-such-id", models.ReservationConfirmed, "test", "")
	assert.ErrorIs(t, err, reservation.ErrNotFound)
}

func TestTransitionRecordsFailureReason(t *testing.T) {
	svc, layer, _ := newTestService(t)
	seedReservation(t, layer, models.ReservationPending)

	_, err := svc.Transition(context.Background(), "res-1", models.ReservationFailed, "execution_gate", "automation_timeout")
	require.NoError(t, err)

	stored, err := layer.GetReservationByID(context.Background(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, "automation_timeout", stored.FailureReason)
}

func TestTransitionWritesAuditEvent(t *testing.T) {
	svc, layer, db := newTestService(t)
	seedReservation(t, layer, models.ReservationPending)

	_, err := svc.Transition(context.Background(), "res-1", models.ReservationConfirmed, "execution_gate", "")
	require.NoError(t, err)

	var events []models.AuditEvent
	require.NoError(t, db.NewSelect().Model(&events).Where("event_type = ?", models.AuditStatusTransition).Scan(context.Background()))
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].UserID)
	assert.Contains(t, string(events[0].EventData), `"to":"confirmed"`)
}

// Fifty concurrent writers race the same pending reservation toward
// contradictory terminal states. Exactly one may win.
func TestTransitionRaceSingleWinner(t *testing.T) {
	svc, layer, _ := newTestService(t)
	seedReservation(t, layer, models.ReservationPending)

	const writers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	losers := 0

	for i := 0; i < writers; i++ {
		target := models.ReservationConfirmed
		if i%2 == 1 {
			target = models.ReservationFailed
		}
		wg.Add(1)
		go func(to models.ReservationStatus) {
			defer wg.Done()
			_, err := svc.Transition(context.Background(), "res-1", to, "race-test", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, reservation.ErrAlreadyTransitioned):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(target)
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one writer must win the race")
	assert.Equal(t, writers-1, losers)

	stored, err := layer.GetReservationByID(context.Background(), "res-1")
	require.NoError(t, err)
	assert.True(t, stored.Status.Terminal())
}
