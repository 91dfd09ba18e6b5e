package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-signup/internal/audit"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
)

var (
	ErrNotFound            = errors.New("reservation not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAlreadyTransitioned = errors.New("already transitioned")
)

// legal holds the full transition table. Confirmed and failed are terminal;
// needs_user_action can still resolve either way.
var legal = map[models.ReservationStatus][]models.ReservationStatus{
	models.ReservationPending: {
		models.ReservationConfirmed,
		models.ReservationFailed,
		models.ReservationNeedsUserAction,
	},
	models.ReservationNeedsUserAction: {
		models.ReservationConfirmed,
		models.ReservationFailed,
	},
}

func allowed(from, to models.ReservationStatus) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

type DBLayer interface {
	GetReservationByID(ctx context.Context, id string) (*models.Reservation, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.ReservationStatus, reason string) (bool, error)
}

// Service is the single source of truth for reservation status changes. The
// scheduler, execution gate and billing capture all go through Transition;
// none of them touch the status column directly.
type Service struct {
	DB    DBLayer
	Audit *audit.Trail
	Log   *logger.Logger
}

func NewService(db DBLayer, trail *audit.Trail, log *logger.Logger) *Service {
	return &Service{DB: db, Audit: trail, Log: log}
}

// Transition moves a reservation to newStatus if the transition table allows
// it from the current status. Exactly one caller wins a race on the same
// reservation; losers get ErrAlreadyTransitioned, never a silent overwrite.
func (s *Service) Transition(ctx context.Context, reservationID string, newStatus models.ReservationStatus, actor, reason string) (*models.Reservation, error) {
	res, err := s.DB.GetReservationByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load reservation %s: %w", reservationID, err)
	}

	current := res.Status
	if current.Terminal() {
		s.Log.Warn("STATE", fmt.Sprintf("Rejected transition %s -> %s for %s: reservation is terminal", current, newStatus, reservationID))
		return nil, ErrAlreadyTransitioned
	}
	if !allowed(current, newStatus) {
		s.Log.Error("STATE", fmt.Sprintf("Rejected illegal transition %s -> %s for %s (actor: %s)", current, newStatus, reservationID, actor))
		return nil, ErrInvalidTransition
	}

	swapped, err := s.DB.CompareAndSwapStatus(ctx, reservationID, current, newStatus, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to transition reservation %s: %w", reservationID, err)
	}
	if !swapped {
		// Someone else moved it between our read and our write.
		s.Log.Warn("STATE", fmt.Sprintf("Lost transition race on %s: %s -> %s (actor: %s)", reservationID, current, newStatus, actor))
		return nil, ErrAlreadyTransitioned
	}

	res.Status = newStatus
	res.FailureReason = reason

	s.Audit.MustRecord(ctx, res.UserID, models.AuditStatusTransition, map[string]string{
		"reservation_id": reservationID,
		"from":           string(current),
		"to":             string(newStatus),
		"actor":          actor,
		"reason":         reason,
	})

	s.Log.Info("STATE", fmt.Sprintf("Reservation %s: %s -> %s (actor: %s)", reservationID, current, newStatus, actor))
	return res, nil
}
