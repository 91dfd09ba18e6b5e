package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-signup/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// GetReservationByID → fetch one reservation by its ID
func (d *DB) GetReservationByID(ctx context.Context, id string) (*models.Reservation, error) {
	var reservation models.Reservation
	err := d.Bun.NewSelect().
		Model(&reservation).
		Where("reservation_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, err
	}
	return &reservation, nil
}

// CreateReservation → insert new reservation
func (d *DB) CreateReservation(ctx context.Context, reservation models.Reservation) error {
	_, err := d.Bun.NewInsert().Model(&reservation).Exec(ctx)
	return err
}

// CompareAndSwapStatus updates the status only if the current status still
// matches. Returns false when another writer got there first; the caller
// decides what that means.
func (d *DB) CompareAndSwapStatus(ctx context.Context, id string, from, to models.ReservationStatus, reason string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", to).
		Set("failure_reason = ?", reason).
		Set("updated_at = ?", time.Now().UTC()).
		Where("reservation_id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SetProviderResponse stores whatever the automation collaborator returned.
func (d *DB) SetProviderResponse(ctx context.Context, id string, response *models.ProviderResponse) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("provider_response = ?", response).
		Set("updated_at = ?", time.Now().UTC()).
		Where("reservation_id = ?", id).
		Exec(ctx)
	return err
}

// GetUserByID → the owning user, for billing and notifications
func (d *DB) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := d.Bun.NewSelect().
		Model(&user).
		Where("user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetPendingByUserAndSession → a user's still-executable reservations for one
// session, oldest first. The scheduler enqueues these when a plan fires.
func (d *DB) GetPendingByUserAndSession(ctx context.Context, userID, sessionID string) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := d.Bun.NewSelect().
		Model(&reservations).
		Where("user_id = ?", userID).
		Where("session_id = ?", sessionID).
		Where("status = ?", models.ReservationPending).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

// GetReservationsBySession → all reservations targeting one contested session
func (d *DB) GetReservationsBySession(ctx context.Context, sessionID string) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := d.Bun.NewSelect().
		Model(&reservations).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}
