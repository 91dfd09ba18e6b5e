package db

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"ms-signup/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// GetPlanByID → fetch one plan by its ID
func (d *DB) GetPlanByID(ctx context.Context, id string) (*models.RegistrationPlan, error) {
	var plan models.RegistrationPlan
	err := d.Bun.NewSelect().
		Model(&plan).
		Where("plan_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// CreatePlan → insert new plan
func (d *DB) CreatePlan(ctx context.Context, plan models.RegistrationPlan) error {
	_, err := d.Bun.NewInsert().Model(&plan).Exec(ctx)
	return err
}

// CompareAndSwapStatus moves the plan status only if it still matches from.
// The scheduler leans on this for its exactly-one-fire guarantee.
func (d *DB) CompareAndSwapStatus(ctx context.Context, id string, from, to models.PlanStatus) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.RegistrationPlan)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", time.Now().UTC()).
		Where("plan_id = ?", id).
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

// GetPlanByUserAndSession → the plan carrying the booking details for a
// user's attempt on one session
func (d *DB) GetPlanByUserAndSession(ctx context.Context, userID, sessionRef string) (*models.RegistrationPlan, error) {
	var plan models.RegistrationPlan
	err := d.Bun.NewSelect().
		Model(&plan).
		Where("user_id = ?", userID).
		Where("session_ref = ?", sessionRef).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// UpdateSchedule stores the open instant and timing-certainty mode accepted
// at arming time.
func (d *DB) UpdateSchedule(ctx context.Context, id string, openAt time.Time, exact bool) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.RegistrationPlan)(nil)).
		Set("manual_open_at = ?", openAt).
		Set("open_time_exact = ?", exact).
		Set("updated_at = ?", time.Now().UTC()).
		Where("plan_id = ?", id).
		Exec(ctx)
	return err
}

// GetArmedPlans → plans that still need a timer after a restart
func (d *DB) GetArmedPlans(ctx context.Context) ([]models.RegistrationPlan, error) {
	var plans []models.RegistrationPlan
	err := d.Bun.NewSelect().
		Model(&plans).
		Where("status = ?", models.PlanArmed).
		Order("manual_open_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return plans, nil
}
