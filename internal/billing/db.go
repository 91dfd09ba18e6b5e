package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"ms-signup/internal/models"
)

// ErrDuplicateCapture surfaces the storage-level uniqueness constraint on
// reservation_id. Seeing it means another worker already wrote the record.
var ErrDuplicateCapture = errors.New("capture record already exists")

type DB struct {
	Bun *bun.DB
}

// GetCaptureRecord → the ledger entry for one reservation, sql.ErrNoRows when
// none exists yet
func (d *DB) GetCaptureRecord(ctx context.Context, reservationID string) (*models.BillingCaptureRecord, error) {
	var record models.BillingCaptureRecord
	err := d.Bun.NewSelect().
		Model(&record).
		Where("reservation_id = ?", reservationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// InsertCaptureRecord → write the ledger entry; a concurrent writer loses
// with ErrDuplicateCapture
func (d *DB) InsertCaptureRecord(ctx context.Context, record models.BillingCaptureRecord) error {
	_, err := d.Bun.NewInsert().Model(&record).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateCapture
	}
	return err
}

// isUniqueViolation matches both the Postgres and SQLite (test) drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
