package db

import (
	"context"

	"github.com/uptrace/bun"

	"ms-signup/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// CreateEntry → record an admission ticket
func (d *DB) CreateEntry(ctx context.Context, entry models.QueueEntry) error {
	_, err := d.Bun.NewInsert().Model(&entry).Exec(ctx)
	return err
}

// MarkAdmitted → flip the admitted flag once the coordinator dispatches
func (d *DB) MarkAdmitted(ctx context.Context, entryID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.QueueEntry)(nil)).
		Set("admitted = ?", true).
		Set("outcome = ?", models.OutcomeAdmitted).
		Where("entry_id = ?", entryID).
		Exec(ctx)
	return err
}

// MarkOutcome → record the terminal outcome for an entry
func (d *DB) MarkOutcome(ctx context.Context, entryID string, outcome models.QueueOutcome) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.QueueEntry)(nil)).
		Set("outcome = ?", outcome).
		Where("entry_id = ?", entryID).
		Exec(ctx)
	return err
}

// GetEntriesBySession → all tickets for one contested session, arrival order
func (d *DB) GetEntriesBySession(ctx context.Context, sessionID string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := d.Bun.NewSelect().
		Model(&entries).
		Where("session_id = ?", sessionID).
		Order("enqueued_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
