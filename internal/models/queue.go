package models

import (
	"time"

	"github.com/uptrace/bun"
)

type QueueOutcome string

const (
	OutcomeAdmitted          QueueOutcome = "admitted"
	OutcomeQueueClosed       QueueOutcome = "queue_closed"
	OutcomeCapacityExhausted QueueOutcome = "capacity_exhausted"
)

// QueueEntry is an admission ticket for one reservation into the fairness
// queue for one contested session-open event.
type QueueEntry struct {
	bun.BaseModel `bun:"table:queue_entries"`

	EntryID       string       `bun:"entry_id,pk" json:"entry_id"`
	ReservationID string       `bun:"reservation_id,notnull" json:"reservation_id"`
	SessionID     string       `bun:"session_id,notnull" json:"session_id"`
	PriorityOptIn bool         `bun:"priority_opt_in" json:"priority_opt_in"`
	EnqueuedAt    time.Time    `bun:"enqueued_at,notnull" json:"enqueued_at"`
	Admitted      bool         `bun:"admitted" json:"admitted"`
	Outcome       QueueOutcome `bun:"outcome,nullzero" json:"outcome,omitempty"`
}
