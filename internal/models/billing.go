package models

import (
	"time"

	"github.com/uptrace/bun"
)

// BillingCaptureRecord is the idempotency ledger entry for the success fee.
// The unique constraint on reservation_id is enforced by the schema, not just
// here, so concurrent capture attempts from different processes collapse to
// one record.
type BillingCaptureRecord struct {
	bun.BaseModel `bun:"table:billing_capture_records"`

	ReservationID   string    `bun:"reservation_id,pk" json:"reservation_id"`
	UserID          string    `bun:"user_id,notnull" json:"user_id"`
	AmountCents     int64     `bun:"amount_cents,notnull" json:"amount_cents"`
	Currency        string    `bun:"currency,notnull" json:"currency"`
	StripeChargeRef string    `bun:"stripe_charge_ref,notnull" json:"stripe_charge_ref"`
	CapturedAt      time.Time `bun:"captured_at,notnull" json:"captured_at"`
}

// CaptureResult is returned to callers of the capture operation.
type CaptureResult struct {
	Captured bool                  `json:"captured"`
	Existing bool                  `json:"existing"`
	Record   *BillingCaptureRecord `json:"record"`
}
