package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationPending         ReservationStatus = "pending"
	ReservationConfirmed       ReservationStatus = "confirmed"
	ReservationFailed          ReservationStatus = "failed"
	ReservationNeedsUserAction ReservationStatus = "needs_user_action"
)

// Reservation is the record of one registration attempt against one session
// for one child. StripePaymentIntentID is set only by the canonical intake
// flow; a reservation without it must never be executed.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ReservationID         string            `bun:"reservation_id,pk" json:"reservation_id"`
	UserID                string            `bun:"user_id,notnull" json:"user_id"`
	ChildID               string            `bun:"child_id,notnull" json:"child_id"`
	SessionID             string            `bun:"session_id,notnull" json:"session_id"`
	Status                ReservationStatus `bun:"status,notnull" json:"status"`
	PriorityOptIn         bool              `bun:"priority_opt_in" json:"priority_opt_in"`
	ProviderPlatform      string            `bun:"provider_platform,notnull" json:"provider_platform"`
	ProviderSessionKey    string            `bun:"provider_session_key,notnull" json:"provider_session_key"`
	StripePaymentIntentID *string           `bun:"stripe_payment_intent_id,nullzero" json:"stripe_payment_intent_id,omitempty"`
	ProviderResponse      *ProviderResponse `bun:"provider_response,type:jsonb" json:"provider_response,omitempty"`
	FailureReason         string            `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	CreatedAt             time.Time         `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt             time.Time         `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// FromCanonicalFlow reports whether the reservation carries the paid-intent
// marker attached by the canonical intake flow.
func (r *Reservation) FromCanonicalFlow() bool {
	return r.StripePaymentIntentID != nil && *r.StripePaymentIntentID != ""
}

// Terminal reports whether the reservation has left the executable states.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationConfirmed || s == ReservationFailed
}
