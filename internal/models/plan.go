package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanArmed     PlanStatus = "armed"
	PlanFiring    PlanStatus = "firing"
	PlanDone      PlanStatus = "done"
	PlanCancelled PlanStatus = "cancelled"
)

// RegistrationPlan is a user's intent to attempt a registration at a future
// open instant. A plan must carry ManualOpenAt before it can be armed.
type RegistrationPlan struct {
	bun.BaseModel `bun:"table:registration_plans"`

	PlanID         string          `bun:"plan_id,pk" json:"plan_id"`
	UserID         string          `bun:"user_id,notnull" json:"user_id"`
	SessionRef     string          `bun:"session_ref,notnull" json:"session_ref"`
	ProviderName   string          `bun:"provider_name,notnull" json:"provider_name"`
	ManualOpenAt   *time.Time      `bun:"manual_open_at,nullzero" json:"manual_open_at,omitempty"`
	BookingDetails *BookingDetails `bun:"booking_details,type:jsonb" json:"booking_details,omitempty"`
	Status         PlanStatus      `bun:"status,notnull" json:"status"`
	OpenTimeExact  bool            `bun:"open_time_exact" json:"open_time_exact"`
	CreatedAt      time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time       `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}
