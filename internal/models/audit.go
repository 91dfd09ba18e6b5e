package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Audit event types written by the core. The trail is append-only; nothing in
// the core ever reads it back.
const (
	AuditPlanArmed              = "PLAN_ARMED"
	AuditPlanFiring             = "PLAN_FIRING"
	AuditPlanCancelled          = "PLAN_CANCELLED"
	AuditPrewarmCompleted       = "PREWARM_COMPLETED"
	AuditPrewarmFailed          = "PREWARM_FAILED"
	AuditQueueAdmitted          = "QUEUE_ADMITTED"
	AuditQueueClosed            = "QUEUE_CLOSED"
	AuditStatusTransition       = "STATUS_TRANSITION"
	AuditLegacyExecutionBlocked = "LEGACY_EXECUTION_BLOCKED"
	AuditPublicModeBlocked      = "PUBLIC_MODE_BLOCKED"
	AuditRecaptchaFailed        = "RECAPTCHA_FAILED"
	AuditFeeCaptured            = "SUCCESS_FEE_CAPTURED"
	AuditFeeCaptureFailed       = "SUCCESS_FEE_CAPTURE_FAILED"
)

type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events"`

	EventID   string          `bun:"event_id,pk" json:"event_id"`
	UserID    string          `bun:"user_id,notnull" json:"user_id"`
	EventType string          `bun:"event_type,notnull" json:"event_type"`
	EventData json.RawMessage `bun:"event_data,type:jsonb" json:"event_data"`
	CreatedAt time.Time       `bun:"created_at,notnull" json:"created_at"`
}
