package models

import "time"

type ArmRequest struct {
	ExecuteAt     time.Time `json:"execute_at"`
	PrewarmAt     time.Time `json:"prewarm_at,omitempty"`
	OpenTimeExact bool      `json:"open_time_exact"`
}

type ArmResponse struct {
	PlanID    string    `json:"plan_id"`
	Status    string    `json:"status"`
	ExecuteAt time.Time `json:"execute_at"`
	PrewarmAt time.Time `json:"prewarm_at"`
}

type ExecuteRequest struct {
	VerificationToken string `json:"verification_token,omitempty"`
}

type ExecuteResponse struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	// FallbackURL points the user at the provider's own site when the
	// service refuses to act on their behalf.
	FallbackURL string `json:"fallback_url,omitempty"`
}

type TransitionRequest struct {
	NewStatus string `json:"new_status"`
	Actor     string `json:"actor,omitempty"`
}

type TransitionResponse struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
	Result        string `json:"result"` // ok | already_transitioned | invalid_transition
}
