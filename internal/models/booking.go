package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Provider platforms the automation collaborator knows how to drive.
const (
	PlatformCampBrain  = "campbrain"
	PlatformActiveNet  = "activenet"
	PlatformCampMinder = "campminder"
	PlatformGeneric    = "generic"
)

var ErrUnknownPlatform = errors.New("unknown provider platform")

// BookingDetails is the payload handed to the automation collaborator. The
// shape is validated per platform at the boundary; unknown platforms fall back
// to the opaque Raw container rather than failing downstream.
type BookingDetails struct {
	Platform   string             `json:"platform"`
	CampBrain  *CampBrainBooking  `json:"campbrain,omitempty"`
	ActiveNet  *ActiveNetBooking  `json:"activenet,omitempty"`
	CampMinder *CampMinderBooking `json:"campminder,omitempty"`
	Raw        json.RawMessage    `json:"raw,omitempty"`
}

type CampBrainBooking struct {
	HouseholdID   string   `json:"household_id"`
	ParticipantID string   `json:"participant_id"`
	SessionCode   string   `json:"session_code"`
	AddOns        []string `json:"add_ons,omitempty"`
}

type ActiveNetBooking struct {
	ActivityID   string `json:"activity_id"`
	CenterID     string `json:"center_id"`
	EnrolleeName string `json:"enrollee_name"`
	EnrolleeDOB  string `json:"enrollee_dob"`
}

type CampMinderBooking struct {
	SeasonID  string `json:"season_id"`
	CamperID  string `json:"camper_id"`
	SessionID string `json:"session_id"`
}

// Validate checks that the payload matching the platform tag is present.
func (b *BookingDetails) Validate() error {
	switch b.Platform {
	case PlatformCampBrain:
		if b.CampBrain == nil {
			return fmt.Errorf("booking details: platform %s payload missing", b.Platform)
		}
	case PlatformActiveNet:
		if b.ActiveNet == nil {
			return fmt.Errorf("booking details: platform %s payload missing", b.Platform)
		}
	case PlatformCampMinder:
		if b.CampMinder == nil {
			return fmt.Errorf("booking details: platform %s payload missing", b.Platform)
		}
	case PlatformGeneric:
		if len(b.Raw) == 0 {
			return fmt.Errorf("booking details: generic payload missing")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, b.Platform)
	}
	return nil
}

// ProviderResponse is whatever the automation collaborator handed back,
// preserved verbatim alongside the fields the core cares about.
type ProviderResponse struct {
	Result          string          `json:"result"`
	ConfirmationRef string          `json:"confirmation_ref,omitempty"`
	Message         string          `json:"message,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}
