package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"ms-signup/internal/audit"
	"ms-signup/internal/automation"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
	"ms-signup/internal/notify"
	"ms-signup/internal/verify"
)

// GateError carries both a safe public message and the detail that goes to
// logs only.
type GateError struct {
	Code          string // e.g. INVALID_RESERVATION_SOURCE
	StatusCode    int    // HTTP-equivalent status
	PublicError   string // safe to expose to clients
	InternalError string // detailed error for logs only
	OriginalErr   error  // underlying error
}

func (e *GateError) Error() string {
	return e.InternalError
}

const (
	CodeInvalidSource       = "INVALID_RESERVATION_SOURCE"
	CodePublicModeBlocked   = "PUBLIC_MODE_BLOCKED"
	CodeRecaptchaFailed     = "RECAPTCHA_FAILED"
	CodeExecutionInProgress = "EXECUTION_IN_PROGRESS"
	CodeNotPending          = "RESERVATION_NOT_PENDING"
)

type ReservationSource interface {
	GetReservationByID(ctx context.Context, id string) (*models.Reservation, error)
	SetProviderResponse(ctx context.Context, id string, response *models.ProviderResponse) error
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

type PlanSource interface {
	GetPlanByUserAndSession(ctx context.Context, userID, sessionRef string) (*models.RegistrationPlan, error)
}

type Transitioner interface {
	Transition(ctx context.Context, reservationID string, newStatus models.ReservationStatus, actor, reason string) (*models.Reservation, error)
}

type Verifier interface {
	Verify(ctx context.Context, token string) (*verify.Result, error)
	Passed(r *verify.Result) bool
}

type Automator interface {
	PerformRegistration(ctx context.Context, reservation models.Reservation, details *models.BookingDetails) (*models.ProviderResponse, error)
}

type CaptureService interface {
	CaptureSuccessFee(ctx context.Context, reservationID, email string) (*models.CaptureResult, error)
}

// Closer is the fairness queue's closure callback.
type Closer interface {
	FinishAttempt(sessionID string, outcome models.QueueOutcome)
}

// Gate is the last checkpoint before a reservation reaches the automation
// collaborator. Every rejection is distinct, audited, and surfaced to the
// caller with a manual fallback where one exists.
type Gate struct {
	Reservations ReservationSource
	Plans        PlanSource
	States       Transitioner
	Verifier     Verifier
	Automation   Automator
	Billing      CaptureService
	Queue        Closer
	Notify       *notify.Notifier
	Audit        *audit.Trail
	Log          *logger.Logger
	PublicMode   bool

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(reservations ReservationSource, plans PlanSource, states Transitioner, verifier Verifier,
	automator Automator, billing CaptureService, queue Closer, notifier *notify.Notifier,
	trail *audit.Trail, publicMode bool, log *logger.Logger) *Gate {
	return &Gate{
		Reservations: reservations,
		Plans:        plans,
		States:       states,
		Verifier:     verifier,
		Automation:   automator,
		Billing:      billing,
		Queue:        queue,
		Notify:       notifier,
		Audit:        trail,
		Log:          log,
		PublicMode:   publicMode,
		inFlight:     make(map[string]bool),
	}
}

// Execute satisfies the fairness queue's dispatcher. Queue-admitted attempts
// were verified at arm time, so no token travels with them.
func (g *Gate) Execute(ctx context.Context, reservation models.Reservation) error {
	_, err := g.ExecuteReservation(ctx, reservation.ReservationID, "")
	return err
}

// ExecuteReservation runs the full check sequence and, on success, the
// registration attempt itself.
func (g *Gate) ExecuteReservation(ctx context.Context, reservationID, verificationToken string) (*models.ExecuteResponse, error) {
	reservation, err := g.Reservations.GetReservationByID(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("reservation %s not found: %w", reservationID, err)
	}

	// Concurrent duplicate attempts for the same reservation are rejected,
	// not queued behind each other.
	if !g.claim(reservationID) {
		return nil, &GateError{
			Code:          CodeExecutionInProgress,
			StatusCode:    http.StatusConflict,
			PublicError:   "Execution already in progress for this reservation",
			InternalError: fmt.Sprintf("duplicate execution attempt for reservation %s", reservationID),
		}
	}
	defer g.release(reservationID)

	// Check 1: the canonical-flow security boundary. A reservation without a
	// payment intent did not come through the paid intake flow and must never
	// reach the automation collaborator.
	if !reservation.FromCanonicalFlow() {
		g.Log.LogSecurity("LEGACY_EXECUTION_BLOCKED", fmt.Sprintf("reservation %s has no payment intent", reservationID))
		g.Audit.MustRecord(ctx, reservation.UserID, models.AuditLegacyExecutionBlocked, map[string]string{
			"reservation_id": reservationID,
		})
		if g.Notify != nil {
			g.Notify.SendFallback(ctx, *reservation, "reservation was not created through the standard flow")
		}
		return &models.ExecuteResponse{
				ReservationID: reservationID,
				Status:        "rejected",
				Reason:        CodeInvalidSource,
				FallbackURL:   models.ProviderSiteURL(reservation.ProviderPlatform),
			}, &GateError{
				Code:          CodeInvalidSource,
				StatusCode:    http.StatusForbidden,
				PublicError:   "Reservation is not eligible for automated execution",
				InternalError: fmt.Sprintf("reservation %s missing stripe_payment_intent_id", reservationID),
			}
	}

	// Check 2: public/demo mode blocks all private execution, globally.
	if g.PublicMode {
		g.Audit.MustRecord(ctx, reservation.UserID, models.AuditPublicModeBlocked, map[string]string{
			"reservation_id": reservationID,
		})
		return &models.ExecuteResponse{
				ReservationID: reservationID,
				Status:        "rejected",
				Reason:        CodePublicModeBlocked,
				FallbackURL:   models.ProviderSiteURL(reservation.ProviderPlatform),
			}, &GateError{
				Code:          CodePublicModeBlocked,
				StatusCode:    http.StatusForbidden,
				PublicError:   "Automated execution is disabled, register directly with the provider",
				InternalError: "public mode is active, private execution blocked",
			}
	}

	// Check 3: human verification, when a token travels with the request.
	if verificationToken != "" {
		result, err := g.Verifier.Verify(ctx, verificationToken)
		if err != nil || !g.Verifier.Passed(result) {
			g.Audit.MustRecord(ctx, reservation.UserID, models.AuditRecaptchaFailed, map[string]string{
				"reservation_id": reservationID,
			})
			internal := "verification below threshold"
			if err != nil {
				internal = err.Error()
			}
			return &models.ExecuteResponse{
					ReservationID: reservationID,
					Status:        "rejected",
					Reason:        CodeRecaptchaFailed,
				}, &GateError{
					Code:          CodeRecaptchaFailed,
					StatusCode:    http.StatusBadRequest,
					PublicError:   "Human verification failed, please try again",
					InternalError: fmt.Sprintf("recaptcha failed for reservation %s: %s", reservationID, internal),
					OriginalErr:   err,
				}
		}
	}

	// Check 4: only pending reservations execute; everything else already
	// ran or resolved.
	if reservation.Status != models.ReservationPending {
		return nil, &GateError{
			Code:          CodeNotPending,
			StatusCode:    http.StatusConflict,
			PublicError:   "Reservation has already been processed",
			InternalError: fmt.Sprintf("reservation %s is %s, not pending", reservationID, reservation.Status),
		}
	}

	return g.perform(ctx, reservation)
}

func (g *Gate) claim(reservationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[reservationID] {
		return false
	}
	g.inFlight[reservationID] = true
	return true
}

func (g *Gate) release(reservationID string) {
	g.mu.Lock()
	delete(g.inFlight, reservationID)
	g.mu.Unlock()
}

// perform invokes the automation collaborator and applies its result through
// the state machine. A timeout or transport error is failed, never confirmed.
func (g *Gate) perform(ctx context.Context, reservation *models.Reservation) (*models.ExecuteResponse, error) {
	var details *models.BookingDetails
	if plan, err := g.Plans.GetPlanByUserAndSession(ctx, reservation.UserID, reservation.SessionID); err == nil {
		details = plan.BookingDetails
	} else {
		g.Log.Warn("GATE", fmt.Sprintf("No plan found for reservation %s, executing without booking details: %v", reservation.ReservationID, err))
	}
	if details != nil {
		if err := details.Validate(); err != nil {
			g.Log.Warn("GATE", fmt.Sprintf("Booking details invalid for %s: %v", reservation.ReservationID, err))
		}
	}

	response, err := g.Automation.PerformRegistration(ctx, *reservation, details)
	if err != nil {
		reason := "automation_error"
		if errors.Is(err, automation.ErrTimeout) {
			reason = "automation_timeout"
		}
		if _, terr := g.States.Transition(ctx, reservation.ReservationID, models.ReservationFailed, "execution_gate", reason); terr != nil {
			g.Log.Error("GATE", fmt.Sprintf("Failed to fail reservation %s after %s: %v", reservation.ReservationID, reason, terr))
		}
		g.finishAttempt(reservation.SessionID, models.OutcomeAdmitted)
		return &models.ExecuteResponse{
			ReservationID: reservation.ReservationID,
			Status:        string(models.ReservationFailed),
			Reason:        reason,
		}, nil
	}

	if err := g.Reservations.SetProviderResponse(ctx, reservation.ReservationID, response); err != nil {
		g.Log.Error("GATE", fmt.Sprintf("Failed to store provider response for %s: %v", reservation.ReservationID, err))
	}

	switch response.Result {
	case "confirmed":
		return g.confirm(ctx, reservation, response)

	case "needs_user_action":
		if _, terr := g.States.Transition(ctx, reservation.ReservationID, models.ReservationNeedsUserAction, "execution_gate", response.Message); terr != nil {
			g.Log.Error("GATE", fmt.Sprintf("Failed to transition %s to needs_user_action: %v", reservation.ReservationID, terr))
		}
		if g.Notify != nil {
			g.Notify.SendCaptchaAssist(ctx, *reservation, response.Message)
		}
		g.finishAttempt(reservation.SessionID, models.OutcomeAdmitted)
		return &models.ExecuteResponse{
			ReservationID: reservation.ReservationID,
			Status:        string(models.ReservationNeedsUserAction),
			Reason:        response.Message,
		}, nil

	case "capacity_exhausted":
		if _, terr := g.States.Transition(ctx, reservation.ReservationID, models.ReservationFailed, "execution_gate", "capacity_exhausted"); terr != nil {
			g.Log.Error("GATE", fmt.Sprintf("Failed to fail %s on capacity exhaustion: %v", reservation.ReservationID, terr))
		}
		g.finishAttempt(reservation.SessionID, models.OutcomeCapacityExhausted)
		return &models.ExecuteResponse{
			ReservationID: reservation.ReservationID,
			Status:        string(models.ReservationFailed),
			Reason:        "capacity_exhausted",
			FallbackURL:   models.ProviderSiteURL(reservation.ProviderPlatform),
		}, nil

	default:
		// Inconclusive: the reservation stays pending and the caller may
		// retry with a fresh attempt.
		g.Log.Warn("GATE", fmt.Sprintf("Inconclusive automation result %q for %s, reservation stays pending", response.Result, reservation.ReservationID))
		g.finishAttempt(reservation.SessionID, models.OutcomeAdmitted)
		return &models.ExecuteResponse{
			ReservationID: reservation.ReservationID,
			Status:        string(models.ReservationPending),
			Reason:        response.Message,
		}, nil
	}
}

func (g *Gate) confirm(ctx context.Context, reservation *models.Reservation, response *models.ProviderResponse) (*models.ExecuteResponse, error) {
	confirmed, terr := g.States.Transition(ctx, reservation.ReservationID, models.ReservationConfirmed, "execution_gate", "")
	if terr != nil {
		// Another path confirmed or failed it first; do not double-bill.
		g.Log.Error("GATE", fmt.Sprintf("Failed to confirm %s: %v", reservation.ReservationID, terr))
		g.finishAttempt(reservation.SessionID, models.OutcomeAdmitted)
		return &models.ExecuteResponse{
			ReservationID: reservation.ReservationID,
			Status:        "rejected",
			Reason:        "already_transitioned",
		}, terr
	}

	// Billing failure is an operational concern, never a reason to
	// un-confirm a successful registration.
	if g.Billing != nil {
		email := ""
		if user, uerr := g.Reservations.GetUserByID(ctx, reservation.UserID); uerr == nil {
			email = user.Email
		} else {
			g.Log.Warn("GATE", fmt.Sprintf("No user record for %s, capturing without email: %v", reservation.UserID, uerr))
		}
		if _, berr := g.Billing.CaptureSuccessFee(ctx, reservation.ReservationID, email); berr != nil {
			g.Log.Error("GATE", fmt.Sprintf("Success fee capture failed for %s (reservation stays confirmed): %v", reservation.ReservationID, berr))
		}
	}

	if g.Notify != nil {
		g.Notify.SendConfirmation(ctx, *confirmed, response.ConfirmationRef)
	}
	g.finishAttempt(reservation.SessionID, models.OutcomeAdmitted)

	return &models.ExecuteResponse{
		ReservationID: reservation.ReservationID,
		Status:        string(models.ReservationConfirmed),
	}, nil
}

func (g *Gate) finishAttempt(sessionID string, outcome models.QueueOutcome) {
	if g.Queue != nil {
		g.Queue.FinishAttempt(sessionID, outcome)
	}
}
