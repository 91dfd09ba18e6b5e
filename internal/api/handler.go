package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-signup/internal/gate"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
	"ms-signup/internal/reservation"
	"ms-signup/internal/scheduler"
	"ms-signup/internal/utils"

	"github.com/go-chi/chi/v5"
)

type PlanReader interface {
	GetPlanByID(ctx context.Context, id string) (*models.RegistrationPlan, error)
}

type ReservationReader interface {
	GetReservationByID(ctx context.Context, id string) (*models.Reservation, error)
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

type FeeCapturer interface {
	CaptureSuccessFee(ctx context.Context, reservationID, email string) (*models.CaptureResult, error)
}

type Handler struct {
	Scheduler    *scheduler.Scheduler
	Gate         *gate.Gate
	States       *reservation.Service
	Plans        PlanReader
	Reservations ReservationReader
	Billing      FeeCapturer
	Logger       *logger.Logger
}

func NewHandler(sched *scheduler.Scheduler, g *gate.Gate, states *reservation.Service,
	plans PlanReader, reservations ReservationReader, billing FeeCapturer, log *logger.Logger) *Handler {
	return &Handler{
		Scheduler:    sched,
		Gate:         g,
		States:       states,
		Plans:        plans,
		Reservations: reservations,
		Billing:      billing,
		Logger:       log,
	}
}

func (h *Handler) ArmPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planId")
	h.Logger.Info("API", fmt.Sprintf("ArmPlan: planId=%s", planID))

	var req models.ArmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("ArmPlan: failed to decode request body: %v", err))
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ExecuteAt.IsZero() {
		h.Logger.Warn("API", "ArmPlan: execute_at is required")
		http.Error(w, "execute_at is required", http.StatusBadRequest)
		return
	}

	err := h.Scheduler.Arm(r.Context(), planID, req.ExecuteAt, req.PrewarmAt, req.OpenTimeExact)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrPlanNotFound):
			http.Error(w, "Plan not found", http.StatusNotFound)
		case errors.Is(err, scheduler.ErrPastDue):
			http.Error(w, "Plan open time is already past, plan cancelled", http.StatusUnprocessableEntity)
		case errors.Is(err, scheduler.ErrAlreadyArmed):
			http.Error(w, "Plan is already armed", http.StatusConflict)
		default:
			h.Logger.Error("API", fmt.Sprintf("ArmPlan: failed to arm plan: %v", err))
			http.Error(w, "Could not arm plan: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	prewarmAt := req.PrewarmAt
	if prewarmAt.IsZero() {
		prewarmAt = req.ExecuteAt.Add(-h.Scheduler.Cfg.PrewarmLead)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(utils.SuccessResponse("Plan armed", models.ArmResponse{
		PlanID:    planID,
		Status:    string(models.PlanArmed),
		ExecuteAt: req.ExecuteAt,
		PrewarmAt: prewarmAt,
	})); err != nil {
		h.Logger.Error("API", fmt.Sprintf("ArmPlan: failed to encode response: %v", err))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("ArmPlan: plan %s armed successfully", planID))
}

func (h *Handler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planId")
	h.Logger.Info("API", fmt.Sprintf("CancelPlan: planId=%s", planID))

	err := h.Scheduler.Cancel(r.Context(), planID)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrPlanNotFound):
			http.Error(w, "Plan not found", http.StatusNotFound)
		case errors.Is(err, scheduler.ErrCannotCancel):
			http.Error(w, "Plan is already firing and cannot be cancelled", http.StatusConflict)
		case errors.Is(err, scheduler.ErrNotCancellable):
			http.Error(w, "Plan is not in a cancellable state", http.StatusConflict)
		default:
			h.Logger.Error("API", fmt.Sprintf("CancelPlan: failed to cancel plan: %v", err))
			http.Error(w, "Could not cancel plan: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.Logger.Info("API", fmt.Sprintf("CancelPlan: plan %s cancelled", planID))
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planId")
	h.Logger.Info("API", fmt.Sprintf("GetPlan: planId=%s", planID))

	plan, err := h.Plans.GetPlanByID(r.Context(), planID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetPlan: plan not found: %v", err))
		http.Error(w, "Plan not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(plan); err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetPlan: failed to encode response: %v", err))
	}
}

func (h *Handler) ExecuteReservation(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")
	h.Logger.Info("API", fmt.Sprintf("ExecuteReservation: reservationId=%s", reservationID))

	var req models.ExecuteRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.Logger.Error("API", fmt.Sprintf("ExecuteReservation: failed to decode request body: %v", err))
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	resp, err := h.Gate.ExecuteReservation(r.Context(), reservationID, req.VerificationToken)
	if err != nil {
		var gerr *gate.GateError
		if errors.As(err, &gerr) {
			h.Logger.Warn("API", fmt.Sprintf("ExecuteReservation: %s: %s", gerr.Code, gerr.InternalError))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(gerr.StatusCode)
			body := utils.ErrorResponse(gerr.PublicError, gerr.Code)
			if resp != nil {
				body.Data = resp
			}
			if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
				h.Logger.Error("API", fmt.Sprintf("ExecuteReservation: failed to encode error response: %v", encErr))
			}
			return
		}
		h.Logger.Error("API", fmt.Sprintf("ExecuteReservation: execution failed: %v", err))
		http.Error(w, "Execution failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(utils.SuccessResponse("Execution completed", resp)); err != nil {
		h.Logger.Error("API", fmt.Sprintf("ExecuteReservation: failed to encode response: %v", err))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("ExecuteReservation: reservation %s finished as %s", reservationID, resp.Status))
}

func (h *Handler) TransitionReservation(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")
	h.Logger.Info("API", fmt.Sprintf("TransitionReservation: reservationId=%s", reservationID))

	var req models.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("TransitionReservation: failed to decode request body: %v", err))
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.NewStatus == "" {
		http.Error(w, "new_status is required", http.StatusBadRequest)
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	res, err := h.States.Transition(r.Context(), reservationID, models.ReservationStatus(req.NewStatus), actor, "manual transition")
	if err != nil {
		switch {
		case errors.Is(err, reservation.ErrNotFound):
			http.Error(w, "Reservation not found", http.StatusNotFound)
			return
		case errors.Is(err, reservation.ErrAlreadyTransitioned):
			// A lost race is a normal outcome, not a server error.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			if encErr := json.NewEncoder(w).Encode(models.TransitionResponse{
				ReservationID: reservationID,
				Result:        "already_transitioned",
			}); encErr != nil {
				h.Logger.Error("API", fmt.Sprintf("TransitionReservation: failed to encode response: %v", encErr))
			}
			return
		case errors.Is(err, reservation.ErrInvalidTransition):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			if encErr := json.NewEncoder(w).Encode(models.TransitionResponse{
				ReservationID: reservationID,
				Result:        "invalid_transition",
			}); encErr != nil {
				h.Logger.Error("API", fmt.Sprintf("TransitionReservation: failed to encode response: %v", encErr))
			}
			return
		default:
			h.Logger.Error("API", fmt.Sprintf("TransitionReservation: transition failed: %v", err))
			http.Error(w, "Transition failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models.TransitionResponse{
		ReservationID: reservationID,
		Status:        string(res.Status),
		Result:        "ok",
	}); err != nil {
		h.Logger.Error("API", fmt.Sprintf("TransitionReservation: failed to encode response: %v", err))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("TransitionReservation: reservation %s is now %s", reservationID, res.Status))
}

// CaptureFee replays the success-fee capture for a confirmed reservation.
// The capture itself is idempotent, so replaying after a billing outage is
// always safe.
func (h *Handler) CaptureFee(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")
	h.Logger.Info("API", fmt.Sprintf("CaptureFee: reservationId=%s", reservationID))

	// Billing is optional wiring; without a payment collaborator the capture
	// cannot run and the replay must be retried once billing is back.
	if h.Billing == nil {
		h.Logger.Warn("API", "CaptureFee: billing is not configured")
		http.Error(w, "Billing is not available", http.StatusServiceUnavailable)
		return
	}

	res, err := h.Reservations.GetReservationByID(r.Context(), reservationID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CaptureFee: reservation not found: %v", err))
		http.Error(w, "Reservation not found", http.StatusNotFound)
		return
	}

	email := ""
	if user, uerr := h.Reservations.GetUserByID(r.Context(), res.UserID); uerr == nil {
		email = user.Email
	}

	result, err := h.Billing.CaptureSuccessFee(r.Context(), reservationID, email)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CaptureFee: capture failed for %s: %v", reservationID, err))
		http.Error(w, "Capture failed: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	message := "Success fee captured"
	if result.Existing {
		message = "Success fee was already captured"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(utils.SuccessResponse(message, result)); err != nil {
		h.Logger.Error("API", fmt.Sprintf("CaptureFee: failed to encode response: %v", err))
		return
	}
	h.Logger.LogBilling("CAPTURE_REPLAY", reservationID, message)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "signup-service",
		"time":    time.Now().UTC(),
	}); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Health: failed to encode response: %v", err))
	}
}
