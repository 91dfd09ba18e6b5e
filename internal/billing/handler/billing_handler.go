package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"ms-signup/internal/billing"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
	"ms-signup/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
)

// UserSource resolves the billing email for a reservation's owner.
type UserSource interface {
	GetReservationByID(ctx context.Context, id string) (*models.Reservation, error)
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

type LedgerReader interface {
	GetCaptureRecord(ctx context.Context, reservationID string) (*models.BillingCaptureRecord, error)
}

type BillingHandler struct {
	captureService *billing.Service
	ledger         LedgerReader
	users          UserSource
	logger         *logger.Logger
}

func NewBillingHandler(captureService *billing.Service, ledger LedgerReader, users UserSource, logger *logger.Logger) *BillingHandler {
	return &BillingHandler{
		captureService: captureService,
		ledger:         ledger,
		users:          users,
		logger:         logger,
	}
}

// CaptureFee replays the success-fee capture for one reservation. The capture
// is idempotent, so operators can call this freely after an outage.
func (h *BillingHandler) CaptureFee(c *gin.Context) {
	reservationID := c.Param("reservationId")
	if reservationID == "" {
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid request", "reservation_id is required"))
		return
	}

	email := h.resolveEmail(c.Request.Context(), reservationID)

	result, err := h.captureService.CaptureSuccessFee(c.Request.Context(), reservationID, email)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrReservationNotFound):
			c.JSON(http.StatusNotFound, utils.ErrorResponse("Reservation not found", err.Error()))
		case errors.Is(err, billing.ErrReservationNotBilled):
			c.JSON(http.StatusUnprocessableEntity, utils.ErrorResponse("Reservation is not billable", err.Error()))
		default:
			h.logger.Error("BILLING", fmt.Sprintf("CaptureFee: capture failed for %s: %v", reservationID, err))
			c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Capture failed", err.Error()))
		}
		return
	}

	message := "Success fee captured"
	if result.Existing {
		message = "Success fee was already captured"
	}
	c.JSON(http.StatusOK, utils.SuccessResponse(message, result))
}

// GetCapture returns the ledger record for one reservation.
func (h *BillingHandler) GetCapture(c *gin.Context) {
	reservationID := c.Param("reservationId")

	record, err := h.ledger.GetCaptureRecord(c.Request.Context(), reservationID)
	if err != nil {
		c.JSON(http.StatusNotFound, utils.ErrorResponse("No capture record", "no success fee has been captured for this reservation"))
		return
	}

	c.JSON(http.StatusOK, utils.SuccessResponse("Capture record", record))
}

// HandleStripeWebhook receives Stripe's asynchronous payment events. Captures
// are driven by our own confirmation stream; the webhook only reconciles.
func (h *BillingHandler) HandleStripeWebhook(c *gin.Context) {
	var event stripe.Event
	if err := json.NewDecoder(c.Request.Body).Decode(&event); err != nil {
		h.logger.Error("BILLING", fmt.Sprintf("HandleStripeWebhook: failed to decode event: %v", err))
		c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid webhook payload", err.Error()))
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			h.logger.Error("BILLING", fmt.Sprintf("HandleStripeWebhook: failed to decode payment intent: %v", err))
			c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid webhook payload", err.Error()))
			return
		}
		h.logger.LogBilling("WEBHOOK", intent.ID, fmt.Sprintf("payment intent succeeded (%d %s)", intent.Amount, intent.Currency))

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err == nil {
			h.logger.LogBilling("WEBHOOK", intent.ID, "payment intent failed")
		}

	default:
		h.logger.Debug("BILLING", fmt.Sprintf("HandleStripeWebhook: ignoring event type %s", event.Type))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *BillingHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "billing-worker"})
}

func (h *BillingHandler) resolveEmail(ctx context.Context, reservationID string) string {
	res, err := h.users.GetReservationByID(ctx, reservationID)
	if err != nil {
		return ""
	}
	user, err := h.users.GetUserByID(ctx, res.UserID)
	if err != nil {
		return ""
	}
	return user.Email
}
