package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-signup/internal/audit"
	"ms-signup/internal/config"
	"ms-signup/internal/kafka"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
)

var (
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationNotBilled = errors.New("reservation is not confirmed, nothing to capture")
)

type PaymentProvider interface {
	GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error)
	Charge(ctx context.Context, customerRef string, amountCents int64, currency, idempotencyKey string) (string, error)
}

type Ledger interface {
	GetCaptureRecord(ctx context.Context, reservationID string) (*models.BillingCaptureRecord, error)
	InsertCaptureRecord(ctx context.Context, record models.BillingCaptureRecord) error
}

type ReservationSource interface {
	GetReservationByID(ctx context.Context, id string) (*models.Reservation, error)
}

type BillingPublisher interface {
	PublishBillingEvent(ctx context.Context, topic string, event kafka.BillingEvent) error
}

// Service captures the fixed success fee exactly once per confirmed
// reservation. The ledger lookup makes retries no-ops, the unique constraint
// makes concurrent workers collapse to one record, and the Stripe idempotency
// key makes even a lost race free of a second charge.
type Service struct {
	Ledger       Ledger
	Provider     PaymentProvider
	Reservations ReservationSource
	Audit        *audit.Trail
	Producer     BillingPublisher
	Topic        string
	Cfg          config.BillingConfig
	Log          *logger.Logger
}

func NewService(ledger Ledger, provider PaymentProvider, reservations ReservationSource,
	trail *audit.Trail, producer BillingPublisher, topic string, cfg config.BillingConfig, log *logger.Logger) *Service {
	return &Service{
		Ledger:       ledger,
		Provider:     provider,
		Reservations: reservations,
		Audit:        trail,
		Producer:     producer,
		Topic:        topic,
		Cfg:          cfg,
		Log:          log,
	}
}

// CaptureSuccessFee charges the success fee for a confirmed reservation. Safe
// under concurrent and duplicate invocation; a capture failure is audited and
// retryable, and never rolls back the reservation's confirmed status.
func (s *Service) CaptureSuccessFee(ctx context.Context, reservationID, email string) (*models.CaptureResult, error) {
	reservation, err := s.Reservations.GetReservationByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to load reservation %s: %w", reservationID, err)
	}
	if reservation.Status != models.ReservationConfirmed {
		return nil, fmt.Errorf("%w: status is %s", ErrReservationNotBilled, reservation.Status)
	}

	// Idempotent fast path: a prior capture returns its record unchanged.
	if existing, err := s.Ledger.GetCaptureRecord(ctx, reservationID); err == nil {
		s.Log.LogBilling("SKIP", reservationID, "success fee already captured")
		return &models.CaptureResult{Captured: false, Existing: true, Record: existing}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger lookup failed for %s: %w", reservationID, err)
	}

	customerRef, err := s.Provider.GetOrCreateCustomer(ctx, reservation.UserID, email)
	if err != nil {
		s.recordFailure(ctx, reservation, err)
		return nil, fmt.Errorf("failed to resolve billing customer: %w", err)
	}

	idempotencyKey := "fee:" + reservationID
	chargeRef, err := s.Provider.Charge(ctx, customerRef, s.Cfg.SuccessFeeCents, s.Cfg.Currency, idempotencyKey)
	if err != nil {
		s.recordFailure(ctx, reservation, err)
		return nil, fmt.Errorf("failed to capture success fee: %w", err)
	}

	record := models.BillingCaptureRecord{
		ReservationID:   reservationID,
		UserID:          reservation.UserID,
		AmountCents:     s.Cfg.SuccessFeeCents,
		Currency:        s.Cfg.Currency,
		StripeChargeRef: chargeRef,
		CapturedAt:      time.Now().UTC(),
	}

	if err := s.Ledger.InsertCaptureRecord(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateCapture) {
			// A concurrent worker won the insert. The Stripe idempotency key
			// guarantees our charge call and theirs were the same charge, so
			// the existing record is the truth.
			existing, lookupErr := s.Ledger.GetCaptureRecord(ctx, reservationID)
			if lookupErr != nil {
				return nil, fmt.Errorf("capture raced but existing record unreadable: %w", lookupErr)
			}
			s.Log.LogBilling("RACE", reservationID, "lost capture race, returning existing record")
			return &models.CaptureResult{Captured: false, Existing: true, Record: existing}, nil
		}
		// Charged but not recorded: surface loudly, the retry will no-op on
		// the charge thanks to the idempotency key and complete the record.
		s.recordFailure(ctx, reservation, err)
		return nil, fmt.Errorf("charge succeeded but ledger write failed: %w", err)
	}

	s.Audit.MustRecord(ctx, reservation.UserID, models.AuditFeeCaptured, map[string]interface{}{
		"reservation_id": reservationID,
		"amount_cents":   s.Cfg.SuccessFeeCents,
		"charge_ref":     chargeRef,
	})
	if s.Producer != nil {
		if err := s.Producer.PublishBillingEvent(ctx, s.Topic, kafka.BillingEvent{
			Type:          "fee_captured",
			ReservationID: reservationID,
			UserID:        reservation.UserID,
			AmountCents:   s.Cfg.SuccessFeeCents,
			ChargeRef:     chargeRef,
		}); err != nil {
			s.Log.LogKafka("ERROR", s.Topic, fmt.Sprintf("fee_captured publish failed: %v", err))
		}
	}
	s.Log.LogBilling("CAPTURED", reservationID, fmt.Sprintf("%d %s (charge %s)", s.Cfg.SuccessFeeCents, s.Cfg.Currency, chargeRef))

	return &models.CaptureResult{Captured: true, Record: &record}, nil
}

func (s *Service) recordFailure(ctx context.Context, reservation *models.Reservation, cause error) {
	s.Audit.MustRecord(ctx, reservation.UserID, models.AuditFeeCaptureFailed, map[string]string{
		"reservation_id": reservation.ReservationID,
		"error":          cause.Error(),
	})
	if s.Producer != nil {
		if err := s.Producer.PublishBillingEvent(ctx, s.Topic, kafka.BillingEvent{
			Type:          "fee_capture_failed",
			ReservationID: reservation.ReservationID,
			UserID:        reservation.UserID,
			Error:         cause.Error(),
		}); err != nil {
			s.Log.LogKafka("ERROR", s.Topic, fmt.Sprintf("fee_capture_failed publish failed: %v", err))
		}
	}
	s.Log.Error("BILLING", fmt.Sprintf("Success fee capture failed for %s: %v", reservation.ReservationID, cause))
}
