package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"ms-signup/internal/logger"
	"ms-signup/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Notifier publishes notification requests for the external delivery
// collaborator (SMS/email). Everything here is fire-and-forget: a delivery
// failure is logged and never blocks the state machine.
type Notifier struct {
	Producer Publisher
	Topic    string
	Passes   *PassGenerator
	Log      *logger.Logger
}

func NewNotifier(producer Publisher, topic string, passes *PassGenerator, log *logger.Logger) *Notifier {
	return &Notifier{Producer: producer, Topic: topic, Passes: passes, Log: log}
}

type notificationRequest struct {
	Type          string    `json:"type"`
	UserID        string    `json:"user_id"`
	ReservationID string    `json:"reservation_id"`
	SessionID     string    `json:"session_id"`
	Message       string    `json:"message,omitempty"`
	QRPass        string    `json:"qr_pass,omitempty"` // base64 PNG
	Timestamp     time.Time `json:"timestamp"`
}

// SendConfirmation notifies the parent of a confirmed registration, attaching
// the encrypted check-in pass when one can be generated.
func (n *Notifier) SendConfirmation(ctx context.Context, reservation models.Reservation, confirmationRef string) {
	req := notificationRequest{
		Type:          "registration_confirmed",
		UserID:        reservation.UserID,
		ReservationID: reservation.ReservationID,
		SessionID:     reservation.SessionID,
		Timestamp:     time.Now().UTC(),
	}

	if n.Passes != nil {
		png, err := n.Passes.GenerateConfirmationPass(reservation, confirmationRef)
		if err != nil {
			n.Log.Warn("NOTIFY", fmt.Sprintf("Failed to generate confirmation pass for %s: %v", reservation.ReservationID, err))
		} else {
			req.QRPass = base64.StdEncoding.EncodeToString(png)
		}
	}

	n.publish(ctx, req)
}

// SendCaptchaAssist asks a human to solve a CAPTCHA the automation hit.
func (n *Notifier) SendCaptchaAssist(ctx context.Context, reservation models.Reservation, message string) {
	n.publish(ctx, notificationRequest{
		Type:          "captcha_assist",
		UserID:        reservation.UserID,
		ReservationID: reservation.ReservationID,
		SessionID:     reservation.SessionID,
		Message:       message,
		Timestamp:     time.Now().UTC(),
	})
}

// SendFallback points the user at the provider's own site after a security or
// queue-closure rejection, instead of a dead end.
func (n *Notifier) SendFallback(ctx context.Context, reservation models.Reservation, reason string) {
	n.publish(ctx, notificationRequest{
		Type:          "manual_fallback",
		UserID:        reservation.UserID,
		ReservationID: reservation.ReservationID,
		SessionID:     reservation.SessionID,
		Message:       reason,
		Timestamp:     time.Now().UTC(),
	})
}

func (n *Notifier) publish(ctx context.Context, req notificationRequest) {
	if n.Producer == nil {
		return
	}
	msg, err := json.Marshal(req)
	if err != nil {
		n.Log.Error("NOTIFY", fmt.Sprintf("Failed to encode %s notification: %v", req.Type, err))
		return
	}
	if err := n.Producer.Publish(ctx, n.Topic, req.UserID, msg); err != nil {
		n.Log.Warn("NOTIFY", fmt.Sprintf("Failed to publish %s notification for %s: %v", req.Type, req.ReservationID, err))
	}
}
