package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-signup/internal/models"
)

// Producer wraps a kafka-go writer. Topic is chosen per message so one writer
// serves every event stream.
type Producer struct {
	Writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	return &Producer{Writer: writer}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

// PlanEvent mirrors plan lifecycle changes onto the event stream.
type PlanEvent struct {
	Type      string    `json:"type"`
	PlanID    string    `json:"plan_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *Producer) PublishPlanEvent(ctx context.Context, topic string, plan models.RegistrationPlan, eventType string) error {
	msg, err := json.Marshal(PlanEvent{
		Type:      eventType,
		PlanID:    plan.PlanID,
		UserID:    plan.UserID,
		Status:    string(plan.Status),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, plan.PlanID, msg)
}

// QueueEvent records fairness queue admissions and closures.
type QueueEvent struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"session_id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Priority      bool      `json:"priority"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (p *Producer) PublishQueueEvent(ctx context.Context, topic string, event QueueEvent) error {
	event.Timestamp = time.Now().UTC()
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, event.SessionID, msg)
}

// BillingEvent records success-fee captures and capture failures.
type BillingEvent struct {
	Type          string    `json:"type"`
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	AmountCents   int64     `json:"amount_cents,omitempty"`
	ChargeRef     string    `json:"charge_ref,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (p *Producer) PublishBillingEvent(ctx context.Context, topic string, event BillingEvent) error {
	event.Timestamp = time.Now().UTC()
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, event.ReservationID, msg)
}
