package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-signup/internal/logger"
	"ms-signup/internal/models"
)

// Publisher is the subset of the Kafka producer the trail mirrors events to.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Trail appends audit events. The core writes and never reads; dashboards and
// alerting consume the table and the Kafka mirror out of band.
type Trail struct {
	DB       *bun.DB
	Producer Publisher
	Topic    string
	Log      *logger.Logger
}

func NewTrail(db *bun.DB, producer Publisher, topic string, log *logger.Logger) *Trail {
	return &Trail{DB: db, Producer: producer, Topic: topic, Log: log}
}

// Record durably appends one event. The Kafka mirror is best-effort; a mirror
// failure never fails the write.
func (t *Trail) Record(ctx context.Context, userID, eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event data: %w", err)
	}

	event := models.AuditEvent{
		EventID:   uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		EventData: payload,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := t.DB.NewInsert().Model(&event).Exec(ctx); err != nil {
		return fmt.Errorf("audit: failed to insert event %s: %w", eventType, err)
	}

	if t.Producer != nil {
		msg, _ := json.Marshal(event)
		if err := t.Producer.Publish(ctx, t.Topic, userID, msg); err != nil {
			t.Log.Warn("AUDIT", fmt.Sprintf("Failed to mirror event %s to Kafka: %v", eventType, err))
		}
	}

	return nil
}

// MustRecord logs instead of returning when the write fails. Used on paths
// where the caller has nothing useful to do with an audit error.
func (t *Trail) MustRecord(ctx context.Context, userID, eventType string, data interface{}) {
	if err := t.Record(ctx, userID, eventType, data); err != nil {
		t.Log.Error("AUDIT", fmt.Sprintf("Failed to record %s for user %s: %v", eventType, userID, err))
	}
}
