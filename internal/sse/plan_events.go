package sse

import (
	"context"
	"sync"
	"time"

	"ms-signup/internal/models"
)

// PlanStatusEvent is one entry on a plan's live status stream.
type PlanStatusEvent struct {
	PlanID    string            `json:"plan_id"`
	Status    models.PlanStatus `json:"status"`
	EventType string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
}

// PlanEventEmitter fans plan status changes out to connected SSE clients.
type PlanEventEmitter struct {
	clients     map[string][]chan PlanStatusEvent
	clientMutex sync.RWMutex
}

func NewPlanEventEmitter() *PlanEventEmitter {
	return &PlanEventEmitter{
		clients: make(map[string][]chan PlanStatusEvent),
	}
}

// SubscribeToPlan adds a client to the plan's status stream. The client is
// removed when its context is done.
func (e *PlanEventEmitter) SubscribeToPlan(ctx context.Context, planID string) chan PlanStatusEvent {
	clientChan := make(chan PlanStatusEvent, 10)

	e.clientMutex.Lock()
	e.clients[planID] = append(e.clients[planID], clientChan)
	e.clientMutex.Unlock()

	go func() {
		<-ctx.Done()
		e.removeClient(planID, clientChan)
	}()

	return clientChan
}

// PublishPlanEvent satisfies the scheduler's publisher interface, so the
// emitter can sit behind the same fan-out as the Kafka producer. The topic
// argument is ignored; streams are keyed by plan.
func (e *PlanEventEmitter) PublishPlanEvent(_ context.Context, _ string, plan models.RegistrationPlan, eventType string) error {
	event := PlanStatusEvent{
		PlanID:    plan.PlanID,
		Status:    plan.Status,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}

	e.clientMutex.RLock()
	subscribers := e.clients[plan.PlanID]
	e.clientMutex.RUnlock()

	for _, clientChan := range subscribers {
		select {
		case clientChan <- event:
		default:
			// Slow client; drop rather than block the publisher.
		}
	}
	return nil
}

func (e *PlanEventEmitter) removeClient(planID string, clientChan chan PlanStatusEvent) {
	e.clientMutex.Lock()
	defer e.clientMutex.Unlock()

	subscribers := e.clients[planID]
	for i, ch := range subscribers {
		if ch == clientChan {
			e.clients[planID] = append(subscribers[:i], subscribers[i+1:]...)
			close(ch)
			break
		}
	}
	if len(e.clients[planID]) == 0 {
		delete(e.clients, planID)
	}
}
