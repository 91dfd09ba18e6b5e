package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ms-signup/internal/audit"
	"ms-signup/internal/config"
	"ms-signup/internal/kafka"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
)

var (
	ErrQueueClosed    = errors.New("queue closed for session")
	ErrNotCoordinator = errors.New("another instance coordinates this session")
)

// Dispatcher is the execution gate. It owns status transitions for the
// reservation it receives; the queue only decides order.
type Dispatcher interface {
	Execute(ctx context.Context, reservation models.Reservation) error
}

type EntryDB interface {
	CreateEntry(ctx context.Context, entry models.QueueEntry) error
	MarkAdmitted(ctx context.Context, entryID string) error
	MarkOutcome(ctx context.Context, entryID string, outcome models.QueueOutcome) error
}

// SessionLock is the cross-process advisory lock plus the closed marker.
type SessionLock interface {
	AcquireSessionLock(sessionID, ownerID string) (bool, error)
	ReleaseSessionLock(sessionID, ownerID string) error
	MarkQueueClosed(sessionID, reason string) error
	IsQueueClosed(sessionID string) (bool, string, error)
}

type Transitioner interface {
	Transition(ctx context.Context, reservationID string, newStatus models.ReservationStatus, actor, reason string) (*models.Reservation, error)
}

type QueuePublisher interface {
	PublishQueueEvent(ctx context.Context, topic string, event kafka.QueueEvent) error
}

type attempt struct {
	entry models.QueueEntry
	res   models.Reservation
}

// sessionQueue is the per-session coordinator state. Only its loop goroutine
// reads or writes the arrival lists, which is what keeps two fairness
// decisions from ever being computed from divergent views.
type sessionQueue struct {
	sessionID string
	arrivals  chan attempt
	closeCh   chan models.QueueOutcome
	done      chan struct{}
}

// Manager runs one coordinator goroutine per contested session and admits
// fired attempts in priority-then-arrival order, in rounds.
type Manager struct {
	Gate     Dispatcher
	DB       EntryDB
	Sessions SessionLock
	States   Transitioner
	Audit    *audit.Trail
	Producer QueuePublisher
	Topic    string
	Cfg      config.QueueConfig
	Log      *logger.Logger
	OwnerID  string

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

func NewManager(gate Dispatcher, db EntryDB, sessions SessionLock, states Transitioner,
	trail *audit.Trail, producer QueuePublisher, topic string, cfg config.QueueConfig, log *logger.Logger) *Manager {
	return &Manager{
		Gate:     gate,
		DB:       db,
		Sessions: sessions,
		States:   states,
		Audit:    trail,
		Producer: producer,
		Topic:    topic,
		Cfg:      cfg,
		Log:      log,
		OwnerID:  uuid.NewString(),
		queues:   make(map[string]*sessionQueue),
	}
}

// Enqueue admits a fired reservation into its session's queue. A reservation
// arriving after the queue closed fails immediately with queue_closed rather
// than waiting forever.
func (m *Manager) Enqueue(ctx context.Context, res models.Reservation) error {
	if m.Sessions != nil {
		closed, reason, err := m.Sessions.IsQueueClosed(res.SessionID)
		if err != nil {
			m.Log.Error("QUEUE", fmt.Sprintf("Closed-marker check failed for session %s: %v", res.SessionID, err))
		} else if closed {
			entry := m.newEntry(res)
			if err := m.DB.CreateEntry(ctx, entry); err != nil {
				m.Log.Error("QUEUE", fmt.Sprintf("Failed to persist late queue entry for %s: %v", res.ReservationID, err))
			}
			m.failEntry(ctx, entry, res, reason)
			return ErrQueueClosed
		}
	}

	sq, err := m.getOrCreate(res.SessionID)
	if err != nil {
		return err
	}

	entry := m.newEntry(res)
	if err := m.DB.CreateEntry(ctx, entry); err != nil {
		m.Log.Error("QUEUE", fmt.Sprintf("Failed to persist queue entry for %s: %v", res.ReservationID, err))
	}

	select {
	case sq.arrivals <- attempt{entry: entry, res: res}:
		m.Log.LogQueue("ENQUEUE", res.SessionID, fmt.Sprintf("reservation %s (priority=%t)", res.ReservationID, res.PriorityOptIn))
		return nil
	case <-sq.done:
		m.failEntry(ctx, entry, res, "queue_closed")
		return ErrQueueClosed
	}
}

// FinishAttempt is the explicit closure callback: the gate reports each
// attempt's outcome here, and a capacity-exhausted outcome closes the queue
// for everyone still waiting.
func (m *Manager) FinishAttempt(sessionID string, outcome models.QueueOutcome) {
	if outcome != models.OutcomeCapacityExhausted {
		return
	}
	m.mu.Lock()
	sq, ok := m.queues[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sq.closeCh <- models.OutcomeCapacityExhausted:
	case <-sq.done:
	}
}

func (m *Manager) newEntry(res models.Reservation) models.QueueEntry {
	return models.QueueEntry{
		EntryID:       uuid.NewString(),
		ReservationID: res.ReservationID,
		SessionID:     res.SessionID,
		PriorityOptIn: res.PriorityOptIn,
		EnqueuedAt:    time.Now().UTC(),
	}
}

func (m *Manager) getOrCreate(sessionID string) (*sessionQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sq, ok := m.queues[sessionID]; ok {
		return sq, nil
	}

	if m.Sessions != nil {
		if err := m.acquireLock(sessionID); err != nil {
			return nil, err
		}
	}

	sq := &sessionQueue{
		sessionID: sessionID,
		arrivals:  make(chan attempt, 256),
		closeCh:   make(chan models.QueueOutcome, 1),
		done:      make(chan struct{}),
	}
	m.queues[sessionID] = sq
	go m.loop(sq)
	m.Log.LogQueue("OPEN", sessionID, "coordinator started")
	return sq, nil
}

// acquireLock takes the cross-process coordinator lock, retrying briefly so a
// lock held by a crashed instance (bounded by its TTL) doesn't instantly
// drop an attempt.
func (m *Manager) acquireLock(sessionID string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, err := m.Sessions.AcquireSessionLock(sessionID, m.OwnerID)
		if err != nil {
			return fmt.Errorf("session lock error: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			m.Log.LogSecurity("COORDINATOR_CONFLICT", fmt.Sprintf("session %s is coordinated elsewhere", sessionID))
			return ErrNotCoordinator
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// loop is the single writer for one session's arrival lists.
func (m *Manager) loop(sq *sessionQueue) {
	defer m.teardown(sq)

	var priority, normal []attempt
	var roundC <-chan time.Time
	hardC := time.After(m.Cfg.HardTimeout)

	for {
		select {
		case a := <-sq.arrivals:
			if a.res.PriorityOptIn {
				priority = append(priority, a)
			} else {
				normal = append(normal, a)
			}
			if roundC == nil {
				// The round window opens at the first arrival of the round.
				roundC = time.After(m.Cfg.RoundWindow)
			}
		case <-roundC:
			m.admitRound(sq.sessionID, priority, normal)
			priority, normal = nil, nil
			roundC = nil
		case outcome := <-sq.closeCh:
			m.closeQueue(sq, priority, normal, outcome)
			return
		case <-hardC:
			m.Log.LogQueue("TIMEOUT", sq.sessionID, "hard timeout elapsed, closing queue")
			m.closeQueue(sq, priority, normal, models.OutcomeQueueClosed)
			return
		}
	}
}

// admitRound dispatches every priority arrival of the round before any normal
// arrival, preserving arrival order within each tier. Dispatch is serial so
// the ordering guarantee extends all the way into the gate.
func (m *Manager) admitRound(sessionID string, priority, normal []attempt) {
	for _, a := range priority {
		m.admit(sessionID, a)
	}
	for _, a := range normal {
		m.admit(sessionID, a)
	}
}

func (m *Manager) admit(sessionID string, a attempt) {
	ctx := context.Background()

	if err := m.DB.MarkAdmitted(ctx, a.entry.EntryID); err != nil {
		m.Log.Error("QUEUE", fmt.Sprintf("Failed to mark entry %s admitted: %v", a.entry.EntryID, err))
	}
	m.Audit.MustRecord(ctx, a.res.UserID, models.AuditQueueAdmitted, map[string]interface{}{
		"reservation_id": a.res.ReservationID,
		"session_id":     sessionID,
		"priority":       a.res.PriorityOptIn,
	})
	if m.Producer != nil {
		if err := m.Producer.PublishQueueEvent(ctx, m.Topic, kafka.QueueEvent{
			Type:          "queue_admitted",
			SessionID:     sessionID,
			ReservationID: a.res.ReservationID,
			Priority:      a.res.PriorityOptIn,
		}); err != nil {
			m.Log.LogKafka("ERROR", m.Topic, fmt.Sprintf("queue_admitted publish failed: %v", err))
		}
	}
	m.Log.LogQueue("ADMIT", sessionID, fmt.Sprintf("reservation %s (priority=%t)", a.res.ReservationID, a.res.PriorityOptIn))

	if err := m.Gate.Execute(ctx, a.res); err != nil {
		m.Log.Error("QUEUE", fmt.Sprintf("Gate rejected reservation %s: %v", a.res.ReservationID, err))
	}
}

// closeQueue fails everything not yet admitted, marks the session closed for
// other processes, and tears the coordinator down.
func (m *Manager) closeQueue(sq *sessionQueue, priority, normal []attempt, outcome models.QueueOutcome) {
	ctx := context.Background()
	reason := string(outcome)

	if m.Sessions != nil {
		if err := m.Sessions.MarkQueueClosed(sq.sessionID, reason); err != nil {
			m.Log.Error("QUEUE", fmt.Sprintf("Failed to mark session %s closed: %v", sq.sessionID, err))
		}
	}

	remaining := append(append([]attempt{}, priority...), normal...)
	// Drain anything that raced into the channel before the close.
	for {
		select {
		case a := <-sq.arrivals:
			remaining = append(remaining, a)
			continue
		default:
		}
		break
	}

	for _, a := range remaining {
		m.failEntry(ctx, a.entry, a.res, "queue_closed")
	}

	if m.Producer != nil {
		if err := m.Producer.PublishQueueEvent(ctx, m.Topic, kafka.QueueEvent{
			Type:      "queue_closed",
			SessionID: sq.sessionID,
			Reason:    reason,
		}); err != nil {
			m.Log.LogKafka("ERROR", m.Topic, fmt.Sprintf("queue_closed publish failed: %v", err))
		}
	}
	m.Log.LogQueue("CLOSE", sq.sessionID, fmt.Sprintf("queue closed (%s), %d entries failed", reason, len(remaining)))
}

func (m *Manager) failEntry(ctx context.Context, entry models.QueueEntry, res models.Reservation, reason string) {
	if err := m.DB.MarkOutcome(ctx, entry.EntryID, models.OutcomeQueueClosed); err != nil {
		m.Log.Error("QUEUE", fmt.Sprintf("Failed to mark entry %s outcome: %v", entry.EntryID, err))
	}
	if _, err := m.States.Transition(ctx, res.ReservationID, models.ReservationFailed, "fairness_queue", reason); err != nil {
		m.Log.Error("QUEUE", fmt.Sprintf("Failed to fail reservation %s: %v", res.ReservationID, err))
	}
	m.Audit.MustRecord(ctx, res.UserID, models.AuditQueueClosed, map[string]string{
		"reservation_id": res.ReservationID,
		"session_id":     res.SessionID,
		"reason":         reason,
	})
}

func (m *Manager) teardown(sq *sessionQueue) {
	close(sq.done)
	m.mu.Lock()
	delete(m.queues, sq.sessionID)
	m.mu.Unlock()
	if m.Sessions != nil {
		if err := m.Sessions.ReleaseSessionLock(sq.sessionID, m.OwnerID); err != nil {
			m.Log.Error("QUEUE", fmt.Sprintf("Failed to release coordinator lock for %s: %v", sq.sessionID, err))
		}
	}
}

// Shutdown closes every live session queue. Unadmitted entries fail with
// queue_closed, which is the conservative answer on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	queues := make([]*sessionQueue, 0, len(m.queues))
	for _, sq := range m.queues {
		queues = append(queues, sq)
	}
	m.mu.Unlock()

	for _, sq := range queues {
		select {
		case sq.closeCh <- models.OutcomeQueueClosed:
		case <-sq.done:
		}
	}
}
