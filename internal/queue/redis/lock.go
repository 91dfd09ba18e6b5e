package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

type Redis struct {
	Client *redis.Client
	Logger *log.Logger
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		Client: client,
		Logger: log.Default(),
	}
}

// getCoordinatorLockDuration returns the session coordinator lock TTL from
// environment variables or the default value
func (r *Redis) getCoordinatorLockDuration() time.Duration {
	defaultDuration := 5 * time.Minute

	lockTTLStr := os.Getenv("SESSION_LOCK_TTL_MINUTES")
	if lockTTLStr == "" {
		return defaultDuration
	}

	lockTTLMin, err := strconv.Atoi(lockTTLStr)
	if err != nil {
		r.Logger.Println("REDIS: Invalid SESSION_LOCK_TTL_MINUTES value '" + lockTTLStr + "', using default 5 minutes")
		return defaultDuration
	}

	return time.Duration(lockTTLMin) * time.Minute
}

// AcquireSessionLock takes the single-coordinator advisory lock for one
// contested session. Only the process holding it may run fairness decisions
// for that session.
func (r *Redis) AcquireSessionLock(sessionID, ownerID string) (bool, error) {
	key := "session_coordinator:" + sessionID
	ok, err := r.Client.SetNX(context.Background(), key, ownerID, r.getCoordinatorLockDuration()).Result()
	return ok, err
}

// ReleaseSessionLock releases the coordinator lock, but only for the owner
// that took it.
func (r *Redis) ReleaseSessionLock(sessionID, ownerID string) error {
	ctx := context.Background()
	key := fmt.Sprintf("session_coordinator:%s", sessionID)
	val, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // already released
	}
	if err != nil {
		return err
	}
	if val == ownerID {
		_, err := r.Client.Del(ctx, key).Result()
		return err
	}
	return nil
}

// MarkQueueClosed records that a session's queue closed so late arrivals from
// any process fail fast instead of waiting on a dead queue.
func (r *Redis) MarkQueueClosed(sessionID, reason string) error {
	key := "queue_closed:" + sessionID
	return r.Client.Set(context.Background(), key, reason, 24*time.Hour).Err()
}

// IsQueueClosed checks the closed marker without touching it.
func (r *Redis) IsQueueClosed(sessionID string) (bool, string, error) {
	key := "queue_closed:" + sessionID
	val, err := r.Client.Get(context.Background(), key).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, val, nil
}

// SetWarmContext caches the prewarmed auth/session context for a session.
func (r *Redis) SetWarmContext(sessionRef string, payload []byte, ttl time.Duration) error {
	key := "warm:session:" + sessionRef
	return r.Client.Set(context.Background(), key, payload, ttl).Err()
}

// GetWarmContext returns the cached warm context, or nil when it expired.
func (r *Redis) GetWarmContext(sessionRef string) ([]byte, error) {
	key := "warm:session:" + sessionRef
	val, err := r.Client.Get(context.Background(), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}
