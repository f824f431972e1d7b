package payments

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventLog remembers processed webhook event ids so re-deliveries short-circuit.
// It is an optimisation; ledger idempotency holds without it.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

const (
	eventKeyPrefix = "stripe:event:"
	// Stripe retries deliveries for up to three days.
	eventTTL = 72 * time.Hour
)

// RedisEventLog is an EventLog backed by expiring Redis keys.
type RedisEventLog struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventLog creates a Redis-backed event log.
func NewRedisEventLog(client *redis.Client) *RedisEventLog {
	return &RedisEventLog{client: client, ttl: eventTTL}
}

func (l *RedisEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	err := l.client.Get(ctx, eventKeyPrefix+eventID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *RedisEventLog) Mark(ctx context.Context, eventID string) error {
	return l.client.Set(ctx, eventKeyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}
