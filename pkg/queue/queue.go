package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueReceipts is the Redis list key for donation receipt jobs.
	QueueReceipts = "worker:receipts"
	// QueueAggregates is the Redis list key for aggregate rebuild jobs.
	QueueAggregates = "worker:aggregates"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// pollTimeout bounds one BLPOP so the worker notices cancellation.
	pollTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeDonationReceipt  JobType = "donation_receipt"
	JobTypeAggregateRebuild JobType = "aggregate_rebuild"
)

// DonationReceiptPayload is the payload for receipt jobs.
type DonationReceiptPayload struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

// AggregateRebuildPayload names the counters to recompute from the donation ledger.
type AggregateRebuildPayload struct {
	UserIDs []string    `json:"user_ids,omitempty"`
	TeamIDs []uuid.UUID `json:"team_ids,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueDonationReceipt enqueues a receipt upload for a recorded donation.
func (q *Queue) EnqueueDonationReceipt(ctx context.Context, payload DonationReceiptPayload) error {
	job, err := q.enqueue(ctx, JobTypeDonationReceipt, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued receipt job", zap.String("job_id", job.ID), zap.String("payment_intent", payload.PaymentIntentID))
	return nil
}

// EnqueueAggregateRebuild enqueues a recompute of user and team counters.
func (q *Queue) EnqueueAggregateRebuild(ctx context.Context, payload AggregateRebuildPayload) error {
	if len(payload.UserIDs) == 0 && len(payload.TeamIDs) == 0 {
		return nil
	}
	job, err := q.enqueue(ctx, JobTypeAggregateRebuild, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued rebuild job",
		zap.String("job_id", job.ID),
		zap.Strings("user_ids", payload.UserIDs),
		zap.Int("teams", len(payload.TeamIDs)),
		zap.String("reason", payload.Reason),
	)
	return nil
}

func (q *Queue) enqueue(ctx context.Context, typ JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		CreatedAt: time.Now(),
	}
	if err := q.push(ctx, ListFor(typ), job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// ListFor returns the Redis list a job type is queued on.
func ListFor(typ JobType) string {
	if typ == JobTypeAggregateRebuild {
		return QueueAggregates
	}
	return QueueReceipts
}

// Dequeue blocks until a job is available, the poll times out, or ctx is done.
// A timeout returns a nil job and nil error. Returns job and key (queue name).
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, pollTimeout, QueueAggregates, QueueReceipts).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		if err := q.push(ctx, QueueDLQ, job); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.push(ctx, ListFor(job.Type), job); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
