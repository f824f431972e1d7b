package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/models"
	"github.com/bravethewaves/backend/pkg/queue"
)

// ReceiptUploader stores rendered receipts. Implemented by *storage.S3.
type ReceiptUploader interface {
	UploadReceipt(ctx context.Context, paymentIntentID string, body []byte) (string, error)
}

// JobSource is the queue the processor drains. Implemented by *queue.Queue.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Processor runs donation receipt and aggregate rebuild jobs.
type Processor struct {
	store    ledger.Store
	receipts ReceiptUploader
	queue    JobSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewProcessor creates a job processor. receipts may be nil, in which case
// receipt jobs are dropped with a warning.
func NewProcessor(store ledger.Store, receipts ReceiptUploader, q JobSource, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, receipts: receipts, queue: q, logger: logger, now: time.Now}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeDonationReceipt:
		var payload queue.DonationReceiptPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.receipt(ctx, payload)
	case queue.JobTypeAggregateRebuild:
		var payload queue.AggregateRebuildPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.rebuild(ctx, payload)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Processor) receipt(ctx context.Context, payload queue.DonationReceiptPayload) error {
	if p.receipts == nil {
		p.logger.Warn("receipt storage not configured; dropping job", zap.String("payment_intent", payload.PaymentIntentID))
		return nil
	}
	d, err := p.store.GetDonation(ctx, payload.PaymentIntentID)
	if err != nil {
		return fmt.Errorf("get donation %s: %w", payload.PaymentIntentID, err)
	}
	var target *models.User
	if d.TargetUserID != nil {
		u, err := p.store.GetUser(ctx, *d.TargetUserID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("get target: %w", err)
		}
		target = u
	}
	body, err := json.MarshalIndent(BuildReceipt(d, target, p.now()), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	key, err := p.receipts.UploadReceipt(ctx, d.PaymentIntentID, body)
	if err != nil {
		return err
	}
	p.logger.Info("receipt stored", zap.String("payment_intent", d.PaymentIntentID), zap.String("s3_key", key))
	return nil
}

func (p *Processor) rebuild(ctx context.Context, payload queue.AggregateRebuildPayload) error {
	for _, id := range payload.UserIDs {
		if err := p.store.RebuildUserAggregates(ctx, id); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("rebuild user %s: %w", id, err)
		}
	}
	for _, id := range payload.TeamIDs {
		if err := p.store.RebuildTeamTotal(ctx, id); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("rebuild team %s: %w", id, err)
		}
	}
	p.logger.Info("aggregates rebuilt",
		zap.Strings("user_ids", payload.UserIDs),
		zap.Int("teams", len(payload.TeamIDs)),
		zap.String("reason", payload.Reason),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("job worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("job worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, queue.RetryBackoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
