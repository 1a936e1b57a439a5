// Package worker runs the background notification delivery loop: jobs are
// dequeued from Redis, fanned out into per-user notification rows, and
// retried with a bounded attempt count before landing in the dead letter
// queue with an audit annotation.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/questforge/backend/internal/audit"
	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/internal/notify"
	"github.com/questforge/backend/pkg/queue"
)

// NotificationProcessor delivers queued notification jobs.
type NotificationProcessor struct {
	repo   *notify.Repository
	audit  *audit.Repository
	queue  *queue.Queue
	logger *zap.Logger
}

// NewNotificationProcessor creates a notification delivery processor.
func NewNotificationProcessor(repo *notify.Repository, auditRepo *audit.Repository, q *queue.Queue, logger *zap.Logger) *NotificationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationProcessor{repo: repo, audit: auditRepo, queue: q, logger: logger}
}

// Process executes one notification job.
func (p *NotificationProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeNotification {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(payload.UserIDs) == 0 {
		p.logger.Debug("notification job without recipients", zap.String("job_id", job.ID))
		return nil
	}

	n := &models.Notification{
		Kind:        payload.Kind,
		TargetTable: payload.TargetTable,
		TargetID:    payload.TargetID,
		ActorID:     payload.ActorID,
		Data:        payload.Data,
	}
	if err := p.repo.DeliverBatch(ctx, payload.UserIDs, n); err != nil {
		return fmt.Errorf("deliver batch: %w", err)
	}

	p.logger.Info("notification delivered",
		zap.String("kind", payload.Kind),
		zap.Int("recipients", len(payload.UserIDs)),
		zap.String("target_id", payload.TargetID.String()))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. Jobs that
// exhaust their retries are annotated in the audit log before the queue
// moves them to the DLQ.
func (p *NotificationProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("notification worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if job.Attempt+1 >= queue.MaxRetries {
				p.annotateExhausted(ctx, job, err)
			}
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}

func (p *NotificationProcessor) annotateExhausted(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.logger.Error("annotate exhausted job: bad payload", zap.Error(err), zap.String("job_id", job.ID))
		return
	}
	if err := p.audit.AnnotateDeliveryFailure(ctx, payload.TargetTable, payload.TargetID, payload.ActorID, payload.Kind, cause); err != nil {
		p.logger.Error("delivery failure annotation failed", zap.Error(err), zap.String("job_id", job.ID))
	}
}
