// Package notify hands notification requests off to the delivery worker.
// The lifecycle services decide who to notify and when; delivery transport
// is the worker's concern. Hand-off is fire-and-forget relative to the state
// transition: an enqueue failure never rolls the transition back.
package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/pkg/queue"
)

// Notification kinds emitted by the lifecycle services.
const (
	KindQuestApproved         = "quest_approved"
	KindQuestRejected         = "quest_rejected"
	KindQuestChangesRequested = "quest_changes_requested"
	KindQuestPaused           = "quest_paused"
	KindQuestResumed          = "quest_resumed"
	KindQuestCancelled        = "quest_cancelled"
	KindQuestRevoked          = "quest_revoked"
	KindInstancePaused        = "instance_paused"
	KindInstanceResumed       = "instance_resumed"
	KindInstanceCancelled     = "instance_cancelled"
	KindSquadWarmupStarted    = "squad_warmup_started"
	KindSquadReadyForReview   = "squad_ready_for_review"
	KindSquadApproved         = "squad_approved"
	KindSquadMemberRemoved    = "squad_member_removed"
	KindSquadLeaderChanged    = "squad_leader_changed"
)

// Notifier dispatches a notification to a set of users.
type Notifier interface {
	Notify(ctx context.Context, userIDs []uuid.UUID, kind string, targetTable string, targetID, actorID uuid.UUID, data any) error
}

// QueueNotifier enqueues notification jobs on the Redis-backed worker queue.
type QueueNotifier struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueNotifier creates a queue-backed notifier.
func NewQueueNotifier(q *queue.Queue, logger *zap.Logger) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueNotifier{queue: q, logger: logger}
}

// Notify enqueues one delivery job for the given recipients. Empty recipient
// lists are dropped silently.
func (n *QueueNotifier) Notify(ctx context.Context, userIDs []uuid.UUID, kind string, targetTable string, targetID, actorID uuid.UUID, data any) error {
	if len(userIDs) == 0 {
		return nil
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			n.logger.Warn("notification data not serializable", zap.String("kind", kind), zap.Error(err))
		} else {
			raw = b
		}
	}
	return n.queue.EnqueueNotification(ctx, queue.NotificationPayload{
		Kind:        kind,
		UserIDs:     userIDs,
		TargetTable: targetTable,
		TargetID:    targetID,
		ActorID:     actorID,
		Data:        raw,
	})
}

// Noop is a Notifier that drops everything; used when Redis is unavailable
// and in tests.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, []uuid.UUID, string, string, uuid.UUID, uuid.UUID, any) error {
	return nil
}
