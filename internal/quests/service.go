// Package quests governs a quest template's review and lifecycle state.
// Every action is gated by the shared transition tables, applied with a
// conditional write, audited, and followed by a notification hand-off.
package quests

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/internal/notify"
)

// Store is the persistence collaborator the service requires.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Quest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, target models.QuestStatus) error
	UpdateReview(ctx context.Context, id uuid.UUID, expected, target models.ReviewStatus, adminNotes string, publish bool) error
	SoftDelete(ctx context.Context, id uuid.UUID, expected models.QuestStatus) error
	ListEnrolledUserIDs(ctx context.Context, questID uuid.UUID) ([]uuid.UUID, error)
}

// Auditor appends audit entries and delivery-failure annotations.
type Auditor interface {
	Append(ctx context.Context, e *models.AuditLogEntry) error
	AnnotateDeliveryFailure(ctx context.Context, targetTable string, targetID, actorID uuid.UUID, kind string, cause error) error
}

// Service applies review decisions and lifecycle actions to quests.
type Service struct {
	store    Store
	audit    Auditor
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewService creates a quest lifecycle service.
func NewService(store Store, auditor Auditor, notifier notify.Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{store: store, audit: auditor, notifier: notifier, logger: logger}
}

// Approve records an approve decision. With publish set the quest opens for
// instance recruiting in the same write.
func (s *Service) Approve(ctx context.Context, questID, actorID uuid.UUID, adminNotes string, publish bool) (*models.Quest, error) {
	return s.decide(ctx, questID, actorID, models.ReviewApproved, adminNotes, publish, notify.KindQuestApproved, "quest.approve")
}

// Reject records a reject decision.
func (s *Service) Reject(ctx context.Context, questID, actorID uuid.UUID, adminNotes string) (*models.Quest, error) {
	return s.decide(ctx, questID, actorID, models.ReviewRejected, adminNotes, false, notify.KindQuestRejected, "quest.reject")
}

// RequestChanges sends the quest back to its creator with notes.
func (s *Service) RequestChanges(ctx context.Context, questID, actorID uuid.UUID, adminNotes string) (*models.Quest, error) {
	return s.decide(ctx, questID, actorID, models.ReviewChangesRequested, adminNotes, false, notify.KindQuestChangesRequested, "quest.request_changes")
}

// Resubmit moves a changes_requested quest back to pending review; the
// creator-facing counterpart of RequestChanges.
func (s *Service) Resubmit(ctx context.Context, questID, actorID uuid.UUID) (*models.Quest, error) {
	return s.decide(ctx, questID, actorID, models.ReviewPending, "", false, "", "quest.resubmit")
}

func (s *Service) decide(ctx context.Context, questID, actorID uuid.UUID, target models.ReviewStatus, adminNotes string, publish bool, kind, action string) (*models.Quest, error) {
	q, err := s.store.GetByID(ctx, questID)
	if err != nil {
		return nil, err
	}
	if !lifecycle.ReviewGraph.CanTransition(q.ReviewStatus, target) {
		return nil, fmt.Errorf("%w: review %s cannot move to %s", lifecycle.ErrInvalidTransition, q.ReviewStatus, target)
	}
	if err := s.store.UpdateReview(ctx, questID, q.ReviewStatus, target, adminNotes, publish); err != nil {
		return nil, err
	}
	q.ReviewStatus = target
	q.AdminNotes = adminNotes
	if publish {
		q.Status = models.QuestOpen
	}
	if kind != "" {
		s.dispatch(ctx, []uuid.UUID{q.CreatorID}, kind, questID, actorID, map[string]string{"admin_notes": adminNotes})
	}
	s.appendAudit(ctx, action, questID, actorID, nil, nil)
	return q, nil
}

// Pause suspends an open or closed quest.
func (s *Service) Pause(ctx context.Context, questID, actorID uuid.UUID) (*models.Quest, error) {
	return s.transition(ctx, questID, actorID, models.QuestPaused, "", "quest.pause", notify.KindQuestPaused)
}

// Resume reopens a paused quest.
func (s *Service) Resume(ctx context.Context, questID, actorID uuid.UUID) (*models.Quest, error) {
	return s.transition(ctx, questID, actorID, models.QuestOpen, "", "quest.resume", notify.KindQuestResumed)
}

// Close stops further instance creation without cancelling anything.
func (s *Service) Close(ctx context.Context, questID, actorID uuid.UUID) (*models.Quest, error) {
	return s.transition(ctx, questID, actorID, models.QuestClosed, "", "quest.close", "")
}

// Complete marks a quest finished.
func (s *Service) Complete(ctx context.Context, questID, actorID uuid.UUID) (*models.Quest, error) {
	return s.transition(ctx, questID, actorID, models.QuestCompleted, "", "quest.complete", "")
}

// Cancel cancels a quest. A non-empty reason is required.
func (s *Service) Cancel(ctx context.Context, questID, actorID uuid.UUID, reason string) (*models.Quest, error) {
	return s.transition(ctx, questID, actorID, models.QuestCancelled, reason, "quest.cancel", notify.KindQuestCancelled)
}

// Revoke is the security-sensitive danger action: it requires a reason,
// notifies the creator and every enrolled user, and is audited as such. The
// confirmation-phrase gate runs at the HTTP handler before this is reached.
func (s *Service) Revoke(ctx context.Context, questID, actorID uuid.UUID, reason string) (*models.Quest, error) {
	meta, _ := json.Marshal(map[string]bool{"security_sensitive": true})
	return s.transitionMeta(ctx, questID, actorID, models.QuestRevoked, reason, "quest.revoke", notify.KindQuestRevoked, meta)
}

// Delete soft-deletes a quest; legal only from cancelled or revoked. The
// confirmation-phrase gate runs at the HTTP handler.
func (s *Service) Delete(ctx context.Context, questID, actorID uuid.UUID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return lifecycle.ErrMissingReason
	}
	q, err := s.store.GetByID(ctx, questID)
	if err != nil {
		return err
	}
	if q.DeletedAt != nil {
		return fmt.Errorf("%w: quest already deleted", lifecycle.ErrInvalidTransition)
	}
	if !lifecycle.QuestDeletableFrom[q.Status] {
		return fmt.Errorf("%w: quest in status %s cannot be deleted", lifecycle.ErrInvalidTransition, q.Status)
	}
	if err := s.store.SoftDelete(ctx, questID, q.Status); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]bool{"security_sensitive": true})
	s.appendAudit(ctx, "quest.delete", questID, actorID, &reason, meta)
	return nil
}

func (s *Service) transition(ctx context.Context, questID, actorID uuid.UUID, target models.QuestStatus, reason, action, kind string) (*models.Quest, error) {
	return s.transitionMeta(ctx, questID, actorID, target, reason, action, kind, nil)
}

func (s *Service) transitionMeta(ctx context.Context, questID, actorID uuid.UUID, target models.QuestStatus, reason, action, kind string, meta json.RawMessage) (*models.Quest, error) {
	q, err := s.store.GetByID(ctx, questID)
	if err != nil {
		return nil, err
	}
	if q.DeletedAt != nil {
		return nil, fmt.Errorf("%w: quest is deleted", lifecycle.ErrInvalidTransition)
	}
	edge, ok := lifecycle.QuestGraph.EdgeFor(q.Status, target)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot move to %s", lifecycle.ErrInvalidTransition, q.Status, target)
	}
	if edge.RequiresReason && strings.TrimSpace(reason) == "" {
		return nil, lifecycle.ErrMissingReason
	}
	if err := s.store.UpdateStatus(ctx, questID, q.Status, target); err != nil {
		return nil, err
	}
	from := q.Status
	q.Status = target

	if kind != "" {
		var recipients []uuid.UUID
		if edge.NotifyActor {
			recipients = append(recipients, q.CreatorID)
		}
		if edge.NotifySubjects {
			enrolled, err := s.store.ListEnrolledUserIDs(ctx, questID)
			if err != nil {
				s.logger.Warn("list enrolled users for notification", zap.String("quest_id", questID.String()), zap.Error(err))
			} else {
				recipients = append(recipients, enrolled...)
			}
		}
		if len(recipients) > 0 {
			s.dispatch(ctx, recipients, kind, questID, actorID, map[string]string{"reason": reason})
		}
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if meta == nil {
		meta, _ = json.Marshal(map[string]string{"from": string(from), "to": string(target)})
	}
	s.appendAudit(ctx, action, questID, actorID, reasonPtr, meta)
	return q, nil
}

// dispatch is fire-and-forget: a failed hand-off is annotated in the audit
// log and never rolls back the transition.
func (s *Service) dispatch(ctx context.Context, userIDs []uuid.UUID, kind string, questID, actorID uuid.UUID, data any) {
	if err := s.notifier.Notify(ctx, userIDs, kind, "quests", questID, actorID, data); err != nil {
		s.logger.Warn("notification hand-off failed", zap.String("kind", kind), zap.Error(err))
		if aerr := s.audit.AnnotateDeliveryFailure(ctx, "quests", questID, actorID, kind, err); aerr != nil {
			s.logger.Error("delivery-failure annotation failed", zap.Error(aerr))
		}
	}
}

func (s *Service) appendAudit(ctx context.Context, action string, targetID, actorID uuid.UUID, reason *string, meta json.RawMessage) {
	entry := &models.AuditLogEntry{
		Action:      action,
		TargetTable: "quests",
		TargetID:    targetID,
		ActorID:     actorID,
		Reason:      reason,
		Metadata:    meta,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
