// Package instances governs the lifecycle of scheduled quest occurrences:
// draft through recruiting, lock, live and completion, with pause/cancel
// side branches. Every transition is a conditional write keyed on the
// observed status, audited, and followed by a notification hand-off.
package instances

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
	GetByID(ctx context.Context, id uuid.UUID) (*models.Instance, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, target models.InstanceStatus, pausedReason *string, pausedFrom *models.InstanceStatus) error
	ListSignupUserIDs(ctx context.Context, instanceID uuid.UUID) ([]uuid.UUID, error)
}

// Auditor appends audit entries and delivery-failure annotations.
type Auditor interface {
	Append(ctx context.Context, e *models.AuditLogEntry) error
	AnnotateDeliveryFailure(ctx context.Context, targetTable string, targetID, actorID uuid.UUID, kind string, cause error) error
}

// Service applies lifecycle actions to instances.
type Service struct {
	store    Store
	audit    Auditor
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewService creates an instance lifecycle service.
func NewService(store Store, auditor Auditor, notifier notify.Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{store: store, audit: auditor, notifier: notifier, logger: logger}
}

// Advance moves an instance one step along the forward path
// (draft→recruiting→locked→live→completed). Destructive targets are
// rejected here; they have dedicated entry points that demand a reason.
func (s *Service) Advance(ctx context.Context, instanceID, actorID uuid.UUID, target models.InstanceStatus) (*models.Instance, error) {
	switch target {
	case models.InstancePaused, models.InstanceCancelled:
		return nil, fmt.Errorf("%w: %s requires its dedicated action with a reason", lifecycle.ErrInvalidTransition, target)
	}
	in, err := s.store.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	// The paused→active edges exist solely for Resume, which restores the
	// recorded pre-pause status. Advance must not pick an arbitrary one.
	if in.Status == models.InstancePaused {
		return nil, fmt.Errorf("%w: paused instances can only resume to their pre-pause status", lifecycle.ErrInvalidTransition)
	}
	if !lifecycle.InstanceGraph.CanTransition(in.Status, target) {
		return nil, fmt.Errorf("%w: %s cannot move to %s", lifecycle.ErrInvalidTransition, in.Status, target)
	}
	if err := s.store.UpdateStatus(ctx, instanceID, in.Status, target, nil, nil); err != nil {
		return nil, err
	}
	from := in.Status
	in.Status = target
	in.PausedReason = nil
	in.PausedFrom = nil
	s.appendAudit(ctx, "instance."+string(target), instanceID, actorID, nil, transitionMeta(from, target))
	return in, nil
}

// Pause suspends an active instance, recording the reason and the exact
// status it was paused from so resume can restore it.
func (s *Service) Pause(ctx context.Context, instanceID, actorID uuid.UUID, reason string) (*models.Instance, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, lifecycle.ErrMissingReason
	}
	in, err := s.store.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	edge, ok := lifecycle.InstanceGraph.EdgeFor(in.Status, models.InstancePaused)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be paused", lifecycle.ErrInvalidTransition, in.Status)
	}
	from := in.Status
	if err := s.store.UpdateStatus(ctx, instanceID, from, models.InstancePaused, &reason, &from); err != nil {
		return nil, err
	}
	in.Status = models.InstancePaused
	in.PausedReason = &reason
	in.PausedFrom = &from
	if edge.NotifySubjects {
		s.notifySignups(ctx, in, actorID, notify.KindInstancePaused, reason)
	}
	s.appendAudit(ctx, "instance.pause", instanceID, actorID, &reason, transitionMeta(from, models.InstancePaused))
	return in, nil
}

// Resume returns a paused instance to the exact status it was paused from
// and clears the pause bookkeeping.
func (s *Service) Resume(ctx context.Context, instanceID, actorID uuid.UUID) (*models.Instance, error) {
	in, err := s.store.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if in.Status != models.InstancePaused {
		return nil, fmt.Errorf("%w: %s is not paused", lifecycle.ErrInvalidTransition, in.Status)
	}
	if in.PausedFrom == nil {
		return nil, fmt.Errorf("%w: paused instance has no recorded pre-pause status", lifecycle.ErrInvalidTransition)
	}
	target := *in.PausedFrom
	edge, ok := lifecycle.InstanceGraph.EdgeFor(models.InstancePaused, target)
	if !ok {
		return nil, fmt.Errorf("%w: cannot resume to %s", lifecycle.ErrInvalidTransition, target)
	}
	if err := s.store.UpdateStatus(ctx, instanceID, models.InstancePaused, target, nil, nil); err != nil {
		return nil, err
	}
	in.Status = target
	in.PausedReason = nil
	in.PausedFrom = nil
	if edge.NotifySubjects {
		s.notifySignups(ctx, in, actorID, notify.KindInstanceResumed, "")
	}
	s.appendAudit(ctx, "instance.resume", instanceID, actorID, nil, transitionMeta(models.InstancePaused, target))
	return in, nil
}

// Cancel cancels an instance and notifies every signed-up user. A non-empty
// reason is required.
func (s *Service) Cancel(ctx context.Context, instanceID, actorID uuid.UUID, reason string) (*models.Instance, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, lifecycle.ErrMissingReason
	}
	in, err := s.store.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	edge, ok := lifecycle.InstanceGraph.EdgeFor(in.Status, models.InstanceCancelled)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be cancelled", lifecycle.ErrInvalidTransition, in.Status)
	}
	from := in.Status
	if err := s.store.UpdateStatus(ctx, instanceID, from, models.InstanceCancelled, nil, nil); err != nil {
		return nil, err
	}
	in.Status = models.InstanceCancelled
	in.PausedReason = nil
	in.PausedFrom = nil
	if edge.NotifySubjects {
		s.notifySignups(ctx, in, actorID, notify.KindInstanceCancelled, reason)
	}
	s.appendAudit(ctx, "instance.cancel", instanceID, actorID, &reason, transitionMeta(from, models.InstanceCancelled))
	return in, nil
}

// Archive retires a cancelled or completed instance. Terminal.
func (s *Service) Archive(ctx context.Context, instanceID, actorID uuid.UUID) (*models.Instance, error) {
	in, err := s.store.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !lifecycle.InstanceGraph.CanTransition(in.Status, models.InstanceArchived) {
		return nil, fmt.Errorf("%w: %s cannot be archived", lifecycle.ErrInvalidTransition, in.Status)
	}
	from := in.Status
	if err := s.store.UpdateStatus(ctx, instanceID, from, models.InstanceArchived, nil, nil); err != nil {
		return nil, err
	}
	in.Status = models.InstanceArchived
	s.appendAudit(ctx, "instance.archive", instanceID, actorID, nil, transitionMeta(from, models.InstanceArchived))
	return in, nil
}

// notifySignups is fire-and-forget: failures are annotated in the audit log
// and never roll back the transition.
func (s *Service) notifySignups(ctx context.Context, in *models.Instance, actorID uuid.UUID, kind, reason string) {
	userIDs, err := s.store.ListSignupUserIDs(ctx, in.ID)
	if err != nil {
		s.logger.Warn("list signups for notification", zap.String("instance_id", in.ID.String()), zap.Error(err))
		return
	}
	data := map[string]string{"reason": reason, "status": string(in.Status)}
	if err := s.notifier.Notify(ctx, userIDs, kind, "instances", in.ID, actorID, data); err != nil {
		s.logger.Warn("notification hand-off failed", zap.String("kind", kind), zap.Error(err))
		if aerr := s.audit.AnnotateDeliveryFailure(ctx, "instances", in.ID, actorID, kind, err); aerr != nil {
			s.logger.Error("delivery-failure annotation failed", zap.Error(aerr))
		}
	}
}

func (s *Service) appendAudit(ctx context.Context, action string, targetID, actorID uuid.UUID, reason *string, meta json.RawMessage) {
	entry := &models.AuditLogEntry{
		Action:      action,
		TargetTable: "instances",
		TargetID:    targetID,
		ActorID:     actorID,
		Reason:      reason,
		Metadata:    meta,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func transitionMeta(from, to models.InstanceStatus) json.RawMessage {
	meta, _ := json.Marshal(map[string]string{"from": string(from), "to": string(to)})
	return meta
}
