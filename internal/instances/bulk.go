package instances

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
)

// BulkRejection reports one instance the batch skipped and why.
type BulkRejection struct {
	ID      uuid.UUID     `json:"id"`
	Tag     lifecycle.Tag `json:"tag"`
	Message string        `json:"message"`
}

// BulkResult is the partial-success report for a batch transition.
type BulkResult struct {
	Applied  []uuid.UUID     `json:"applied"`
	Rejected []BulkRejection `json:"rejected"`
}

// BulkTransition applies one target status to a batch of instances,
// validating each item against the transition table exactly like the
// single-instance path. There is no override mode: items that fail
// validation are reported, not forced. Destructive targets carry the one
// batch-level reason through each per-item action, and each applied item is
// audited individually plus one batch summary entry.
func (s *Service) BulkTransition(ctx context.Context, instanceIDs []uuid.UUID, target models.InstanceStatus, actorID uuid.UUID, reason string) (*BulkResult, error) {
	if !target.Valid() {
		return nil, lifecycle.ErrInvalidInput
	}
	result := &BulkResult{}
	for _, id := range instanceIDs {
		var err error
		switch target {
		case models.InstancePaused:
			_, err = s.Pause(ctx, id, actorID, reason)
		case models.InstanceCancelled:
			_, err = s.Cancel(ctx, id, actorID, reason)
		case models.InstanceArchived:
			_, err = s.Archive(ctx, id, actorID)
		default:
			_, err = s.Advance(ctx, id, actorID, target)
		}
		if err != nil {
			result.Rejected = append(result.Rejected, BulkRejection{
				ID:      id,
				Tag:     lifecycle.TagOf(err),
				Message: err.Error(),
			})
			continue
		}
		result.Applied = append(result.Applied, id)
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"target":   string(target),
		"total":    len(instanceIDs),
		"applied":  len(result.Applied),
		"rejected": len(result.Rejected),
	})
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if err := s.audit.Append(ctx, &models.AuditLogEntry{
		Action:      "instance.bulk_transition",
		TargetTable: "instances",
		TargetID:    uuid.Nil,
		ActorID:     actorID,
		Reason:      reasonPtr,
		Metadata:    meta,
	}); err != nil {
		s.logger.Error("bulk audit append failed", zap.Error(err))
	}
	return result, nil
}
