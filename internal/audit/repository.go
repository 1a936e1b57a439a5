// Package audit persists the append-only audit trail. Every lifecycle
// transition that mutates state writes exactly one entry; notification
// delivery failures are appended as annotations rather than rolled back.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/questforge/backend/internal/models"
)

// Repository handles audit log persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an audit repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts one audit entry.
func (r *Repository) Append(ctx context.Context, e *models.AuditLogEntry) error {
	const q = `INSERT INTO audit_log (id, action, target_table, target_id, actor_id, reason, metadata)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	meta := e.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	err := r.pool.QueryRow(ctx, q, e.Action, e.TargetTable, e.TargetID, e.ActorID, e.Reason, meta).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// AnnotateDeliveryFailure records that a notification for a prior transition
// could not be handed off. The underlying state change stands.
func (r *Repository) AnnotateDeliveryFailure(ctx context.Context, targetTable string, targetID, actorID uuid.UUID, kind string, cause error) error {
	meta, _ := json.Marshal(map[string]string{
		"kind":  kind,
		"error": cause.Error(),
	})
	return r.Append(ctx, &models.AuditLogEntry{
		Action:      "notification.delivery_failed",
		TargetTable: targetTable,
		TargetID:    targetID,
		ActorID:     actorID,
		Metadata:    meta,
	})
}

// ListByTarget returns the newest entries for one entity.
func (r *Repository) ListByTarget(ctx context.Context, targetTable string, targetID uuid.UUID, limit int) ([]models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, action, target_table, target_id, actor_id, reason, metadata, created_at
		FROM audit_log WHERE target_table = $1 AND target_id = $2
		ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, q, targetTable, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.TargetTable, &e.TargetID, &e.ActorID, &e.Reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
