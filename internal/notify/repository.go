package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
)

// Repository persists delivered notifications.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a notifications repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// DeliverBatch inserts one notification row per recipient in a single
// transaction, so a partially delivered job can be retried whole.
func (r *Repository) DeliverBatch(ctx context.Context, userIDs []uuid.UUID, n *models.Notification) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	defer tx.Rollback(ctx)

	const q = `INSERT INTO notifications (id, user_id, kind, target_table, target_id, actor_id, data)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)`
	data := n.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	for _, userID := range userIDs {
		if _, err := tx.Exec(ctx, q, userID, n.Kind, n.TargetTable, n.TargetID, n.ActorID, data); err != nil {
			return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	return nil
}

// ListForUser returns a user's notifications, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const q = `SELECT id, user_id, kind, target_table, target_id, actor_id, data, read_at, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.TargetTable, &n.TargetID,
			&n.ActorID, &n.Data, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead stamps a notification as read for its owner.
func (r *Repository) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	const q = `UPDATE notifications SET read_at = NOW() WHERE id = $1 AND user_id = $2 AND read_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}
