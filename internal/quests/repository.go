package quests

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
)

// Repository handles quest persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a quest repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const questColumns = `id, title, description, creator_id, status, review_status, priority_flag,
	COALESCE(admin_notes, ''), COALESCE(cover_image_key, ''), deleted_at, created_at, updated_at`

func scanQuest(row pgx.Row) (*models.Quest, error) {
	var q models.Quest
	err := row.Scan(&q.ID, &q.Title, &q.Description, &q.CreatorID, &q.Status, &q.ReviewStatus,
		&q.PriorityFlag, &q.AdminNotes, &q.CoverImageKey, &q.DeletedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

// Create inserts a new quest awaiting review. New quests stay closed until
// an approve-and-publish decision opens them.
func (r *Repository) Create(ctx context.Context, q *models.Quest) error {
	const sql = `INSERT INTO quests (id, title, description, creator_id, status, review_status, priority_flag)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, sql, q.Title, q.Description, q.CreatorID,
		models.QuestClosed, models.ReviewPending, q.PriorityFlag).
		Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
}

// GetByID returns a quest by ID, soft-deleted ones included.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Quest, error) {
	return scanQuest(r.pool.QueryRow(ctx, `SELECT `+questColumns+` FROM quests WHERE id = $1`, id))
}

// List returns quests, optionally filtered by creator and/or review status,
// excluding soft-deleted ones.
func (r *Repository) List(ctx context.Context, creatorID *uuid.UUID, reviewStatus *models.ReviewStatus) ([]models.Quest, error) {
	sql := `SELECT ` + questColumns + ` FROM quests WHERE deleted_at IS NULL`
	var args []interface{}
	if creatorID != nil {
		args = append(args, *creatorID)
		sql += fmt.Sprintf(" AND creator_id = $%d", len(args))
	}
	if reviewStatus != nil {
		args = append(args, *reviewStatus)
		sql += fmt.Sprintf(" AND review_status = $%d", len(args))
	}
	sql += " ORDER BY created_at DESC"
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Quest
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *q)
	}
	return list, rows.Err()
}

// UpdateStatus performs the conditional lifecycle status write. The WHERE
// clause keys on the previously observed status so two concurrent operators
// cannot both win from a stale read.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, target models.QuestStatus) error {
	const sql = `UPDATE quests SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, sql, target, id, expected)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// UpdateReview performs the conditional review decision write, recording
// admin notes and, for approve-and-publish, opening the quest in the same
// statement.
func (r *Repository) UpdateReview(ctx context.Context, id uuid.UUID, expected, target models.ReviewStatus, adminNotes string, publish bool) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if publish {
		const sql = `UPDATE quests SET review_status = $1, admin_notes = $2, status = $3, updated_at = NOW()
			WHERE id = $4 AND review_status = $5 AND deleted_at IS NULL`
		tag, err = r.pool.Exec(ctx, sql, target, adminNotes, models.QuestOpen, id, expected)
	} else {
		const sql = `UPDATE quests SET review_status = $1, admin_notes = $2, updated_at = NOW()
			WHERE id = $3 AND review_status = $4 AND deleted_at IS NULL`
		tag, err = r.pool.Exec(ctx, sql, target, adminNotes, id, expected)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// SoftDelete marks a quest deleted. Legal only from the statuses the caller
// verified against the transition rules; the WHERE clause re-checks the
// observed status to stay race-free.
func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID, expected models.QuestStatus) error {
	const sql = `UPDATE quests SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, sql, id, expected)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// SetCoverImageKey stores the S3 object key for the quest's cover art.
func (r *Repository) SetCoverImageKey(ctx context.Context, id uuid.UUID, key string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE quests SET cover_image_key = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`, key, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}

// ListEnrolledUserIDs returns the distinct users signed up to any instance of
// the quest; revoke notifies all of them.
func (r *Repository) ListEnrolledUserIDs(ctx context.Context, questID uuid.UUID) ([]uuid.UUID, error) {
	const sql = `SELECT DISTINCT s.user_id FROM signups s
		INNER JOIN instances i ON i.id = s.instance_id
		WHERE i.quest_id = $1`
	rows, err := r.pool.Query(ctx, sql, questID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// conflictOrMissing disambiguates a zero-row conditional update: the entity
// either vanished or was moved by another operator since the caller's read.
func (r *Repository) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quests WHERE id = $1 AND deleted_at IS NULL)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if !exists {
		return lifecycle.ErrNotFound
	}
	return lifecycle.ErrConcurrentModification
}
