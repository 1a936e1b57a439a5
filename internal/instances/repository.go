package instances

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
)

// Repository handles instance and signup persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an instances repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const instanceColumns = `id, quest_id, status, scheduled_date, start_time, capacity,
	target_squad_size, current_signup_count, paused_reason, paused_from, created_at, updated_at`

func scanInstance(row pgx.Row) (*models.Instance, error) {
	var in models.Instance
	err := row.Scan(&in.ID, &in.QuestID, &in.Status, &in.ScheduledDate, &in.StartTime,
		&in.Capacity, &in.TargetSquadSize, &in.CurrentSignupCount,
		&in.PausedReason, &in.PausedFrom, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	return &in, nil
}

// Create inserts a new draft instance for a quest.
func (r *Repository) Create(ctx context.Context, in *models.Instance) error {
	const q = `INSERT INTO instances (id, quest_id, status, scheduled_date, start_time, capacity, target_squad_size)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING id, current_signup_count, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, in.QuestID, models.InstanceDraft, in.ScheduledDate,
		in.StartTime, in.Capacity, in.TargetSquadSize).
		Scan(&in.ID, &in.CurrentSignupCount, &in.CreatedAt, &in.UpdatedAt)
}

// GetByID returns an instance by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	return scanInstance(r.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
}

// List returns instances, optionally filtered by quest and/or status.
func (r *Repository) List(ctx context.Context, questID *uuid.UUID, status *models.InstanceStatus) ([]models.Instance, error) {
	sql := `SELECT ` + instanceColumns + ` FROM instances WHERE 1=1`
	var args []interface{}
	if questID != nil {
		args = append(args, *questID)
		sql += fmt.Sprintf(" AND quest_id = $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	sql += " ORDER BY scheduled_date ASC, start_time ASC"
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *in)
	}
	return list, rows.Err()
}

// ListUpcoming returns non-archived instances scheduled from today onward,
// for the attention dashboard.
func (r *Repository) ListUpcoming(ctx context.Context) ([]models.Instance, error) {
	const sql = `SELECT ` + instanceColumns + ` FROM instances
		WHERE status NOT IN ('archived') AND scheduled_date >= CURRENT_DATE - INTERVAL '1 day'
		ORDER BY scheduled_date ASC, start_time ASC`
	rows, err := r.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *in)
	}
	return list, rows.Err()
}

// UpdateStatus performs the conditional status write keyed on the previously
// observed status. pausedReason and pausedFrom are written as given on every
// call, so paused_reason is non-null exactly while paused and resume clears
// both fields in the same statement.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, target models.InstanceStatus, pausedReason *string, pausedFrom *models.InstanceStatus) error {
	const sql = `UPDATE instances SET status = $1, paused_reason = $2, paused_from = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5`
	tag, err := r.pool.Exec(ctx, sql, target, pausedReason, pausedFrom, id, expected)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// ListSignupUserIDs returns the users signed up to the instance.
func (r *Repository) ListSignupUserIDs(ctx context.Context, instanceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM signups WHERE instance_id = $1`, instanceID)
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

// CreateSignup registers a user and bumps the signup counter in one
// transaction. Signing up twice is a no-op.
func (r *Repository) CreateSignup(ctx context.Context, instanceID, userID uuid.UUID) (*models.Signup, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var s models.Signup
	const ins = `INSERT INTO signups (id, instance_id, user_id)
		VALUES (gen_random_uuid(), $1, $2)
		ON CONFLICT (instance_id, user_id) DO NOTHING
		RETURNING id, instance_id, user_id, created_at`
	err = tx.QueryRow(ctx, ins, instanceID, userID).Scan(&s.ID, &s.InstanceID, &s.UserID, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// already signed up
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE instances SET current_signup_count = current_signup_count + 1, updated_at = NOW() WHERE id = $1`,
		instanceID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSignup withdraws a user and decrements the counter in one transaction.
func (r *Repository) DeleteSignup(ctx context.Context, instanceID, userID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM signups WHERE instance_id = $1 AND user_id = $2`, instanceID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE instances SET current_signup_count = GREATEST(current_signup_count - 1, 0), updated_at = NOW() WHERE id = $1`,
		instanceID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CountSquads returns the number of non-archived squads on the instance.
func (r *Repository) CountSquads(ctx context.Context, instanceID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM squads WHERE instance_id = $1 AND archived = FALSE`, instanceID).Scan(&n)
	return n, err
}

func (r *Repository) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM instances WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if !exists {
		return lifecycle.ErrNotFound
	}
	return lifecycle.ErrConcurrentModification
}
