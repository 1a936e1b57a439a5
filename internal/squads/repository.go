package squads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
)

// Repository handles squad and squad_member persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a squads repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const squadColumns = `id, instance_id, name, status, warming_up_since, archived,
	pre_archive_status, invite_code, settings, created_at, updated_at`

func scanSquad(row pgx.Row) (*models.Squad, error) {
	var s models.Squad
	var settings []byte
	err := row.Scan(&s.ID, &s.InstanceID, &s.Name, &s.Status, &s.WarmingUpSince,
		&s.Archived, &s.PreArchiveStatus, &s.InviteCode, &settings, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &s.Settings); err != nil {
			return nil, fmt.Errorf("%w: decode settings: %v", lifecycle.ErrPersistenceFailure, err)
		}
	}
	return &s, nil
}

// Create creates a squad in draft with the given invite code. The creating
// user becomes its leader.
func (r *Repository) Create(ctx context.Context, s *models.Squad, leaderID uuid.UUID) error {
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("%w: encode settings: %v", lifecycle.ErrPersistenceFailure, err)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	defer tx.Rollback(ctx)

	const q = `INSERT INTO squads (id, instance_id, name, status, invite_code, settings)
		VALUES (gen_random_uuid(), $1, $2, 'draft', $3, $4)
		RETURNING id, created_at, updated_at`
	if err := tx.QueryRow(ctx, q, s.InstanceID, s.Name, s.InviteCode, settings).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	const mq = `INSERT INTO squad_members (id, squad_id, user_id, role, status)
		VALUES (gen_random_uuid(), $1, $2, 'leader', 'active')`
	if _, err := tx.Exec(ctx, mq, s.ID, leaderID); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	s.Status = models.SquadDraft
	return nil
}

// GetByID returns a squad by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Squad, error) {
	q := `SELECT ` + squadColumns + ` FROM squads WHERE id = $1`
	return scanSquad(r.pool.QueryRow(ctx, q, id))
}

// GetByInviteCode returns a non-archived squad by its invite code.
func (r *Repository) GetByInviteCode(ctx context.Context, code string) (*models.Squad, error) {
	q := `SELECT ` + squadColumns + ` FROM squads WHERE invite_code = $1 AND archived = FALSE`
	return scanSquad(r.pool.QueryRow(ctx, q, code))
}

// ListByInstance returns an instance's squads. Archived squads are excluded
// unless includeArchived is set.
func (r *Repository) ListByInstance(ctx context.Context, instanceID uuid.UUID, includeArchived bool) ([]models.Squad, error) {
	q := `SELECT ` + squadColumns + ` FROM squads WHERE instance_id = $1`
	if !includeArchived {
		q += ` AND archived = FALSE`
	}
	q += ` ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	defer rows.Close()
	var out []models.Squad
	for rows.Next() {
		s, err := scanSquad(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateStatus conditionally moves a squad from expected to target, stamping
// warming_up_since on entry to warming_up and clearing it on any other write.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, target models.SquadStatus) error {
	const q = `UPDATE squads SET status = $3,
		warming_up_since = CASE WHEN $3 = 'warming_up' THEN NOW() ELSE NULL END,
		updated_at = NOW()
		WHERE id = $1 AND status = $2 AND archived = FALSE`
	tag, err := r.pool.Exec(ctx, q, id, expected, target)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// Rename updates the squad's name.
func (r *Repository) Rename(ctx context.Context, id uuid.UUID, name string) error {
	return r.exec(ctx, id,
		`UPDATE squads SET name = $2, updated_at = NOW() WHERE id = $1 AND archived = FALSE`, name)
}

// UpdateSettings replaces the squad's settings object.
func (r *Repository) UpdateSettings(ctx context.Context, id uuid.UUID, settings models.SquadSettings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("%w: encode settings: %v", lifecycle.ErrPersistenceFailure, err)
	}
	return r.exec(ctx, id,
		`UPDATE squads SET settings = $2, updated_at = NOW() WHERE id = $1 AND archived = FALSE`, b)
}

// SetInviteCode replaces the squad's join code.
func (r *Repository) SetInviteCode(ctx context.Context, id uuid.UUID, code string) error {
	return r.exec(ctx, id,
		`UPDATE squads SET invite_code = $2, updated_at = NOW() WHERE id = $1 AND archived = FALSE`, code)
}

// Archive flags the squad archived and remembers the status it held so
// reactivation can restore it.
func (r *Repository) Archive(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE squads SET archived = TRUE, pre_archive_status = status, updated_at = NOW()
		WHERE id = $1 AND archived = FALSE`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// Reactivate clears the archive flag, restoring the pre-archive status.
func (r *Repository) Reactivate(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE squads SET archived = FALSE, status = pre_archive_status,
		pre_archive_status = NULL, updated_at = NOW()
		WHERE id = $1 AND archived = TRUE`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// ListMembers returns all of a squad's members, removed ones included.
func (r *Repository) ListMembers(ctx context.Context, squadID uuid.UUID) ([]models.SquadMember, error) {
	const q = `SELECT id, squad_id, user_id, role, status, readiness_confirmed_at, joined_at
		FROM squad_members WHERE squad_id = $1 ORDER BY joined_at`
	rows, err := r.pool.Query(ctx, q, squadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	defer rows.Close()
	var out []models.SquadMember
	for rows.Next() {
		var m models.SquadMember
		if err := rows.Scan(&m.ID, &m.SquadID, &m.UserID, &m.Role, &m.Status,
			&m.ReadinessConfirmedAt, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMember adds a user to a squad as an active member. Rejoining after
// removal reactivates the existing row.
func (r *Repository) AddMember(ctx context.Context, squadID, userID uuid.UUID) (*models.SquadMember, error) {
	const q = `INSERT INTO squad_members (id, squad_id, user_id, role, status)
		VALUES (gen_random_uuid(), $1, $2, 'member', 'active')
		ON CONFLICT (squad_id, user_id) DO UPDATE SET status = 'active', readiness_confirmed_at = NULL
		RETURNING id, squad_id, user_id, role, status, readiness_confirmed_at, joined_at`
	var m models.SquadMember
	err := r.pool.QueryRow(ctx, q, squadID, userID).Scan(&m.ID, &m.SquadID, &m.UserID,
		&m.Role, &m.Status, &m.ReadinessConfirmedAt, &m.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	return &m, nil
}

// MarkMemberRemoved sets a member's status to removed. The row is kept.
func (r *Repository) MarkMemberRemoved(ctx context.Context, squadID, memberID uuid.UUID) error {
	const q = `UPDATE squad_members SET status = 'removed'
		WHERE id = $1 AND squad_id = $2 AND status = 'active'`
	tag, err := r.pool.Exec(ctx, q, memberID, squadID)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}

// ConfirmReadiness stamps a member's readiness confirmation.
func (r *Repository) ConfirmReadiness(ctx context.Context, squadID, userID uuid.UUID, at time.Time) error {
	const q = `UPDATE squad_members SET readiness_confirmed_at = $3
		WHERE squad_id = $1 AND user_id = $2 AND status = 'active'`
	tag, err := r.pool.Exec(ctx, q, squadID, userID, at)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}

// TransferLeadership demotes every current leader and promotes the new one in
// one transaction. The new leader must already be an active member.
func (r *Repository) TransferLeadership(ctx context.Context, squadID, newLeaderID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	defer tx.Rollback(ctx)

	const promote = `UPDATE squad_members SET role = 'leader'
		WHERE squad_id = $1 AND user_id = $2 AND status = 'active'`
	tag, err := tx.Exec(ctx, promote, squadID, newLeaderID)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: new leader is not an active member", lifecycle.ErrInvalidInput)
	}
	const demote = `UPDATE squad_members SET role = 'member'
		WHERE squad_id = $1 AND user_id <> $2 AND role = 'leader'`
	if _, err := tx.Exec(ctx, demote, squadID, newLeaderID); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	return nil
}

func (r *Repository) exec(ctx context.Context, id uuid.UUID, q string, args ...any) error {
	tag, err := r.pool.Exec(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// WarmupState is the status and readiness snapshot of one non-archived squad,
// shaped for attention flag derivation.
type WarmupState struct {
	SquadID        uuid.UUID
	Status         models.SquadStatus
	WarmingUpSince *time.Time
	ReadyMembers   int
}

// ListWarmupStates returns the warm-up snapshot of every non-archived squad
// attached to an instance.
func (r *Repository) ListWarmupStates(ctx context.Context, instanceID uuid.UUID) ([]WarmupState, error) {
	const q = `SELECT s.id, s.status, s.warming_up_since,
		COUNT(m.id) FILTER (WHERE m.status = 'active' AND m.readiness_confirmed_at IS NOT NULL)
		FROM squads s
		LEFT JOIN squad_members m ON m.squad_id = s.id
		WHERE s.instance_id = $1 AND s.archived = FALSE
		GROUP BY s.id, s.status, s.warming_up_since
		ORDER BY s.created_at`
	rows, err := r.pool.Query(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	defer rows.Close()
	var out []WarmupState
	for rows.Next() {
		var w WarmupState
		if err := rows.Scan(&w.SquadID, &w.Status, &w.WarmingUpSince, &w.ReadyMembers); err != nil {
			return nil, fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *Repository) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM squads WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if !exists {
		return lifecycle.ErrNotFound
	}
	return lifecycle.ErrConcurrentModification
}
