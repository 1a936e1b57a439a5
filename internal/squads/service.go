// Package squads manages squad formation, warm-up readiness and governance.
// Status moves strictly forward through the warm-up pipeline; archive is a
// flag beside the status so reactivation restores the exact prior state.
package squads

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/config"
	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/internal/notify"
)

// Store is the persistence collaborator the service requires.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Squad, error)
	GetByInviteCode(ctx context.Context, code string) (*models.Squad, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, target models.SquadStatus) error
	Rename(ctx context.Context, id uuid.UUID, name string) error
	UpdateSettings(ctx context.Context, id uuid.UUID, settings models.SquadSettings) error
	SetInviteCode(ctx context.Context, id uuid.UUID, code string) error
	Archive(ctx context.Context, id uuid.UUID) error
	Reactivate(ctx context.Context, id uuid.UUID) error
	ListMembers(ctx context.Context, squadID uuid.UUID) ([]models.SquadMember, error)
	AddMember(ctx context.Context, squadID, userID uuid.UUID) (*models.SquadMember, error)
	MarkMemberRemoved(ctx context.Context, squadID, memberID uuid.UUID) error
	ConfirmReadiness(ctx context.Context, squadID, userID uuid.UUID, at time.Time) error
	TransferLeadership(ctx context.Context, squadID, newLeaderID uuid.UUID) error
}

// Auditor appends audit entries and delivery-failure annotations.
type Auditor interface {
	Append(ctx context.Context, e *models.AuditLogEntry) error
	AnnotateDeliveryFailure(ctx context.Context, targetTable string, targetID, actorID uuid.UUID, kind string, cause error) error
}

// Service applies lifecycle and governance actions to squads.
type Service struct {
	store    Store
	audit    Auditor
	notifier notify.Notifier
	cfg      config.SquadConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a squad service.
func NewService(store Store, auditor Auditor, notifier notify.Notifier, cfg config.SquadConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{store: store, audit: auditor, notifier: notifier, cfg: cfg, logger: logger, now: time.Now}
}

// Advance moves a squad one step along the warm-up pipeline
// (draft→confirmed→warming_up→ready_for_review→approved→active→completed).
func (s *Service) Advance(ctx context.Context, squadID, actorID uuid.UUID, target models.SquadStatus) (*models.Squad, error) {
	sq, err := s.store.GetByID(ctx, squadID)
	if err != nil {
		return nil, err
	}
	if sq.Archived {
		return nil, fmt.Errorf("%w: archived squads cannot change status", lifecycle.ErrInvalidTransition)
	}
	edge, ok := lifecycle.SquadGraph.EdgeFor(sq.Status, target)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot move to %s", lifecycle.ErrInvalidTransition, sq.Status, target)
	}
	if err := s.store.UpdateStatus(ctx, squadID, sq.Status, target); err != nil {
		return nil, err
	}
	from := sq.Status
	sq.Status = target
	if target == models.SquadWarmingUp {
		t := s.now()
		sq.WarmingUpSince = &t
	} else {
		sq.WarmingUpSince = nil
	}
	s.appendAudit(ctx, "squad."+string(target), squadID, actorID, nil, transitionMeta(from, target))
	if edge.NotifySubjects {
		kind := notify.KindSquadWarmupStarted
		if target == models.SquadApproved {
			kind = notify.KindSquadApproved
		}
		s.notifyActiveMembers(ctx, sq, actorID, kind)
	}
	if edge.NotifyActor {
		s.notifyLeaders(ctx, sq, actorID, notify.KindSquadReadyForReview)
	}
	return sq, nil
}

// ConfirmReadiness stamps the acting member's readiness confirmation. Only
// meaningful while the squad is warming up.
func (s *Service) ConfirmReadiness(ctx context.Context, squadID, userID uuid.UUID) error {
	sq, err := s.store.GetByID(ctx, squadID)
	if err != nil {
		return err
	}
	if sq.Status != models.SquadWarmingUp {
		return fmt.Errorf("%w: squad is not warming up", lifecycle.ErrInvalidTransition)
	}
	if err := s.store.ConfirmReadiness(ctx, squadID, userID, s.now()); err != nil {
		return err
	}
	s.appendAudit(ctx, "squad.readiness_confirmed", squadID, userID, nil, nil)
	return nil
}

// Health derives the squad's warm-up readiness rating from its active
// members. Never stored; recomputed on demand.
func (s *Service) Health(members []models.SquadMember) models.SquadHealth {
	var active, ready int
	for _, m := range members {
		if m.Status != models.MemberActive {
			continue
		}
		active++
		if m.ReadinessConfirmedAt != nil {
			ready++
		}
	}
	if active == 0 {
		return models.SquadAtRisk
	}
	pct := ready * 100 / active
	switch {
	case pct >= s.cfg.HealthyPct:
		return models.SquadHealthy
	case pct >= s.cfg.WarningPct:
		return models.SquadWarning
	default:
		return models.SquadAtRisk
	}
}

// TransferLeadership makes newLeaderID the squad's sole leader. The target
// must already be an active member.
func (s *Service) TransferLeadership(ctx context.Context, squadID, actorID, newLeaderID uuid.UUID) error {
	if _, err := s.store.GetByID(ctx, squadID); err != nil {
		return err
	}
	if err := s.store.TransferLeadership(ctx, squadID, newLeaderID); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"new_leader_id": newLeaderID.String()})
	s.appendAudit(ctx, "squad.leadership_transferred", squadID, actorID, nil, meta)
	s.dispatch(ctx, []uuid.UUID{newLeaderID}, notify.KindSquadLeaderChanged, squadID, actorID, nil)
	return nil
}

// Rename changes the squad's display name.
func (s *Service) Rename(ctx context.Context, squadID, actorID uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", lifecycle.ErrInvalidInput)
	}
	if err := s.store.Rename(ctx, squadID, name); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"name": name})
	s.appendAudit(ctx, "squad.renamed", squadID, actorID, nil, meta)
	return nil
}

// UpdateSettings validates and replaces the squad's settings object.
func (s *Service) UpdateSettings(ctx context.Context, squadID, actorID uuid.UUID, settings models.SquadSettings) error {
	if settings.CommitmentStyle != "" && !settings.CommitmentStyle.Valid() {
		return fmt.Errorf("%w: unknown commitment style %q", lifecycle.ErrInvalidInput, settings.CommitmentStyle)
	}
	if settings.RotationMode != "" && !settings.RotationMode.Valid() {
		return fmt.Errorf("%w: unknown rotation mode %q", lifecycle.ErrInvalidInput, settings.RotationMode)
	}
	tags := settings.ThemeTags[:0]
	for _, t := range settings.ThemeTags {
		t = strings.TrimSpace(t)
		if t == "" {
			return fmt.Errorf("%w: theme tags must not be blank", lifecycle.ErrInvalidInput)
		}
		tags = append(tags, t)
	}
	settings.ThemeTags = tags
	if err := s.store.UpdateSettings(ctx, squadID, settings); err != nil {
		return err
	}
	s.appendAudit(ctx, "squad.settings_updated", squadID, actorID, nil, nil)
	return nil
}

// RegenerateInviteCode replaces the squad's join code and returns the new one.
func (s *Service) RegenerateInviteCode(ctx context.Context, squadID, actorID uuid.UUID) (string, error) {
	code, err := generateInviteCode(s.cfg.InviteCodeLength)
	if err != nil {
		return "", fmt.Errorf("%w: %v", lifecycle.ErrPersistenceFailure, err)
	}
	if err := s.store.SetInviteCode(ctx, squadID, code); err != nil {
		return "", err
	}
	s.appendAudit(ctx, "squad.invite_code_regenerated", squadID, actorID, nil, nil)
	return code, nil
}

// RemoveMember marks a member removed. Rejected when it would leave the
// squad without an active leader.
func (s *Service) RemoveMember(ctx context.Context, squadID, actorID, memberID uuid.UUID) error {
	members, err := s.store.ListMembers(ctx, squadID)
	if err != nil {
		return err
	}
	var target *models.SquadMember
	leaders := 0
	for i := range members {
		m := &members[i]
		if m.Status != models.MemberActive {
			continue
		}
		if m.Role == models.RoleLeader {
			leaders++
		}
		if m.ID == memberID {
			target = m
		}
	}
	if target == nil {
		return fmt.Errorf("%w: member is not active in this squad", lifecycle.ErrNotFound)
	}
	if target.Role == models.RoleLeader && leaders == 1 {
		return fmt.Errorf("%w: cannot remove the only active leader", lifecycle.ErrInvalidInput)
	}
	if err := s.store.MarkMemberRemoved(ctx, squadID, memberID); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"member_id": memberID.String()})
	s.appendAudit(ctx, "squad.member_removed", squadID, actorID, nil, meta)
	s.dispatch(ctx, []uuid.UUID{target.UserID}, notify.KindSquadMemberRemoved, squadID, actorID, nil)
	return nil
}

// Archive flags the squad archived, remembering its status for reactivation.
func (s *Service) Archive(ctx context.Context, squadID, actorID uuid.UUID) error {
	if err := s.store.Archive(ctx, squadID); err != nil {
		return err
	}
	s.appendAudit(ctx, "squad.archived", squadID, actorID, nil, nil)
	return nil
}

// Reactivate clears the archive flag, restoring the pre-archive status.
func (s *Service) Reactivate(ctx context.Context, squadID, actorID uuid.UUID) error {
	if err := s.store.Reactivate(ctx, squadID); err != nil {
		return err
	}
	s.appendAudit(ctx, "squad.reactivated", squadID, actorID, nil, nil)
	return nil
}

// JoinByInviteCode adds the acting user to the squad behind the code. Squads
// only accept joiners before warm-up completes.
func (s *Service) JoinByInviteCode(ctx context.Context, code string, userID uuid.UUID) (*models.Squad, *models.SquadMember, error) {
	sq, err := s.store.GetByInviteCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, nil, err
	}
	switch sq.Status {
	case models.SquadDraft, models.SquadConfirmed, models.SquadWarmingUp:
	default:
		return nil, nil, fmt.Errorf("%w: squad is no longer accepting members", lifecycle.ErrInvalidTransition)
	}
	m, err := s.store.AddMember(ctx, sq.ID, userID)
	if err != nil {
		return nil, nil, err
	}
	s.appendAudit(ctx, "squad.member_joined", sq.ID, userID, nil, nil)
	return sq, m, nil
}

// inviteAlphabet omits lookalike characters.
const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateInviteCode(length int) (string, error) {
	if length <= 0 {
		length = 8
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = inviteAlphabet[int(b[i])%len(inviteAlphabet)]
	}
	return string(b), nil
}

func (s *Service) notifyActiveMembers(ctx context.Context, sq *models.Squad, actorID uuid.UUID, kind string) {
	members, err := s.store.ListMembers(ctx, sq.ID)
	if err != nil {
		s.logger.Error("list members for notify", zap.Error(err), zap.String("squad_id", sq.ID.String()))
		return
	}
	var userIDs []uuid.UUID
	for _, m := range members {
		if m.Status == models.MemberActive {
			userIDs = append(userIDs, m.UserID)
		}
	}
	s.dispatch(ctx, userIDs, kind, sq.ID, actorID, map[string]string{"squad_name": sq.Name})
}

func (s *Service) notifyLeaders(ctx context.Context, sq *models.Squad, actorID uuid.UUID, kind string) {
	members, err := s.store.ListMembers(ctx, sq.ID)
	if err != nil {
		s.logger.Error("list members for notify", zap.Error(err), zap.String("squad_id", sq.ID.String()))
		return
	}
	var userIDs []uuid.UUID
	for _, m := range members {
		if m.Status == models.MemberActive && m.Role == models.RoleLeader {
			userIDs = append(userIDs, m.UserID)
		}
	}
	s.dispatch(ctx, userIDs, kind, sq.ID, actorID, map[string]string{"squad_name": sq.Name})
}

func (s *Service) dispatch(ctx context.Context, userIDs []uuid.UUID, kind string, squadID, actorID uuid.UUID, data any) {
	if len(userIDs) == 0 {
		return
	}
	if err := s.notifier.Notify(ctx, userIDs, kind, "squads", squadID, actorID, data); err != nil {
		s.logger.Error("notification dispatch failed", zap.Error(err), zap.String("kind", kind))
		if aerr := s.audit.AnnotateDeliveryFailure(ctx, "squads", squadID, actorID, kind, err); aerr != nil {
			s.logger.Error("delivery failure annotation failed", zap.Error(aerr))
		}
	}
}

func (s *Service) appendAudit(ctx context.Context, action string, squadID, actorID uuid.UUID, reason *string, meta json.RawMessage) {
	if err := s.audit.Append(ctx, &models.AuditLogEntry{
		Action:      action,
		TargetTable: "squads",
		TargetID:    squadID,
		ActorID:     actorID,
		Reason:      reason,
		Metadata:    meta,
	}); err != nil {
		s.logger.Error("audit append failed", zap.Error(err), zap.String("action", action))
	}
}

func transitionMeta(from, to models.SquadStatus) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"from": string(from), "to": string(to)})
	return b
}
