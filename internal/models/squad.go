package models

import (
	"time"

	"github.com/google/uuid"
)

// SquadStatus is the lifecycle status of a squad, including the warm-up
// sub-phase in which members confirm readiness.
type SquadStatus string

const (
	SquadDraft          SquadStatus = "draft"
	SquadConfirmed      SquadStatus = "confirmed"
	SquadWarmingUp      SquadStatus = "warming_up"
	SquadReadyForReview SquadStatus = "ready_for_review"
	SquadApproved       SquadStatus = "approved"
	SquadActive         SquadStatus = "active"
	SquadCompleted      SquadStatus = "completed"
)

// Valid reports whether s is a known squad status.
func (s SquadStatus) Valid() bool {
	switch s {
	case SquadDraft, SquadConfirmed, SquadWarmingUp, SquadReadyForReview,
		SquadApproved, SquadActive, SquadCompleted:
		return true
	}
	return false
}

// SquadHealth is the derived warm-up readiness rating of a squad. It is
// computed from member confirmations and never stored.
type SquadHealth string

const (
	SquadHealthy SquadHealth = "healthy"
	SquadWarning SquadHealth = "warning"
	SquadAtRisk  SquadHealth = "at_risk"
)

// RotationMode controls how squad leadership rotates between events.
type RotationMode string

const (
	RotationNone   RotationMode = "none"
	RotationManual RotationMode = "manual"
	RotationAuto   RotationMode = "auto"
)

// Valid reports whether m is a known rotation mode.
func (m RotationMode) Valid() bool {
	switch m {
	case RotationNone, RotationManual, RotationAuto:
		return true
	}
	return false
}

// CommitmentStyle describes how strictly members are expected to attend.
type CommitmentStyle string

const (
	CommitmentCasual  CommitmentStyle = "casual"
	CommitmentRegular CommitmentStyle = "regular"
	CommitmentStrict  CommitmentStyle = "strict"
)

// Valid reports whether s is a known commitment style.
func (s CommitmentStyle) Valid() bool {
	switch s {
	case CommitmentCasual, CommitmentRegular, CommitmentStrict:
		return true
	}
	return false
}

// SquadSettings is the admin/leader-editable squad configuration.
type SquadSettings struct {
	ThemeTags       []string        `json:"theme_tags,omitempty"`
	CommitmentStyle CommitmentStyle `json:"commitment_style,omitempty"`
	OrgCode         string          `json:"org_code,omitempty"`
	Rules           string          `json:"rules,omitempty"`
	RotationMode    RotationMode    `json:"rotation_mode,omitempty"`
}

// Squad is a sub-group of an instance's participants progressing through
// warm-up before the event runs.
type Squad struct {
	ID               uuid.UUID     `json:"id"`
	InstanceID       uuid.UUID     `json:"instance_id"`
	Name             string        `json:"name"`
	Status           SquadStatus   `json:"status"`
	WarmingUpSince   *time.Time    `json:"warming_up_since,omitempty"`
	Archived         bool          `json:"archived"`
	PreArchiveStatus *SquadStatus  `json:"pre_archive_status,omitempty"`
	InviteCode       string        `json:"invite_code"`
	Settings         SquadSettings `json:"settings"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// MemberRole is a squad member's role.
type MemberRole string

const (
	RoleMember MemberRole = "member"
	RoleLeader MemberRole = "leader"
)

// MemberStatus marks a member as active or removed. Removal is a status
// transition, never a row delete, so squad history is preserved.
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberRemoved MemberStatus = "removed"
)

// SquadMember is one participant's membership in a squad.
type SquadMember struct {
	ID                   uuid.UUID    `json:"id"`
	SquadID              uuid.UUID    `json:"squad_id"`
	UserID               uuid.UUID    `json:"user_id"`
	Role                 MemberRole   `json:"role"`
	Status               MemberStatus `json:"status"`
	ReadinessConfirmedAt *time.Time   `json:"readiness_confirmed_at,omitempty"`
	JoinedAt             time.Time    `json:"joined_at"`
}
