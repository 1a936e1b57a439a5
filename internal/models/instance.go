package models

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle status of one scheduled occurrence of a quest.
type InstanceStatus string

const (
	InstanceDraft      InstanceStatus = "draft"
	InstanceRecruiting InstanceStatus = "recruiting"
	InstanceLocked     InstanceStatus = "locked"
	InstanceLive       InstanceStatus = "live"
	InstancePaused     InstanceStatus = "paused"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceCancelled  InstanceStatus = "cancelled"
	InstanceArchived   InstanceStatus = "archived"
)

// Valid reports whether s is a known instance status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceDraft, InstanceRecruiting, InstanceLocked, InstanceLive,
		InstancePaused, InstanceCompleted, InstanceCancelled, InstanceArchived:
		return true
	}
	return false
}

// Instance is one dated, timed occurrence of a quest that recruits
// participants and groups them into squads.
type Instance struct {
	ID                 uuid.UUID       `json:"id"`
	QuestID            uuid.UUID       `json:"quest_id"`
	Status             InstanceStatus  `json:"status"`
	ScheduledDate      time.Time       `json:"scheduled_date"`
	StartTime          string          `json:"start_time"` // "15:04" local wall clock
	Capacity           int             `json:"capacity"`
	TargetSquadSize    int             `json:"target_squad_size"`
	CurrentSignupCount int             `json:"current_signup_count"`
	PausedReason       *string         `json:"paused_reason,omitempty"`
	PausedFrom         *InstanceStatus `json:"paused_from,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// StartAt combines ScheduledDate and StartTime into the event start instant.
// A malformed StartTime falls back to midnight of the scheduled date.
func (i *Instance) StartAt() time.Time {
	t, err := time.Parse("15:04", i.StartTime)
	if err != nil {
		return i.ScheduledDate
	}
	d := i.ScheduledDate
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, d.Location())
}

// Signup is one participant's registration for an instance.
type Signup struct {
	ID         uuid.UUID `json:"id"`
	InstanceID uuid.UUID `json:"instance_id"`
	UserID     uuid.UUID `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}
