package models

import (
	"time"

	"github.com/google/uuid"
)

// QuestStatus is the lifecycle status of a quest template.
type QuestStatus string

const (
	QuestOpen      QuestStatus = "open"
	QuestPaused    QuestStatus = "paused"
	QuestClosed    QuestStatus = "closed"
	QuestCancelled QuestStatus = "cancelled"
	QuestRevoked   QuestStatus = "revoked"
	QuestCompleted QuestStatus = "completed"
)

// Valid reports whether s is a known quest status.
func (s QuestStatus) Valid() bool {
	switch s {
	case QuestOpen, QuestPaused, QuestClosed, QuestCancelled, QuestRevoked, QuestCompleted:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further lifecycle actions
// other than soft delete.
func (s QuestStatus) Terminal() bool {
	return s == QuestCancelled || s == QuestRevoked || s == QuestCompleted
}

// ReviewStatus is the review state of a submitted quest template.
type ReviewStatus string

const (
	ReviewPending          ReviewStatus = "pending_review"
	ReviewApproved         ReviewStatus = "approved"
	ReviewRejected         ReviewStatus = "rejected"
	ReviewChangesRequested ReviewStatus = "changes_requested"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewRejected, ReviewChangesRequested:
		return true
	}
	return false
}

// Quest is a reusable event template submitted by a creator and reviewed by
// an admin before its instances may recruit.
type Quest struct {
	ID            uuid.UUID    `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	CreatorID     uuid.UUID    `json:"creator_id"`
	Status        QuestStatus  `json:"status"`
	ReviewStatus  ReviewStatus `json:"review_status"`
	PriorityFlag  bool         `json:"priority_flag"`
	AdminNotes    string       `json:"admin_notes,omitempty"`
	CoverImageKey string       `json:"cover_image_key,omitempty"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
