package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLogEntry is one append-only record of a lifecycle mutation.
// Every successful status transition writes exactly one entry.
type AuditLogEntry struct {
	ID          uuid.UUID       `json:"id"`
	Action      string          `json:"action"`
	TargetTable string          `json:"target_table"`
	TargetID    uuid.UUID       `json:"target_id"`
	ActorID     uuid.UUID       `json:"actor_id"`
	Reason      *string         `json:"reason,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
