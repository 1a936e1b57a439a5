package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is one delivered in-app notification for a user.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Kind        string          `json:"kind"`
	TargetTable string          `json:"target_table"`
	TargetID    uuid.UUID       `json:"target_id"`
	ActorID     uuid.UUID       `json:"actor_id"`
	Data        json.RawMessage `json:"data,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
