package sse

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventConnected    EventType = "connected"
	EventProgress     EventType = "progress"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventEntityStatus EventType = "entity-status"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is one server-to-client message. The field set per type is stable:
// progress carries stage/progress/eta, completed carries version data, failed
// carries message/error_type/retryable, entity-status carries entity fields.
type Event struct {
	Type      EventType  `json:"type"`
	JobID     uuid.UUID  `json:"job_id,omitzero"`
	SceneID   uuid.UUID  `json:"scene_id,omitzero"`
	Status    string     `json:"status,omitempty"`
	Stage     string     `json:"stage,omitempty"`
	Progress  int        `json:"progress,omitempty"`
	ETA       *time.Time `json:"eta,omitempty"`
	Message   string     `json:"message,omitempty"`
	ErrorType string     `json:"error_type,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`

	EntityKind string    `json:"entity_kind,omitempty"`
	EntityID   uuid.UUID `json:"entity_id,omitzero"`

	Data any `json:"data,omitempty"`
}
