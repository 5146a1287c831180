package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobStatusQueued     = "queued"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

const (
	ErrorTypeTimeout    = "timeout"
	ErrorTypeLLM        = "llm_error"
	ErrorTypeGeneration = "generation_error"
)

// TerminalJobStatuses are immutable once set.
var TerminalJobStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// ActiveJobStatuses count against the one-active-job-per-scene invariant.
var ActiveJobStatuses = []string{JobStatusQueued, JobStatusInProgress}

// GenerationJob is the durable record of one background scene-generation attempt.
// It is retained forever for audit; terminal rows are never mutated again.
type GenerationJob struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TrilogyID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"trilogy_id"`
	SceneID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"scene_id"`
	QueueTaskID  string         `gorm:"column:queue_task_id;index" json:"queue_task_id,omitempty"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	Stage        string         `gorm:"column:stage;not null" json:"stage"`
	Progress     int            `gorm:"column:progress;not null;default:0" json:"progress"`
	ETA          *time.Time     `gorm:"column:eta" json:"eta,omitempty"`
	RetryCount   int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	ErrorMessage string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorType    string         `gorm:"column:error_type" json:"error_type,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (GenerationJob) TableName() string { return "generation_job" }

func (j *GenerationJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

const (
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusDone      = "done"
	TaskStatusCancelled = "cancelled"
)

// GenerationTask is the queue-level work item. Its id is the opaque correlation
// id handed back to enqueue callers; the tracker's job lifecycle deliberately
// does not depend on this row surviving.
type GenerationTask struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SceneID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"scene_id"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (GenerationTask) TableName() string { return "generation_task" }

const (
	JobEventCreated   = "created"
	JobEventProgress  = "progress"
	JobEventCompleted = "completed"
	JobEventFailed    = "failed"
	JobEventCancelled = "cancelled"
)

// GenerationJobEvent is an append-only ledger of job transitions. It backs the
// pull-query timeline for clients that were not connected when an event fired.
type GenerationJobEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	UserID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Kind      string         `gorm:"column:kind;not null;index" json:"kind"`
	Status    string         `gorm:"column:status;not null" json:"status"`
	Stage     string         `gorm:"column:stage" json:"stage"`
	Progress  int            `gorm:"column:progress;not null" json:"progress"`
	Message   string         `gorm:"column:message;type:text" json:"message,omitempty"`
	Data      datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (GenerationJobEvent) TableName() string { return "generation_job_event" }
