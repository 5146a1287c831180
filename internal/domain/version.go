package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ContentVersion is one immutable snapshot of a scene's text. Version numbers
// are contiguous per scene starting at 1; exactly one row per scene carries
// is_current=true. Only the is_current flag is ever mutated after insert.
type ContentVersion struct {
	ID                 uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SceneID            uuid.UUID  `gorm:"type:uuid;not null;index:idx_content_version_scene_number,unique,priority:1" json:"scene_id"`
	VersionNumber      int        `gorm:"column:version_number;not null;index:idx_content_version_scene_number,unique,priority:2" json:"version_number"`
	Body               string     `gorm:"column:body;type:text;not null" json:"body"`
	WordCount          int        `gorm:"column:word_count;not null" json:"word_count"`
	MachineGenerated   bool       `gorm:"column:machine_generated;not null;default:false" json:"machine_generated"`
	ChangeDescription  string     `gorm:"column:change_description;type:text" json:"change_description,omitempty"`
	IsCurrent          bool       `gorm:"column:is_current;not null;default:false;index" json:"is_current"`
	CreatedByUserID    *uuid.UUID `gorm:"type:uuid;column:created_by_user_id" json:"created_by_user_id,omitempty"`
	CreatedByModel     string     `gorm:"column:created_by_model" json:"created_by_model,omitempty"`
	CreatedAt          time.Time  `gorm:"not null;default:now();index" json:"created_at"`
}

func (ContentVersion) TableName() string { return "content_version" }

// GenerationRecord captures provenance for one successful generation: which
// rules informed the prompt, at what similarity, and rough token accounting.
type GenerationRecord struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	SceneID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"scene_id"`
	VersionID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"version_id"`
	ModelID       string         `gorm:"column:model_id;not null" json:"model_id"`
	RulesUsed     datatypes.JSON `gorm:"column:rules_used;type:jsonb" json:"rules_used"`
	PromptTokens  int            `gorm:"column:prompt_tokens;not null;default:0" json:"prompt_tokens"`
	OutputTokens  int            `gorm:"column:output_tokens;not null;default:0" json:"output_tokens"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (GenerationRecord) TableName() string { return "generation_record" }
