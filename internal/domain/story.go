package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ContextStatusPending = "pending"
	ContextStatusReady   = "ready"
	ContextStatusFailed  = "failed"
)

// Character owns one vector-store namespace holding its context documents.
type Character struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TrilogyID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"trilogy_id"`
	Name            string         `gorm:"column:name;not null" json:"name"`
	Profile         string         `gorm:"column:profile;type:text" json:"profile"`
	Traits          string         `gorm:"column:traits;type:text" json:"traits"`
	Arc             string         `gorm:"column:arc;type:text" json:"arc"`
	Themes          string         `gorm:"column:themes;type:text" json:"themes"`
	GenerationCount int            `gorm:"column:generation_count;not null;default:0" json:"generation_count"`
	ContextStatus   string         `gorm:"column:context_status;not null;default:pending" json:"context_status"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Character) TableName() string { return "character" }

// WorldRule is one consistency rule for a trilogy's story-world. Applicability
// is either trilogy-wide or limited to the books listed in book_ids.
type WorldRule struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TrilogyID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"trilogy_id"`
	Title         string         `gorm:"column:title;not null" json:"title"`
	Category      string         `gorm:"column:category;index" json:"category"`
	RuleText      string         `gorm:"column:rule_text;type:text;not null" json:"rule_text"`
	Confidence    float64        `gorm:"column:confidence;not null;default:1" json:"confidence"`
	AllBooks      bool           `gorm:"column:all_books;not null;default:true" json:"all_books"`
	BookIDs       datatypes.JSON `gorm:"column:book_ids;type:jsonb" json:"book_ids,omitempty"`
	Active        bool           `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (WorldRule) TableName() string { return "world_rule" }

// Scene is the content-unit: the smallest generated-text entity owning a
// version history.
type Scene struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TrilogyID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"trilogy_id"`
	BookID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"book_id"`
	ChapterID  *uuid.UUID     `gorm:"type:uuid;index" json:"chapter_id,omitempty"`
	Title      string         `gorm:"column:title;not null" json:"title"`
	PlotPoints string         `gorm:"column:plot_points;type:text" json:"plot_points"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Scene) TableName() string { return "scene" }
