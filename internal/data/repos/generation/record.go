package generation

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

type RecordRepo interface {
	Create(dbc dbctx.Context, rec *domain.GenerationRecord) error
	ListByScene(dbc dbctx.Context, sceneID uuid.UUID) ([]*domain.GenerationRecord, error)
}

type recordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRecordRepo(db *gorm.DB, baseLog *logger.Logger) RecordRepo {
	return &recordRepo{
		db:  db,
		log: baseLog.With("repo", "RecordRepo"),
	}
}

func (r *recordRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *recordRepo) Create(dbc dbctx.Context, rec *domain.GenerationRecord) error {
	if rec == nil {
		return nil
	}
	return r.handle(dbc).Create(rec).Error
}

func (r *recordRepo) ListByScene(dbc dbctx.Context, sceneID uuid.UUID) ([]*domain.GenerationRecord, error) {
	var out []*domain.GenerationRecord
	if sceneID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("scene_id = ?", sceneID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
