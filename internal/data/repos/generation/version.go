package generation

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

type VersionRepo interface {
	// CreateNext flips every prior version of the scene to not-current and
	// inserts v as the current version with the next contiguous number, as a
	// single transaction.
	CreateNext(dbc dbctx.Context, v *domain.ContentVersion) (*domain.ContentVersion, error)
	GetCurrent(dbc dbctx.Context, sceneID uuid.UUID) (*domain.ContentVersion, error)
	ListByScene(dbc dbctx.Context, sceneID uuid.UUID) ([]*domain.ContentVersion, error)
}

type versionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVersionRepo(db *gorm.DB, baseLog *logger.Logger) VersionRepo {
	return &versionRepo{
		db:  db,
		log: baseLog.With("repo", "VersionRepo"),
	}
}

func (r *versionRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *versionRepo) CreateNext(dbc dbctx.Context, v *domain.ContentVersion) (*domain.ContentVersion, error) {
	if v == nil {
		return nil, fmt.Errorf("nil version")
	}
	if v.SceneID == uuid.Nil {
		return nil, fmt.Errorf("missing scene_id")
	}
	err := r.handle(dbc).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.ContentVersion{}).
			Where("scene_id = ? AND is_current = ?", v.SceneID, true).
			Update("is_current", false).Error; err != nil {
			return err
		}
		var maxNumber int
		if err := tx.Model(&domain.ContentVersion{}).
			Where("scene_id = ?", v.SceneID).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return err
		}
		v.VersionNumber = maxNumber + 1
		v.IsCurrent = true
		return tx.Create(v).Error
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *versionRepo) GetCurrent(dbc dbctx.Context, sceneID uuid.UUID) (*domain.ContentVersion, error) {
	if sceneID == uuid.Nil {
		return nil, nil
	}
	var v domain.ContentVersion
	err := r.handle(dbc).
		Where("scene_id = ? AND is_current = ?", sceneID, true).
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == uuid.Nil {
		return nil, nil
	}
	return &v, nil
}

func (r *versionRepo) ListByScene(dbc dbctx.Context, sceneID uuid.UUID) ([]*domain.ContentVersion, error) {
	var out []*domain.ContentVersion
	if sceneID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("scene_id = ?", sceneID).
		Order("version_number ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
