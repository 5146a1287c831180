package story

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

// The reads the generation core needs from the resource layer. Full CRUD on
// these entities lives elsewhere.

type CharacterRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Character, error)
	IncrementGenerationCount(dbc dbctx.Context, id uuid.UUID) error
	UpdateContextStatus(dbc dbctx.Context, id uuid.UUID, status string) error
}

type WorldRuleRepo interface {
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.WorldRule, error)
	// FilterApplicable keeps only active rules that apply to the given book.
	FilterApplicable(dbc dbctx.Context, ids []uuid.UUID, bookID uuid.UUID) (map[uuid.UUID]*domain.WorldRule, error)
}

type SceneRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Scene, error)
}

type characterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCharacterRepo(db *gorm.DB, baseLog *logger.Logger) CharacterRepo {
	return &characterRepo{db: db, log: baseLog.With("repo", "CharacterRepo")}
}

func (r *characterRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *characterRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Character, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var c domain.Character
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		return nil, nil
	}
	return &c, nil
}

func (r *characterRepo) IncrementGenerationCount(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).
		Model(&domain.Character{}).
		Where("id = ?", id).
		Update("generation_count", gorm.Expr("generation_count + 1")).Error
}

func (r *characterRepo) UpdateContextStatus(dbc dbctx.Context, id uuid.UUID, status string) error {
	if id == uuid.Nil || status == "" {
		return nil
	}
	return r.handle(dbc).
		Model(&domain.Character{}).
		Where("id = ?", id).
		Update("context_status", status).Error
}

type worldRuleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorldRuleRepo(db *gorm.DB, baseLog *logger.Logger) WorldRuleRepo {
	return &worldRuleRepo{db: db, log: baseLog.With("repo", "WorldRuleRepo")}
}

func (r *worldRuleRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *worldRuleRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.WorldRule, error) {
	var out []*domain.WorldRule
	if len(ids) == 0 {
		return out, nil
	}
	err := r.handle(dbc).Where("id IN ?", ids).Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *worldRuleRepo) FilterApplicable(dbc dbctx.Context, ids []uuid.UUID, bookID uuid.UUID) (map[uuid.UUID]*domain.WorldRule, error) {
	out := make(map[uuid.UUID]*domain.WorldRule)
	rules, err := r.GetByIDs(dbc, ids)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if rule == nil || !rule.Active {
			continue
		}
		if rule.AllBooks || bookID == uuid.Nil {
			out[rule.ID] = rule
			continue
		}
		if ruleAppliesToBook(rule, bookID) {
			out[rule.ID] = rule
		}
	}
	return out, nil
}

func ruleAppliesToBook(rule *domain.WorldRule, bookID uuid.UUID) bool {
	if len(rule.BookIDs) == 0 {
		return false
	}
	var bookIDs []string
	if err := json.Unmarshal(rule.BookIDs, &bookIDs); err != nil {
		return false
	}
	want := bookID.String()
	for _, id := range bookIDs {
		if id == want {
			return true
		}
	}
	return false
}

type sceneRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSceneRepo(db *gorm.DB, baseLog *logger.Logger) SceneRepo {
	return &sceneRepo{db: db, log: baseLog.With("repo", "SceneRepo")}
}

func (r *sceneRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *sceneRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Scene, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var s domain.Scene
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == uuid.Nil {
		return nil, nil
	}
	return &s, nil
}
