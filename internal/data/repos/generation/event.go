package generation

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

// EventRepo is the append-only job timeline ledger.
type EventRepo interface {
	Append(dbc dbctx.Context, event *domain.GenerationJobEvent) error
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.GenerationJobEvent, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{
		db:  db,
		log: baseLog.With("repo", "EventRepo"),
	}
}

func (r *eventRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *eventRepo) Append(dbc dbctx.Context, event *domain.GenerationJobEvent) error {
	if event == nil {
		return nil
	}
	return r.handle(dbc).Create(event).Error
}

func (r *eventRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.GenerationJobEvent, error) {
	var out []*domain.GenerationJobEvent
	if jobID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
