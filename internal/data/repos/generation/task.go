package generation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

type TaskRepo interface {
	Create(dbc dbctx.Context, task *domain.GenerationTask) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationTask, error)
	// ClaimNextRunnable atomically claims the oldest deliverable work item:
	// either queued, or running with a heartbeat older than staleRunning
	// (crashed worker redelivery, bounded by maxAttempts). Returns nil when
	// the queue is empty.
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, staleRunning time.Duration) (*domain.GenerationTask, error)
	MarkDone(dbc dbctx.Context, id uuid.UUID) error
	MarkCancelled(dbc dbctx.Context, id uuid.UUID) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *taskRepo) Create(dbc dbctx.Context, task *domain.GenerationTask) error {
	if task == nil {
		return nil
	}
	return r.handle(dbc).Create(task).Error
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var task domain.GenerationTask
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, staleRunning time.Duration) (*domain.GenerationTask, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *domain.GenerationTask
	err := r.handle(dbc).Transaction(func(tx *gorm.DB) error {
		var task domain.GenerationTask
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status = ?
            AND attempts < ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, domain.TaskStatusQueued, domain.TaskStatusRunning, maxAttempts, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := tx.Model(&domain.GenerationTask{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":       domain.TaskStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		task.Status = domain.TaskStatusRunning
		task.Attempts++
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *taskRepo) MarkDone(dbc dbctx.Context, id uuid.UUID) error {
	return r.setStatus(dbc, id, domain.TaskStatusDone)
}

func (r *taskRepo) MarkCancelled(dbc dbctx.Context, id uuid.UUID) error {
	return r.setStatus(dbc, id, domain.TaskStatusCancelled)
}

func (r *taskRepo) setStatus(dbc dbctx.Context, id uuid.UUID, status string) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).
		Model(&domain.GenerationTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"locked_at":  nil,
			"updated_at": now,
		}).Error
}

func (r *taskRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).
		Model(&domain.GenerationTask{}).
		Where("id = ? AND status = ?", id, domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
