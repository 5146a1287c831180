package generation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

// ErrActiveJobExists is returned when a create collides with the partial
// unique index guarding one active job per scene.
var ErrActiveJobExists = errors.New("active job already exists for scene")

type JobRepo interface {
	Create(dbc dbctx.Context, job *domain.GenerationJob) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationJob, error)
	GetByQueueTaskID(dbc dbctx.Context, taskID string) (*domain.GenerationJob, error)
	HasActiveForScene(dbc dbctx.Context, sceneID uuid.UUID) (bool, error)
	ListActiveForUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.GenerationJob, error)
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, stage string, pct int, eta *time.Time) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

// EnsureActiveJobIndex installs the partial unique index that makes the
// one-active-job-per-scene invariant hold under concurrent creates.
func EnsureActiveJobIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_generation_job_active_scene
		ON generation_job (scene_id)
		WHERE status IN ('queued', 'in_progress')
	`).Error
}

func (r *jobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *jobRepo) Create(dbc dbctx.Context, job *domain.GenerationJob) error {
	if job == nil {
		return nil
	}
	if err := r.handle(dbc).Create(job).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrActiveJobExists
		}
		return err
	}
	return nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.GenerationJob
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) GetByQueueTaskID(dbc dbctx.Context, taskID string) (*domain.GenerationJob, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, nil
	}
	var job domain.GenerationJob
	err := r.handle(dbc).Where("queue_task_id = ?", taskID).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) HasActiveForScene(dbc dbctx.Context, sceneID uuid.UUID) (bool, error) {
	if sceneID == uuid.Nil {
		return false, nil
	}
	var count int64
	err := r.handle(dbc).
		Model(&domain.GenerationJob{}).
		Where("scene_id = ? AND status IN ?", sceneID, domain.ActiveJobStatuses).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *jobRepo) ListActiveForUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.GenerationJob, error) {
	var out []*domain.GenerationJob
	if userID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("user_id = ? AND status IN ?", userID, domain.ActiveJobStatuses).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.handle(dbc).
		Model(&domain.GenerationJob{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateProgress persists a progress tick. Progress only moves forward: the
// GREATEST guard keeps the percentage monotonic even if ticks land out of
// order, and the status guard discards ticks against terminal jobs.
func (r *jobRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, stage string, pct int, eta *time.Time) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"stage":      stage,
		"progress":   gorm.Expr("GREATEST(progress, ?)", pct),
		"updated_at": now,
	}
	if eta != nil {
		updates["eta"] = *eta
	}
	res := r.handle(dbc).
		Model(&domain.GenerationJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusInProgress).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key value")
}
