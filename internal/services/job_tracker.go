package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	rediscache "github.com/storysmith/storysmith-backend/internal/clients/redis"
	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

var (
	// ErrDuplicateActiveJob rejects a second concurrent generation for the
	// same scene. The request is refused outright, never queued behind the
	// running one.
	ErrDuplicateActiveJob = errors.New("an active generation job already exists for this scene")
	ErrJobNotFound        = errors.New("generation job not found")
	ErrInvalidTransition  = errors.New("job is already in a terminal state")
)

// JobSpec is what the API layer knows when it requests a tracked job.
type JobSpec struct {
	UserID      uuid.UUID
	TrilogyID   uuid.UUID
	SceneID     uuid.UUID
	QueueTaskID string
	RetryCount  int
}

// JobResult is the completion metadata stored on the job row and pushed to
// connected clients.
type JobResult struct {
	VersionID     uuid.UUID `json:"version_id"`
	VersionNumber int       `json:"version_number"`
	WordCount     int       `json:"word_count"`
	ModelID       string    `json:"model_id"`
}

// JobTracker owns the job state machine:
// queued -> in_progress -> {completed, failed, cancelled}, plus
// queued -> cancelled for cancel-before-pickup. Terminal states are immutable.
// Every mutation invalidates the user's active-jobs cache and appends to the
// event ledger.
type JobTracker interface {
	Create(ctx context.Context, spec JobSpec) (*domain.GenerationJob, error)
	// Start moves queued -> in_progress. Returns false without error when the
	// job is not in the queued state (duplicate delivery, cancelled job).
	Start(ctx context.Context, jobID uuid.UUID) (bool, error)
	UpdateProgress(ctx context.Context, jobID uuid.UUID, stage string, pct int, eta *time.Time) error
	Complete(ctx context.Context, jobID uuid.UUID, result JobResult) error
	Fail(ctx context.Context, jobID uuid.UUID, message, errType string, retryable, incrementRetry bool) error
	Cancel(ctx context.Context, jobID uuid.UUID) (*domain.GenerationJob, error)
	Get(ctx context.Context, jobID uuid.UUID) (*domain.GenerationJob, error)
}

type jobTracker struct {
	log      *logger.Logger
	jobs     genrepo.JobRepo
	events   genrepo.EventRepo
	cache    rediscache.Cache
	notifier JobNotifier
}

func NewJobTracker(
	baseLog *logger.Logger,
	jobs genrepo.JobRepo,
	events genrepo.EventRepo,
	cache rediscache.Cache,
	notifier JobNotifier,
) JobTracker {
	return &jobTracker{
		log:      baseLog.With("service", "JobTracker"),
		jobs:     jobs,
		events:   events,
		cache:    cache,
		notifier: notifier,
	}
}

func activeJobsCacheKey(userID uuid.UUID) string {
	return "jobs:active:" + userID.String()
}

func (t *jobTracker) Create(ctx context.Context, spec JobSpec) (*domain.GenerationJob, error) {
	dbc := dbctx.Context{Ctx: ctx}

	// Fast pre-check for the common case; the partial unique index on active
	// scene jobs is the authority under concurrent creates.
	active, err := t.jobs.HasActiveForScene(dbc, spec.SceneID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrDuplicateActiveJob
	}

	job := &domain.GenerationJob{
		UserID:      spec.UserID,
		TrilogyID:   spec.TrilogyID,
		SceneID:     spec.SceneID,
		QueueTaskID: spec.QueueTaskID,
		Status:      domain.JobStatusQueued,
		Stage:       "queued",
		Progress:    0,
		RetryCount:  spec.RetryCount,
	}
	if err := t.jobs.Create(dbc, job); err != nil {
		if errors.Is(err, genrepo.ErrActiveJobExists) {
			return nil, ErrDuplicateActiveJob
		}
		return nil, err
	}

	t.appendEvent(ctx, job, domain.JobEventCreated, "", nil)
	t.invalidate(ctx, job.UserID)
	t.notifier.JobQueued(job.UserID, job)
	return job, nil
}

func (t *jobTracker) Start(ctx context.Context, jobID uuid.UUID) (bool, error) {
	dbc := dbctx.Context{Ctx: ctx}
	started, err := t.jobs.UpdateFieldsUnlessStatus(dbc, jobID,
		[]string{domain.JobStatusInProgress, domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
		map[string]interface{}{
			"status": domain.JobStatusInProgress,
			"stage":  "starting",
		})
	if err != nil {
		return false, err
	}
	if !started {
		return false, nil
	}

	job, err := t.jobs.GetByID(dbc, jobID)
	if err != nil || job == nil {
		return true, err
	}
	t.appendEvent(ctx, job, domain.JobEventProgress, "", nil)
	t.invalidate(ctx, job.UserID)
	t.notifier.JobProgress(job.UserID, job)
	return true, nil
}

func (t *jobTracker) UpdateProgress(ctx context.Context, jobID uuid.UUID, stage string, pct int, eta *time.Time) error {
	dbc := dbctx.Context{Ctx: ctx}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	updated, err := t.jobs.UpdateProgress(dbc, jobID, stage, pct, eta)
	if err != nil {
		return err
	}
	if !updated {
		job, gErr := t.jobs.GetByID(dbc, jobID)
		if gErr != nil {
			return gErr
		}
		if job == nil {
			return ErrJobNotFound
		}
		// Terminal or not-yet-started: the tick is discarded, not an error.
		return nil
	}

	job, err := t.jobs.GetByID(dbc, jobID)
	if err != nil || job == nil {
		return err
	}
	t.appendEvent(ctx, job, domain.JobEventProgress, "", nil)
	t.invalidate(ctx, job.UserID)
	t.notifier.JobProgress(job.UserID, job)
	return nil
}

func (t *jobTracker) Complete(ctx context.Context, jobID uuid.UUID, result JobResult) error {
	dbc := dbctx.Context{Ctx: ctx}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}

	ok, err := t.jobs.UpdateFieldsUnlessStatus(dbc, jobID, domain.TerminalJobStatuses,
		map[string]interface{}{
			"status":   domain.JobStatusCompleted,
			"stage":    "completed",
			"progress": gorm.Expr("GREATEST(progress, ?)", 100),
			"result":   raw,
		})
	if err != nil {
		return err
	}
	if !ok {
		return t.transitionRefused(dbc, jobID)
	}

	job, err := t.jobs.GetByID(dbc, jobID)
	if err != nil || job == nil {
		return err
	}
	t.appendEvent(ctx, job, domain.JobEventCompleted, "", raw)
	t.invalidate(ctx, job.UserID)
	t.notifier.JobCompleted(job.UserID, job, &result)
	return nil
}

func (t *jobTracker) Fail(ctx context.Context, jobID uuid.UUID, message, errType string, retryable, incrementRetry bool) error {
	dbc := dbctx.Context{Ctx: ctx}
	updates := map[string]interface{}{
		"status":        domain.JobStatusFailed,
		"stage":         "failed",
		"error_message": message,
		"error_type":    errType,
	}
	if incrementRetry {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}

	ok, err := t.jobs.UpdateFieldsUnlessStatus(dbc, jobID, domain.TerminalJobStatuses, updates)
	if err != nil {
		return err
	}
	if !ok {
		return t.transitionRefused(dbc, jobID)
	}

	job, err := t.jobs.GetByID(dbc, jobID)
	if err != nil || job == nil {
		return err
	}
	t.appendEvent(ctx, job, domain.JobEventFailed, message, nil)
	t.invalidate(ctx, job.UserID)
	t.notifier.JobFailed(job.UserID, job, retryable)
	return nil
}

func (t *jobTracker) Cancel(ctx context.Context, jobID uuid.UUID) (*domain.GenerationJob, error) {
	dbc := dbctx.Context{Ctx: ctx}
	ok, err := t.jobs.UpdateFieldsUnlessStatus(dbc, jobID, domain.TerminalJobStatuses,
		map[string]interface{}{
			"status": domain.JobStatusCancelled,
			"stage":  "cancelled",
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, t.transitionRefused(dbc, jobID)
	}

	job, err := t.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	t.appendEvent(ctx, job, domain.JobEventCancelled, "", nil)
	t.invalidate(ctx, job.UserID)
	t.notifier.JobCancelled(job.UserID, job)
	return job, nil
}

func (t *jobTracker) Get(ctx context.Context, jobID uuid.UUID) (*domain.GenerationJob, error) {
	job, err := t.jobs.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// transitionRefused distinguishes a missing job from a terminal one after a
// guarded update matched zero rows.
func (t *jobTracker) transitionRefused(dbc dbctx.Context, jobID uuid.UUID) error {
	job, err := t.jobs.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	return ErrInvalidTransition
}

func (t *jobTracker) appendEvent(ctx context.Context, job *domain.GenerationJob, kind, message string, data []byte) {
	event := &domain.GenerationJobEvent{
		JobID:    job.ID,
		UserID:   job.UserID,
		Kind:     kind,
		Status:   job.Status,
		Stage:    job.Stage,
		Progress: job.Progress,
		Message:  message,
	}
	if len(data) > 0 {
		event.Data = data
	}
	if err := t.events.Append(dbctx.Context{Ctx: ctx}, event); err != nil {
		t.log.Warn("Job event append failed", "job_id", job.ID, "kind", kind, "error", err.Error())
	}
}

func (t *jobTracker) invalidate(ctx context.Context, userID uuid.UUID) {
	if err := t.cache.Del(ctx, activeJobsCacheKey(userID)); err != nil {
		t.log.Warn("Active-jobs cache invalidation failed", "user_id", userID, "error", err.Error())
	}
}
