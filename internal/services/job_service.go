package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	rediscache "github.com/storysmith/storysmith-backend/internal/clients/redis"
	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/envutil"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

// ErrJobNotRestartable rejects a restart of a job that did not fail.
var ErrJobNotRestartable = errors.New("only failed jobs can be restarted")

// EnqueueRequest is what the API layer submits to start a generation. The
// caller has already verified resource ownership.
type EnqueueRequest struct {
	UserID            uuid.UUID
	TrilogyID         uuid.UUID
	BookID            uuid.UUID
	SceneID           uuid.UUID
	CharacterID       uuid.UUID
	PlotPoints        string
	TargetWordCount   int
	ChangeDescription string
	VersionHint       int

	retryCount int
}

// JobService is the job query-and-control surface consumed by the API layer:
// enqueue, list, get, cancel, restart. Reads of the active-jobs list go
// through a short-TTL cache that every tracker mutation invalidates.
type JobService interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*domain.GenerationJob, error)
	Get(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error)
	ListActive(ctx context.Context, userID uuid.UUID) ([]*domain.GenerationJob, error)
	Cancel(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error)
	Restart(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error)
	Events(ctx context.Context, userID, jobID uuid.UUID) ([]*domain.GenerationJobEvent, error)
}

type jobService struct {
	log      *logger.Logger
	tracker  JobTracker
	jobs     genrepo.JobRepo
	tasks    genrepo.TaskRepo
	events   genrepo.EventRepo
	cache    rediscache.Cache
	cacheTTL time.Duration
}

func NewJobService(
	baseLog *logger.Logger,
	tracker JobTracker,
	jobs genrepo.JobRepo,
	tasks genrepo.TaskRepo,
	events genrepo.EventRepo,
	cache rediscache.Cache,
) JobService {
	return &jobService{
		log:      baseLog.With("service", "JobService"),
		tracker:  tracker,
		jobs:     jobs,
		tasks:    tasks,
		events:   events,
		cache:    cache,
		cacheTTL: envutil.DurationSeconds("ACTIVE_JOBS_CACHE_TTL_SECONDS", 30*time.Second),
	}
}

// Enqueue creates the tracked job and its queue work item. The job row is
// created first with a pre-assigned correlation id so a worker can never claim
// a work item whose job does not exist yet.
func (s *jobService) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.GenerationJob, error) {
	if req.UserID == uuid.Nil || req.SceneID == uuid.Nil || req.CharacterID == uuid.Nil {
		return nil, fmt.Errorf("user, scene and character ids are required")
	}
	if req.TargetWordCount <= 0 {
		req.TargetWordCount = 500
	}

	taskID := uuid.New()
	job, err := s.tracker.Create(ctx, JobSpec{
		UserID:      req.UserID,
		TrilogyID:   req.TrilogyID,
		SceneID:     req.SceneID,
		QueueTaskID: taskID.String(),
		RetryCount:  req.retryCount,
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(domain.TaskPayload{
		Type:              domain.TaskTypeSceneGeneration,
		UserID:            req.UserID,
		TrilogyID:         req.TrilogyID,
		BookID:            req.BookID,
		SceneID:           req.SceneID,
		CharacterID:       req.CharacterID,
		PlotPoints:        req.PlotPoints,
		TargetWordCount:   req.TargetWordCount,
		ChangeDescription: req.ChangeDescription,
		VersionHint:       req.VersionHint,
	})
	if err == nil {
		err = s.tasks.Create(dbctx.Context{Ctx: ctx}, &domain.GenerationTask{
			ID:      taskID,
			SceneID: req.SceneID,
			Status:  domain.TaskStatusQueued,
			Payload: payload,
		})
	}
	if err != nil {
		// The job exists but its work item never landed; fail it now rather
		// than leaving a queued job nothing will ever pick up.
		if failErr := s.tracker.Fail(ctx, job.ID,
			"failed to enqueue generation work item", domain.ErrorTypeGeneration, true, false); failErr != nil {
			s.log.Warn("Enqueue failure transition error", "job_id", job.ID, "error", failErr.Error())
		}
		return nil, fmt.Errorf("enqueue work item: %w", err)
	}

	return job, nil
}

func (s *jobService) Get(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *jobService) ListActive(ctx context.Context, userID uuid.UUID) ([]*domain.GenerationJob, error) {
	if userID == uuid.Nil {
		return []*domain.GenerationJob{}, nil
	}

	key := activeJobsCacheKey(userID)
	if raw, hit, err := s.cache.Get(ctx, key); err == nil && hit {
		var cached []*domain.GenerationJob
		if uErr := json.Unmarshal(raw, &cached); uErr == nil {
			return cached, nil
		}
	}

	jobs, err := s.jobs.ListActiveForUser(dbctx.Context{Ctx: ctx}, userID)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*domain.GenerationJob{}
	}

	if raw, mErr := json.Marshal(jobs); mErr == nil {
		if sErr := s.cache.Set(ctx, key, raw, s.cacheTTL); sErr != nil {
			s.log.Warn("Active-jobs cache write failed", "user_id", userID, "error", sErr.Error())
		}
	}
	return jobs, nil
}

func (s *jobService) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	if _, err := s.Get(ctx, userID, jobID); err != nil {
		return nil, err
	}

	job, err := s.tracker.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Retire the queued work item so a worker never even claims it. A task
	// already running finds the cancelled job at its next stage boundary.
	if taskID, pErr := uuid.Parse(job.QueueTaskID); pErr == nil {
		if mErr := s.tasks.MarkCancelled(dbctx.Context{Ctx: ctx}, taskID); mErr != nil {
			s.log.Warn("Task cancel mark failed", "job_id", job.ID, "task_id", taskID, "error", mErr.Error())
		}
	}
	return job, nil
}

// Restart re-enqueues a failed job as a fresh job for the same scene with the
// original work descriptor and an incremented retry count.
func (s *jobService) Restart(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusFailed {
		return nil, ErrJobNotRestartable
	}

	taskID, err := uuid.Parse(job.QueueTaskID)
	if err != nil {
		return nil, fmt.Errorf("job has no recoverable work descriptor")
	}
	task, err := s.tasks.GetByID(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil || len(task.Payload) == 0 {
		return nil, fmt.Errorf("job has no recoverable work descriptor")
	}

	var payload domain.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode work descriptor: %w", err)
	}

	return s.Enqueue(ctx, EnqueueRequest{
		UserID:            userID,
		TrilogyID:         payload.TrilogyID,
		BookID:            payload.BookID,
		SceneID:           payload.SceneID,
		CharacterID:       payload.CharacterID,
		PlotPoints:        payload.PlotPoints,
		TargetWordCount:   payload.TargetWordCount,
		ChangeDescription: payload.ChangeDescription,
		VersionHint:       payload.VersionHint,
		retryCount:        job.RetryCount + 1,
	})
}

func (s *jobService) Events(ctx context.Context, userID, jobID uuid.UUID) ([]*domain.GenerationJobEvent, error) {
	if _, err := s.Get(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return s.events.ListByJob(dbctx.Context{Ctx: ctx}, jobID)
}
