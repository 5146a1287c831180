package worker

import (
	"context"
	"errors"
	"time"

	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/jobs/runtime"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/envutil"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/services"
)

const (
	pollInterval      = 1 * time.Second
	heartbeatInterval = 30 * time.Second
	maxTaskAttempts   = 3
	staleRunningAfter = 10 * time.Minute
)

// Worker runs the bounded pool that drains the generation task queue. Pool
// size caps concurrent LLM calls; each loop claims one task at a time.
type Worker struct {
	log      *logger.Logger
	tasks    genrepo.TaskRepo
	jobs     genrepo.JobRepo
	tracker  services.JobTracker
	registry *runtime.Registry
	timeout  time.Duration
}

func NewWorker(
	baseLog *logger.Logger,
	tasks genrepo.TaskRepo,
	jobs genrepo.JobRepo,
	tracker services.JobTracker,
	registry *runtime.Registry,
) *Worker {
	return &Worker{
		log:      baseLog.With("component", "JobWorker"),
		tasks:    tasks,
		jobs:     jobs,
		tracker:  tracker,
		registry: registry,
		timeout:  envutil.DurationSeconds("GENERATION_TIMEOUT_SECONDS", 5*time.Minute),
	}
}

func (w *Worker) Start(ctx context.Context) {
	concurrency := envutil.Int("WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting generation worker pool", "concurrency", concurrency, "timeout", w.timeout.String())

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			task, err := w.tasks.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, maxTaskAttempts, staleRunningAfter)
			if err != nil {
				w.log.Warn("Task claim failed", "worker_id", workerID, "error", err.Error())
				continue
			}
			if task == nil {
				continue
			}
			w.process(ctx, workerID, task)
		}
	}
}

func (w *Worker) process(ctx context.Context, workerID int, task *domain.GenerationTask) {
	dbc := dbctx.Context{Ctx: ctx}

	job, err := w.jobs.GetByQueueTaskID(dbc, task.ID.String())
	if err != nil {
		w.log.Warn("Job lookup for task failed", "worker_id", workerID, "task_id", task.ID, "error", err.Error())
		return
	}
	if job == nil {
		// Orphaned work item: its tracker row never landed. Retire it.
		w.log.Warn("No job for claimed task; retiring", "worker_id", workerID, "task_id", task.ID)
		w.markDone(dbc, task)
		return
	}

	// At-least-once delivery: duplicate or reclaimed deliveries are resolved
	// from the job's current status before any real work starts.
	switch job.Status {
	case domain.JobStatusCancelled:
		// Cancelled before pickup. No generation, no terminal events.
		if err := w.tasks.MarkCancelled(dbc, task.ID); err != nil {
			w.log.Warn("Task cancel mark failed", "task_id", task.ID, "error", err.Error())
		}
		return
	case domain.JobStatusCompleted, domain.JobStatusFailed:
		w.markDone(dbc, task)
		return
	case domain.JobStatusInProgress:
		// A running task is only claimable once its heartbeat goes stale, so
		// the worker that owned this job is gone. Surface the loss instead of
		// silently re-running.
		if failErr := w.tracker.Fail(ctx, job.ID,
			"worker lost during generation", domain.ErrorTypeGeneration, true, false); failErr != nil {
			w.log.Warn("Stale job fail transition error", "job_id", job.ID, "error", failErr.Error())
		}
		w.markDone(dbc, task)
		return
	}

	started, err := w.tracker.Start(ctx, job.ID)
	if err != nil {
		w.log.Warn("Job start transition failed", "job_id", job.ID, "error", err.Error())
		return
	}
	if !started {
		// Lost the race to a concurrent transition; next delivery resolves it.
		w.log.Info("Job not startable; skipping", "worker_id", workerID, "job_id", job.ID)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	stopHeartbeat := w.keepAlive(runCtx, task)
	defer stopHeartbeat()

	jc := runtime.NewContext(runCtx, task, job, w.tracker, w.log)
	runErr := w.dispatch(jc)

	if errors.Is(runErr, services.ErrJobCancelled) {
		if err := w.tasks.MarkCancelled(dbc, task.ID); err != nil {
			w.log.Warn("Task cancel mark failed", "task_id", task.ID, "error", err.Error())
		}
		return
	}
	w.markDone(dbc, task)
}

func (w *Worker) dispatch(jc *runtime.Context) (runErr error) {
	payload, _ := jc.Payload()
	taskType := payload.Type
	if taskType == "" {
		taskType = domain.TaskTypeSceneGeneration
	}

	h, ok := w.registry.Get(taskType)
	if !ok {
		w.log.Warn("No handler registered for task type", "task_type", taskType, "task_id", jc.Task.ID)
		jc.Fail(context.WithoutCancel(jc.Ctx),
			"no handler registered for task type="+taskType, domain.ErrorTypeGeneration, false)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic", "job_id", jc.Job.ID, "task_type", taskType, "panic", r)
			jc.Fail(context.WithoutCancel(jc.Ctx),
				"internal error during generation", domain.ErrorTypeGeneration, true)
			runErr = nil
		}
	}()
	return h.Run(jc)
}

// keepAlive extends the task heartbeat while the handler runs so a healthy
// long generation is not reclaimed as stale.
func (w *Worker) keepAlive(ctx context.Context, task *domain.GenerationTask) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := w.tasks.Heartbeat(dbctx.Context{Ctx: ctx}, task.ID); err != nil {
					w.log.Warn("Task heartbeat failed", "task_id", task.ID, "error", err.Error())
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

func (w *Worker) markDone(dbc dbctx.Context, task *domain.GenerationTask) {
	if err := w.tasks.MarkDone(dbc, task.ID); err != nil {
		w.log.Warn("Task done mark failed", "task_id", task.ID, "error", err.Error())
	}
}
