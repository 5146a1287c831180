package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/services"
)

// Context is the execution handle for one claimed work item. It is the only
// sanctioned way for handlers to report progress, check cancellation, or
// terminate the job; handlers never touch the job row directly.
type Context struct {
	Ctx     context.Context
	Task    *domain.GenerationTask
	Job     *domain.GenerationJob
	Tracker services.JobTracker
	Log     *logger.Logger

	payload    domain.TaskPayload
	payloadErr error
}

func NewContext(
	ctx context.Context,
	task *domain.GenerationTask,
	job *domain.GenerationJob,
	tracker services.JobTracker,
	log *logger.Logger,
) *Context {
	c := &Context{
		Ctx:     ctx,
		Task:    task,
		Job:     job,
		Tracker: tracker,
		Log:     log,
	}
	c.decodePayload()
	return c
}

func (c *Context) decodePayload() {
	if c.Task == nil || len(c.Task.Payload) == 0 {
		return
	}
	c.payloadErr = json.Unmarshal(c.Task.Payload, &c.payload)
}

// Payload returns the decoded work descriptor. The error is the original
// decode failure, surfaced so handlers can fail the job with a clear message.
func (c *Context) Payload() (domain.TaskPayload, error) {
	return c.payload, c.payloadErr
}

// Progress reports a stage transition. Ticks against a terminal job are
// silently discarded by the tracker; a reporting failure never aborts the
// pipeline.
func (c *Context) Progress(ctx context.Context, stage string, pct int, eta *time.Time) {
	if c.Job == nil {
		return
	}
	if err := c.Tracker.UpdateProgress(ctx, c.Job.ID, stage, pct, eta); err != nil {
		c.Log.Warn("Progress update failed",
			"job_id", c.Job.ID,
			"stage", stage,
			"error", err.Error(),
		)
	}
}

// Cancelled answers the cooperative cancellation check handlers run at stage
// boundaries. Errors reading the job default to not-cancelled so a transient
// read failure cannot silently discard a finished generation.
func (c *Context) Cancelled(ctx context.Context) bool {
	if c.Job == nil {
		return false
	}
	job, err := c.Tracker.Get(ctx, c.Job.ID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == domain.JobStatusCancelled
}

func (c *Context) Complete(ctx context.Context, result services.JobResult) error {
	if c.Job == nil {
		return nil
	}
	return c.Tracker.Complete(ctx, c.Job.ID, result)
}

func (c *Context) Fail(ctx context.Context, message, errType string, retryable bool) {
	if c.Job == nil {
		return
	}
	if err := c.Tracker.Fail(ctx, c.Job.ID, message, errType, retryable, false); err != nil {
		c.Log.Warn("Job fail transition error",
			"job_id", c.Job.ID,
			"error_type", errType,
			"error", err.Error(),
		)
	}
}
