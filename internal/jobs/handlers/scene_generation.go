package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/storysmith/storysmith-backend/internal/clients/openai"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/jobs/runtime"
	"github.com/storysmith/storysmith-backend/internal/pkg/httpx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/services"
)

// SceneGenerationHandler bridges a claimed work item to the generation
// pipeline and maps pipeline failures onto the job error taxonomy.
type SceneGenerationHandler struct {
	log       *logger.Logger
	generator services.SceneGenerator
}

func NewSceneGenerationHandler(baseLog *logger.Logger, generator services.SceneGenerator) *SceneGenerationHandler {
	return &SceneGenerationHandler{
		log:       baseLog.With("handler", "SceneGeneration"),
		generator: generator,
	}
}

func (h *SceneGenerationHandler) Type() string { return domain.TaskTypeSceneGeneration }

func (h *SceneGenerationHandler) Run(jc *runtime.Context) error {
	// Terminal transitions must land even when jc.Ctx already hit its
	// wall-clock deadline.
	finalCtx := context.WithoutCancel(jc.Ctx)

	payload, err := jc.Payload()
	if err != nil {
		jc.Fail(finalCtx, fmt.Sprintf("invalid work item payload: %v", err), domain.ErrorTypeGeneration, false)
		return nil
	}

	result, err := h.generator.Generate(jc.Ctx, services.GenerateRequest{
		JobID:           jc.Job.ID,
		UserID:          payload.UserID,
		TrilogyID:       payload.TrilogyID,
		BookID:          payload.BookID,
		SceneID:         payload.SceneID,
		CharacterID:     payload.CharacterID,
		PlotPoints:      payload.PlotPoints,
		TargetWordCount: payload.TargetWordCount,
		ChangeDesc:      payload.ChangeDescription,
	}, jc)
	if err != nil {
		if errors.Is(err, services.ErrJobCancelled) {
			h.log.Info("Generation discarded after cancellation", "job_id", jc.Job.ID)
			return services.ErrJobCancelled
		}
		message, errType, retryable := classify(err)
		jc.Fail(finalCtx, message, errType, retryable)
		return nil
	}

	if err := jc.Complete(finalCtx, services.JobResult{
		VersionID:     result.VersionID,
		VersionNumber: result.VersionNumber,
		WordCount:     result.WordCount,
		ModelID:       result.ModelID,
	}); err != nil {
		h.log.Warn("Job completion transition failed", "job_id", jc.Job.ID, "error", err.Error())
	}
	return nil
}

// classify maps a pipeline error to the user-facing taxonomy: timeout and
// llm_error are recognized directly, everything else is a generation_error.
func classify(err error) (message, errType string, retryable bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return "generation exceeded its time limit", domain.ErrorTypeTimeout, true
	}

	var llmErr *openai.LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Error(), domain.ErrorTypeLLM, httpx.IsRetryableError(llmErr)
	}

	return err.Error(), domain.ErrorTypeGeneration, true
}
