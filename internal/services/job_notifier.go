package services

import (
	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/sse"
)

// JobNotifier pushes job lifecycle changes to the user's live connections.
// Calls are fire-and-forget; a user with no open connections loses nothing
// durable because every transition is also written to the job event ledger.
type JobNotifier interface {
	JobQueued(userID uuid.UUID, job *domain.GenerationJob)
	JobProgress(userID uuid.UUID, job *domain.GenerationJob)
	JobCompleted(userID uuid.UUID, job *domain.GenerationJob, result *JobResult)
	JobFailed(userID uuid.UUID, job *domain.GenerationJob, retryable bool)
	JobCancelled(userID uuid.UUID, job *domain.GenerationJob)
	CharacterContextStatus(userID, characterID uuid.UUID, status string)
}

type jobNotifier struct {
	hub *sse.Hub
}

func NewJobNotifier(hub *sse.Hub) JobNotifier {
	return &jobNotifier{hub: hub}
}

func (n *jobNotifier) JobQueued(userID uuid.UUID, job *domain.GenerationJob) {
	n.hub.Broadcast(userID, sse.Event{
		Type:    sse.EventProgress,
		JobID:   job.ID,
		SceneID: job.SceneID,
		Status:  job.Status,
		Stage:   job.Stage,
	})
}

func (n *jobNotifier) JobProgress(userID uuid.UUID, job *domain.GenerationJob) {
	n.hub.Broadcast(userID, sse.Event{
		Type:     sse.EventProgress,
		JobID:    job.ID,
		SceneID:  job.SceneID,
		Status:   job.Status,
		Stage:    job.Stage,
		Progress: job.Progress,
		ETA:      job.ETA,
	})
}

func (n *jobNotifier) JobCompleted(userID uuid.UUID, job *domain.GenerationJob, result *JobResult) {
	n.hub.Broadcast(userID, sse.Event{
		Type:     sse.EventCompleted,
		JobID:    job.ID,
		SceneID:  job.SceneID,
		Status:   job.Status,
		Progress: 100,
		Data:     result,
	})
}

func (n *jobNotifier) JobFailed(userID uuid.UUID, job *domain.GenerationJob, retryable bool) {
	n.hub.Broadcast(userID, sse.Event{
		Type:      sse.EventFailed,
		JobID:     job.ID,
		SceneID:   job.SceneID,
		Status:    job.Status,
		Message:   job.ErrorMessage,
		ErrorType: job.ErrorType,
		Retryable: retryable,
	})
}

func (n *jobNotifier) JobCancelled(userID uuid.UUID, job *domain.GenerationJob) {
	n.hub.Broadcast(userID, sse.Event{
		Type:    sse.EventFailed,
		JobID:   job.ID,
		SceneID: job.SceneID,
		Status:  job.Status,
		Message: "generation cancelled",
	})
}

func (n *jobNotifier) CharacterContextStatus(userID, characterID uuid.UUID, status string) {
	n.hub.Broadcast(userID, sse.Event{
		Type:       sse.EventEntityStatus,
		EntityKind: "character",
		EntityID:   characterID,
		Status:     status,
	})
}
