package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/http/response"
	"github.com/storysmith/storysmith-backend/internal/pkg/ctxutil"
	"github.com/storysmith/storysmith-backend/internal/services"
)

type JobHandler struct {
	jobs services.JobService
}

func NewJobHandler(jobs services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// GET /api/jobs
func (h *JobHandler) ListActive(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing caller identity"))
		return
	}
	jobs, err := h.jobs.ListActive(c.Request.Context(), rd.UserID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "job_list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	rd, jobID, ok := h.callerAndJobID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), rd.UserID, jobID)
	if err != nil {
		respondJobError(c, "job_get_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id/events
func (h *JobHandler) Events(c *gin.Context) {
	rd, jobID, ok := h.callerAndJobID(c)
	if !ok {
		return
	}
	events, err := h.jobs.Events(c.Request.Context(), rd.UserID, jobID)
	if err != nil {
		respondJobError(c, "job_events_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"events": events})
}

// POST /api/jobs/:id/cancel
func (h *JobHandler) Cancel(c *gin.Context) {
	rd, jobID, ok := h.callerAndJobID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Cancel(c.Request.Context(), rd.UserID, jobID)
	if err != nil {
		respondJobError(c, "job_cancel_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/restart
func (h *JobHandler) Restart(c *gin.Context) {
	rd, jobID, ok := h.callerAndJobID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Restart(c.Request.Context(), rd.UserID, jobID)
	if err != nil {
		respondJobError(c, "job_restart_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"job": job})
}

func (h *JobHandler) callerAndJobID(c *gin.Context) (*ctxutil.RequestData, uuid.UUID, bool) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing caller identity"))
		return nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return nil, uuid.Nil, false
	}
	return rd, jobID, true
}

func respondJobError(c *gin.Context, fallbackCode string, err error) {
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
	case errors.Is(err, services.ErrInvalidTransition):
		response.RespondError(c, http.StatusConflict, "invalid_transition", err)
	case errors.Is(err, services.ErrDuplicateActiveJob):
		response.RespondError(c, http.StatusConflict, "duplicate_active_job", err)
	case errors.Is(err, services.ErrJobNotRestartable):
		response.RespondError(c, http.StatusConflict, "job_not_restartable", err)
	default:
		response.RespondError(c, http.StatusInternalServerError, fallbackCode, err)
	}
}
