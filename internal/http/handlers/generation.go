package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	storyrepo "github.com/storysmith/storysmith-backend/internal/data/repos/story"
	"github.com/storysmith/storysmith-backend/internal/http/response"
	"github.com/storysmith/storysmith-backend/internal/pkg/ctxutil"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/services"
)

type GenerationHandler struct {
	jobs     services.JobService
	scenes   storyrepo.SceneRepo
	versions genrepo.VersionRepo
	records  genrepo.RecordRepo
}

func NewGenerationHandler(
	jobs services.JobService,
	scenes storyrepo.SceneRepo,
	versions genrepo.VersionRepo,
	records genrepo.RecordRepo,
) *GenerationHandler {
	return &GenerationHandler{jobs: jobs, scenes: scenes, versions: versions, records: records}
}

type generateRequest struct {
	CharacterID       uuid.UUID `json:"character_id" binding:"required"`
	PlotPoints        string    `json:"plot_points"`
	TargetWordCount   int       `json:"target_word_count"`
	ChangeDescription string    `json:"change_description"`
}

// POST /api/scenes/:id/generate
func (h *GenerationHandler) Generate(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing caller identity"))
		return
	}

	sceneID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_scene_id", err)
		return
	}

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}

	scene, err := h.scenes.GetByID(dbctx.Context{Ctx: c.Request.Context()}, sceneID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "scene_lookup_failed", err)
		return
	}
	if scene == nil || scene.UserID != rd.UserID {
		response.RespondError(c, http.StatusNotFound, "scene_not_found", errors.New("scene not found"))
		return
	}

	job, err := h.jobs.Enqueue(c.Request.Context(), services.EnqueueRequest{
		UserID:            rd.UserID,
		TrilogyID:         scene.TrilogyID,
		BookID:            scene.BookID,
		SceneID:           scene.ID,
		CharacterID:       req.CharacterID,
		PlotPoints:        req.PlotPoints,
		TargetWordCount:   req.TargetWordCount,
		ChangeDescription: req.ChangeDescription,
	})
	if err != nil {
		if errors.Is(err, services.ErrDuplicateActiveJob) {
			response.RespondError(c, http.StatusConflict, "duplicate_active_job", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}

	response.RespondCreated(c, gin.H{"job": job})
}

// GET /api/scenes/:id/versions
func (h *GenerationHandler) ListVersions(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	sceneID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_scene_id", err)
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	scene, err := h.scenes.GetByID(dbc, sceneID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "scene_lookup_failed", err)
		return
	}
	if scene == nil || rd == nil || scene.UserID != rd.UserID {
		response.RespondError(c, http.StatusNotFound, "scene_not_found", errors.New("scene not found"))
		return
	}

	versions, err := h.versions.ListByScene(dbc, sceneID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "version_list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"versions": versions})
}

// GET /api/scenes/:id/versions/current
func (h *GenerationHandler) GetCurrentVersion(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	sceneID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_scene_id", err)
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	scene, err := h.scenes.GetByID(dbc, sceneID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "scene_lookup_failed", err)
		return
	}
	if scene == nil || rd == nil || scene.UserID != rd.UserID {
		response.RespondError(c, http.StatusNotFound, "scene_not_found", errors.New("scene not found"))
		return
	}

	version, err := h.versions.GetCurrent(dbc, sceneID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "version_lookup_failed", err)
		return
	}
	if version == nil {
		response.RespondError(c, http.StatusNotFound, "version_not_found", errors.New("scene has no versions"))
		return
	}
	response.RespondOK(c, gin.H{"version": version})
}

// GET /api/scenes/:id/generations
func (h *GenerationHandler) ListGenerationRecords(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	sceneID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_scene_id", err)
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	scene, err := h.scenes.GetByID(dbc, sceneID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "scene_lookup_failed", err)
		return
	}
	if scene == nil || rd == nil || scene.UserID != rd.UserID {
		response.RespondError(c, http.StatusNotFound, "scene_not_found", errors.New("scene not found"))
		return
	}

	records, err := h.records.ListByScene(dbc, sceneID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "record_list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"generations": records})
}
