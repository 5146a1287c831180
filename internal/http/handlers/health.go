package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/storysmith/storysmith-backend/internal/http/response"
	"github.com/storysmith/storysmith-backend/internal/platform/vectorstore"
)

type HealthHandler struct {
	db    *gorm.DB
	store vectorstore.Store
}

func NewHealthHandler(db *gorm.DB, store vectorstore.Store) *HealthHandler {
	return &HealthHandler{db: db, store: store}
}

// GET /healthz
func (h *HealthHandler) Health(c *gin.Context) {
	status := gin.H{"status": "ok"}

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
	} else {
		status["database"] = "ok"
	}

	if h.store != nil {
		if err := h.store.Ready(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["vector_store"] = err.Error()
		} else {
			status["vector_store"] = "ok"
		}
	}

	status["time"] = time.Now().UTC().Format(time.RFC3339)
	if status["status"] != "ok" {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	response.RespondOK(c, status)
}
