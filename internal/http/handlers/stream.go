package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storysmith/storysmith-backend/internal/http/response"
	"github.com/storysmith/storysmith-backend/internal/pkg/ctxutil"
	"github.com/storysmith/storysmith-backend/internal/sse"
)

type StreamHandler struct {
	hub *sse.Hub
}

func NewStreamHandler(hub *sse.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// GET /api/stream
func (h *StreamHandler) Stream(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing caller identity"))
		return
	}

	client := h.hub.Connect(rd.UserID)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
