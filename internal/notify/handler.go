package notify

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/internal/middleware"
	"github.com/questforge/backend/pkg/response"
)

// Handler serves a user's delivered notifications.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a notifications handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /notifications.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.repo.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list notifications", zap.Error(err))
		response.Internal(c, "failed to list notifications")
		return
	}
	response.OK(c, list)
}

// MarkRead handles POST /notifications/:id/read.
func (h *Handler) MarkRead(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid notification id")
		return
	}
	if err := h.repo.MarkRead(c.Request.Context(), id, userID); err != nil {
		response.NotFound(c, "notification not found")
		return
	}
	response.OK(c, gin.H{"read": true})
}
