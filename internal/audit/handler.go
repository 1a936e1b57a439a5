package audit

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/pkg/response"
)

// allowedTables are the audit targets exposed over HTTP.
var allowedTables = map[string]bool{
	"quests":    true,
	"instances": true,
	"squads":    true,
}

// Handler serves audit log reads for operators.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates an audit handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// ListByTarget handles GET /audit/:table/:id.
func (h *Handler) ListByTarget(c *gin.Context) {
	table := c.Param("table")
	if !allowedTables[table] {
		response.BadRequest(c, "unknown audit target")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid target id")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.repo.ListByTarget(c.Request.Context(), table, id, limit)
	if err != nil {
		h.logger.Error("list audit entries", zap.Error(err))
		response.Internal(c, "failed to list audit entries")
		return
	}
	response.OK(c, list)
}
