package quests

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/middleware"
	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/pkg/response"
	"github.com/questforge/backend/pkg/storage"
)

// Confirmation phrases the operator must retype before danger actions run.
// This gate lives at the handler: the service validates reasons, not phrases.
const (
	ConfirmRevoke = "REVOKE"
	ConfirmDelete = "DELETE"
)

// Handler handles quest HTTP endpoints.
type Handler struct {
	repo   *Repository
	svc    *Service
	s3     *storage.S3
	logger *zap.Logger
}

// NewHandler creates a quest handler.
func NewHandler(repo *Repository, svc *Service, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, svc: svc, s3: s3, logger: logger}
}

// CreateRequest is the body for POST /quests.
type CreateRequest struct {
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	PriorityFlag bool   `json:"priority_flag"`
}

// ReviewRequest is the body for review decision endpoints.
type ReviewRequest struct {
	AdminNotes string `json:"admin_notes"`
	Publish    bool   `json:"publish"` // approve only: also open the quest
}

// ReasonRequest is the body for destructive lifecycle actions.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// DangerRequest is the body for revoke/delete; Confirm must match the action
// phrase exactly.
type DangerRequest struct {
	Reason  string `json:"reason"`
	Confirm string `json:"confirm"`
}

func actorID(c *gin.Context) uuid.UUID {
	return c.MustGet(middleware.ContextUserID).(uuid.UUID)
}

func questID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid quest id")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /quests (creator or admin). New quests enter review.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	q := &models.Quest{
		Title:        req.Title,
		Description:  req.Description,
		CreatorID:    actorID(c),
		PriorityFlag: req.PriorityFlag,
	}
	if err := h.repo.Create(c.Request.Context(), q); err != nil {
		h.logger.Error("create quest", zap.Error(err))
		response.Internal(c, "failed to create quest")
		return
	}
	q.Status = models.QuestClosed
	q.ReviewStatus = models.ReviewPending
	response.Created(c, q)
}

// GetByID handles GET /quests/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, ok := questID(c)
	if !ok {
		return
	}
	q, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "quest not found")
		return
	}
	response.OK(c, q)
}

// List handles GET /quests with optional ?creator_id= and ?review_status= filters.
func (h *Handler) List(c *gin.Context) {
	var creatorID *uuid.UUID
	if s := c.Query("creator_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			response.BadRequest(c, "invalid creator_id")
			return
		}
		creatorID = &id
	}
	var review *models.ReviewStatus
	if s := c.Query("review_status"); s != "" {
		rs := models.ReviewStatus(s)
		if !rs.Valid() {
			response.BadRequest(c, "invalid review_status")
			return
		}
		review = &rs
	}
	list, err := h.repo.List(c.Request.Context(), creatorID, review)
	if err != nil {
		response.Internal(c, "failed to list quests")
		return
	}
	response.OK(c, list)
}

// Approve handles POST /quests/:id/approve (admin only).
func (h *Handler) Approve(c *gin.Context) {
	id, ok := questID(c)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	q, err := h.svc.Approve(c.Request.Context(), id, actorID(c), req.AdminNotes, req.Publish)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, q)
}

// Reject handles POST /quests/:id/reject (admin only).
func (h *Handler) Reject(c *gin.Context) {
	h.review(c, h.svc.Reject)
}

// RequestChanges handles POST /quests/:id/request-changes (admin only).
func (h *Handler) RequestChanges(c *gin.Context) {
	h.review(c, h.svc.RequestChanges)
}

func (h *Handler) review(c *gin.Context, decide func(ctx context.Context, questID, actorID uuid.UUID, notes string) (*models.Quest, error)) {
	id, ok := questID(c)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	q, err := decide(c.Request.Context(), id, actorID(c), req.AdminNotes)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, q)
}

// Resubmit handles POST /quests/:id/resubmit (creator).
func (h *Handler) Resubmit(c *gin.Context) {
	id, ok := questID(c)
	if !ok {
		return
	}
	q, err := h.svc.Resubmit(c.Request.Context(), id, actorID(c))
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, q)
}

// Pause handles POST /quests/:id/pause (admin only).
func (h *Handler) Pause(c *gin.Context) {
	id, ok := questID(c)
	if !ok {
		return
	}
	q, err := h.svc.Pause(c.Request.Context(), id, actorID(c))
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, q)
}

// Resume handles POST /quests/:id/resume (admin only).
func (h *Handler) Resume(c *gin.Context) {
	id, ok := questID(c)
	if !ok {
		return
	}
	q, err := h.svc.Resume(c.Request.Context(), id, actorID(c))
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, q)
}

// Cancel handles POST /quests/:id/cancel (admin only). Requires a reason.
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := questID(c)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	q, err := h.svc.Cancel(c.Request.Context(), id, actorID(c), req.Reason)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, q)
}

// Revoke handles POST /quests/:id/revoke (admin only). The operator must
// retype REVOKE; the reason is validated by the service.
func (h *Handler) Revoke(c *gin.Context) {
	id, ok := questID(c)
	if !ok {
		return
	}
	var req DangerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if lifecycle.QuestGraph.NeedsConfirmation(models.QuestRevoked) && req.Confirm != ConfirmRevoke {
		response.BadRequest(c, "type REVOKE to confirm this action")
		return
	}
	q, err := h.svc.Revoke(c.Request.Context(), id, actorID(c), req.Reason)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, q)
}

// Delete handles DELETE /quests/:id (admin only). Soft delete; the operator
// must retype DELETE.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := questID(c)
	if !ok {
		return
	}
	var req DangerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Confirm != ConfirmDelete {
		response.BadRequest(c, "type DELETE to confirm this action")
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id, actorID(c), req.Reason); err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.NoContent(c)
}

// UploadCover handles POST /quests/:id/cover (multipart upload, admin or creator).
func (h *Handler) UploadCover(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	id, ok := questID(c)
	if !ok {
		return
	}
	if _, err := h.repo.GetByID(c.Request.Context(), id); err != nil {
		response.NotFound(c, "quest not found")
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.BadRequest(c, "missing file")
		return
	}
	defer file.Close()
	if header.Size > storage.MaxCoverFileSize {
		response.BadRequest(c, "file too large (max 10MB)")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !storage.ValidateCoverFileType(contentType, header.Filename) {
		response.BadRequest(c, "unsupported file type")
		return
	}
	key := storage.CoverKey(id.String(), header.Filename)
	url, err := h.s3.Upload(c.Request.Context(), key, storage.ContentTypeForFilename(header.Filename), file, header.Size)
	if err != nil {
		h.logger.Error("cover upload", zap.Error(err))
		response.Internal(c, "upload failed")
		return
	}
	if err := h.repo.SetCoverImageKey(c.Request.Context(), id, key); err != nil {
		response.LifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"key": key, "url": url}})
}

// CoverDownloadURL handles GET /quests/:id/cover-url returning a presigned GET URL.
func (h *Handler) CoverDownloadURL(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	id, ok := questID(c)
	if !ok {
		return
	}
	q, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "quest not found")
		return
	}
	if q.CoverImageKey == "" {
		response.NotFound(c, "quest has no cover image")
		return
	}
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), q.CoverImageKey, h.s3.PresignExpire())
	if err != nil {
		response.Internal(c, "presign failed")
		return
	}
	response.OK(c, gin.H{"url": url})
}
