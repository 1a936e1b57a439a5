package instances

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/internal/middleware"
	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/internal/realtime"
	"github.com/questforge/backend/pkg/response"
)

// ConfirmBulkCancel is the phrase an operator must retype before a batch
// cancel runs. Single-item cancels only need a reason.
const ConfirmBulkCancel = "CANCEL"

// Broadcaster pushes live updates to dashboards watching an instance.
type Broadcaster interface {
	BroadcastAndPublish(instanceID uuid.UUID, event string, payload interface{})
}

// FlagPusher recomputes and broadcasts an instance's attention flag.
type FlagPusher interface {
	PushFlag(ctx context.Context, instanceID uuid.UUID)
}

// Handler handles instance HTTP endpoints.
type Handler struct {
	repo   *Repository
	svc    *Service
	hub    Broadcaster
	flags  FlagPusher
	logger *zap.Logger
}

// NewHandler creates an instance handler. hub and flags may be nil.
func NewHandler(repo *Repository, svc *Service, hub Broadcaster, flags FlagPusher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, svc: svc, hub: hub, flags: flags, logger: logger}
}

func (h *Handler) pushStatus(ctx context.Context, in *models.Instance) {
	if h.hub != nil {
		h.hub.BroadcastAndPublish(in.ID, realtime.EventInstanceStatus, gin.H{
			"instance_id": in.ID,
			"status":      in.Status,
		})
	}
	if h.flags != nil {
		h.flags.PushFlag(ctx, in.ID)
	}
}

// CreateRequest is the body for POST /instances.
type CreateRequest struct {
	QuestID         uuid.UUID `json:"quest_id" binding:"required"`
	ScheduledDate   string    `json:"scheduled_date" binding:"required"` // YYYY-MM-DD
	StartTime       string    `json:"start_time" binding:"required"`     // HH:MM
	Capacity        int       `json:"capacity" binding:"required,min=1"`
	TargetSquadSize int       `json:"target_squad_size" binding:"required,min=1"`
}

// AdvanceRequest names the forward status to move to.
type AdvanceRequest struct {
	Target models.InstanceStatus `json:"target" binding:"required"`
}

// ReasonRequest is the body for pause and cancel.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// BulkRequest is the body for POST /instances/bulk. Confirm is checked only
// when the target is destructive.
type BulkRequest struct {
	InstanceIDs []uuid.UUID           `json:"instance_ids" binding:"required,min=1"`
	Target      models.InstanceStatus `json:"target" binding:"required"`
	Reason      string                `json:"reason"`
	Confirm     string                `json:"confirm"`
}

func actorID(c *gin.Context) uuid.UUID {
	return c.MustGet(middleware.ContextUserID).(uuid.UUID)
}

func instanceID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid instance id")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /instances. New instances start in draft.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", req.ScheduledDate)
	if err != nil {
		response.BadRequest(c, "scheduled_date must be YYYY-MM-DD")
		return
	}
	if _, err := time.Parse("15:04", req.StartTime); err != nil {
		response.BadRequest(c, "start_time must be HH:MM")
		return
	}
	in := &models.Instance{
		QuestID:         req.QuestID,
		ScheduledDate:   date,
		StartTime:       req.StartTime,
		Capacity:        req.Capacity,
		TargetSquadSize: req.TargetSquadSize,
	}
	if err := h.repo.Create(c.Request.Context(), in); err != nil {
		h.logger.Error("create instance", zap.Error(err))
		response.Internal(c, "failed to create instance")
		return
	}
	in.Status = models.InstanceDraft
	response.Created(c, in)
}

// GetByID handles GET /instances/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	in, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "instance not found")
		return
	}
	response.OK(c, in)
}

// List handles GET /instances with optional ?quest_id= and ?status= filters.
func (h *Handler) List(c *gin.Context) {
	var questID *uuid.UUID
	if s := c.Query("quest_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			response.BadRequest(c, "invalid quest_id")
			return
		}
		questID = &id
	}
	var status *models.InstanceStatus
	if s := c.Query("status"); s != "" {
		st := models.InstanceStatus(s)
		if !st.Valid() {
			response.BadRequest(c, "invalid status")
			return
		}
		status = &st
	}
	list, err := h.repo.List(c.Request.Context(), questID, status)
	if err != nil {
		h.logger.Error("list instances", zap.Error(err))
		response.Internal(c, "failed to list instances")
		return
	}
	response.OK(c, list)
}

// ListUpcoming handles GET /instances/upcoming, the operator dashboard feed.
func (h *Handler) ListUpcoming(c *gin.Context) {
	list, err := h.repo.ListUpcoming(c.Request.Context())
	if err != nil {
		h.logger.Error("list upcoming instances", zap.Error(err))
		response.Internal(c, "failed to list instances")
		return
	}
	response.OK(c, list)
}

// Advance handles POST /instances/:id/advance, moving along the forward path.
func (h *Handler) Advance(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	in, err := h.svc.Advance(c.Request.Context(), id, actorID(c), req.Target)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushStatus(c.Request.Context(), in)
	response.OK(c, in)
}

// Pause handles POST /instances/:id/pause.
func (h *Handler) Pause(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	in, err := h.svc.Pause(c.Request.Context(), id, actorID(c), req.Reason)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushStatus(c.Request.Context(), in)
	response.OK(c, in)
}

// Resume handles POST /instances/:id/resume.
func (h *Handler) Resume(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	in, err := h.svc.Resume(c.Request.Context(), id, actorID(c))
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushStatus(c.Request.Context(), in)
	response.OK(c, in)
}

// Cancel handles POST /instances/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	in, err := h.svc.Cancel(c.Request.Context(), id, actorID(c), req.Reason)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushStatus(c.Request.Context(), in)
	response.OK(c, in)
}

// Archive handles POST /instances/:id/archive.
func (h *Handler) Archive(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	in, err := h.svc.Archive(c.Request.Context(), id, actorID(c))
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushStatus(c.Request.Context(), in)
	response.OK(c, in)
}

// Bulk handles POST /instances/bulk (admin). Batch cancels must be confirmed
// with the phrase; every other target goes straight to per-item validation.
func (h *Handler) Bulk(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Target == models.InstanceCancelled && req.Confirm != ConfirmBulkCancel {
		response.BadRequest(c, "type CANCEL to confirm a batch cancel")
		return
	}
	res, err := h.svc.BulkTransition(c.Request.Context(), req.InstanceIDs, req.Target, actorID(c), req.Reason)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, res)
}

// Join handles POST /instances/:id/signup. Signing up twice is a no-op.
func (h *Handler) Join(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	in, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "instance not found")
		return
	}
	if in.Status != models.InstanceRecruiting {
		response.Conflict(c, "instance is not recruiting")
		return
	}
	if in.CurrentSignupCount >= in.Capacity {
		response.Conflict(c, "instance is full")
		return
	}
	signup, err := h.repo.CreateSignup(c.Request.Context(), id, actorID(c))
	if err != nil {
		h.logger.Error("create signup", zap.Error(err))
		response.Internal(c, "failed to sign up")
		return
	}
	if signup == nil {
		response.OK(c, gin.H{"already_signed_up": true})
		return
	}
	response.Created(c, signup)
}

// Leave handles DELETE /instances/:id/signup.
func (h *Handler) Leave(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	if err := h.repo.DeleteSignup(c.Request.Context(), id, actorID(c)); err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, gin.H{"left": true})
}
