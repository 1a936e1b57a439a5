package squads

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/internal/middleware"
	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/internal/realtime"
	"github.com/questforge/backend/pkg/response"
)

// Broadcaster pushes realtime events to an instance's dashboard watchers.
type Broadcaster interface {
	BroadcastAndPublish(instanceID uuid.UUID, event string, payload interface{})
}

// FlagPusher recomputes and broadcasts an instance's attention flag.
type FlagPusher interface {
	PushFlag(ctx context.Context, instanceID uuid.UUID)
}

// Handler handles squad HTTP endpoints.
type Handler struct {
	repo   *Repository
	svc    *Service
	hub    Broadcaster
	flags  FlagPusher
	logger *zap.Logger
}

// NewHandler creates a squad handler. hub and flags may be nil when no
// realtime surface is running.
func NewHandler(repo *Repository, svc *Service, hub Broadcaster, flags FlagPusher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, svc: svc, hub: hub, flags: flags, logger: logger}
}

// pushUpdate fans a squad change out to the instance's watchers and refreshes
// the derived attention flag. Squad transitions and readiness changes are
// what move the flag, so every mutating endpoint ends here.
func (h *Handler) pushUpdate(ctx context.Context, sq *models.Squad) {
	if sq == nil {
		return
	}
	if h.hub != nil {
		h.hub.BroadcastAndPublish(sq.InstanceID, realtime.EventSquadUpdate, gin.H{
			"squad_id":    sq.ID,
			"instance_id": sq.InstanceID,
			"status":      sq.Status,
		})
	}
	if h.flags != nil {
		h.flags.PushFlag(ctx, sq.InstanceID)
	}
}

// pushUpdateByID reloads the squad before broadcasting, for endpoints whose
// service call does not return the updated squad.
func (h *Handler) pushUpdateByID(ctx context.Context, id uuid.UUID) {
	sq, err := h.repo.GetByID(ctx, id)
	if err != nil {
		h.logger.Warn("load squad for broadcast", zap.String("squad_id", id.String()), zap.Error(err))
		return
	}
	h.pushUpdate(ctx, sq)
}

// CreateRequest is the body for POST /squads.
type CreateRequest struct {
	InstanceID uuid.UUID            `json:"instance_id" binding:"required"`
	Name       string               `json:"name" binding:"required"`
	Settings   models.SquadSettings `json:"settings"`
}

// AdvanceRequest names the next status on the warm-up pipeline.
type AdvanceRequest struct {
	Target models.SquadStatus `json:"target" binding:"required"`
}

// TransferRequest is the body for leadership transfer.
type TransferRequest struct {
	NewLeaderID uuid.UUID `json:"new_leader_id" binding:"required"`
}

// RenameRequest is the body for renaming a squad.
type RenameRequest struct {
	Name string `json:"name" binding:"required"`
}

// JoinRequest is the body for joining via invite code.
type JoinRequest struct {
	InviteCode string `json:"invite_code" binding:"required"`
}

func actorID(c *gin.Context) uuid.UUID {
	return c.MustGet(middleware.ContextUserID).(uuid.UUID)
}

func squadID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid squad id")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /squads. The creator becomes the squad's leader.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	code, err := generateInviteCode(h.svc.cfg.InviteCodeLength)
	if err != nil {
		h.logger.Error("generate invite code", zap.Error(err))
		response.Internal(c, "failed to create squad")
		return
	}
	sq := &models.Squad{
		InstanceID: req.InstanceID,
		Name:       req.Name,
		InviteCode: code,
		Settings:   req.Settings,
	}
	if err := h.repo.Create(c.Request.Context(), sq, actorID(c)); err != nil {
		h.logger.Error("create squad", zap.Error(err))
		response.Internal(c, "failed to create squad")
		return
	}
	response.Created(c, sq)
}

// GetByID handles GET /squads/:id, including members and derived health.
func (h *Handler) GetByID(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	sq, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "squad not found")
		return
	}
	members, err := h.repo.ListMembers(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list squad members", zap.Error(err))
		response.Internal(c, "failed to load squad")
		return
	}
	response.OK(c, gin.H{
		"squad":   sq,
		"members": members,
		"health":  h.svc.Health(members),
	})
}

// ListByInstance handles GET /instances/:id/squads.
func (h *Handler) ListByInstance(c *gin.Context) {
	instanceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid instance id")
		return
	}
	includeArchived := c.Query("include_archived") == "true"
	list, err := h.repo.ListByInstance(c.Request.Context(), instanceID, includeArchived)
	if err != nil {
		h.logger.Error("list squads", zap.Error(err))
		response.Internal(c, "failed to list squads")
		return
	}
	response.OK(c, list)
}

// Advance handles POST /squads/:id/advance.
func (h *Handler) Advance(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	sq, err := h.svc.Advance(c.Request.Context(), id, actorID(c), req.Target)
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushUpdate(c.Request.Context(), sq)
	response.OK(c, sq)
}

// ConfirmReadiness handles POST /squads/:id/ready.
func (h *Handler) ConfirmReadiness(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	if err := h.svc.ConfirmReadiness(c.Request.Context(), id, actorID(c)); err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushUpdateByID(c.Request.Context(), id)
	response.OK(c, gin.H{"confirmed": true})
}

// TransferLeadership handles POST /squads/:id/leader.
func (h *Handler) TransferLeadership(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.svc.TransferLeadership(c.Request.Context(), id, actorID(c), req.NewLeaderID); err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, gin.H{"leader_id": req.NewLeaderID})
}

// Rename handles PATCH /squads/:id/name.
func (h *Handler) Rename(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.svc.Rename(c.Request.Context(), id, actorID(c), req.Name); err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, gin.H{"name": req.Name})
}

// UpdateSettings handles PUT /squads/:id/settings.
func (h *Handler) UpdateSettings(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	var settings models.SquadSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.svc.UpdateSettings(c.Request.Context(), id, actorID(c), settings); err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, settings)
}

// RegenerateInviteCode handles POST /squads/:id/invite-code.
func (h *Handler) RegenerateInviteCode(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	code, err := h.svc.RegenerateInviteCode(c.Request.Context(), id, actorID(c))
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	response.OK(c, gin.H{"invite_code": code})
}

// RemoveMember handles DELETE /squads/:id/members/:memberId.
func (h *Handler) RemoveMember(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	memberID, err := uuid.Parse(c.Param("memberId"))
	if err != nil {
		response.BadRequest(c, "invalid member id")
		return
	}
	if err := h.svc.RemoveMember(c.Request.Context(), id, actorID(c), memberID); err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushUpdateByID(c.Request.Context(), id)
	response.OK(c, gin.H{"removed": true})
}

// Archive handles POST /squads/:id/archive.
func (h *Handler) Archive(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	if err := h.svc.Archive(c.Request.Context(), id, actorID(c)); err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushUpdateByID(c.Request.Context(), id)
	response.OK(c, gin.H{"archived": true})
}

// Reactivate handles POST /squads/:id/reactivate.
func (h *Handler) Reactivate(c *gin.Context) {
	id, ok := squadID(c)
	if !ok {
		return
	}
	if err := h.svc.Reactivate(c.Request.Context(), id, actorID(c)); err != nil {
		response.LifecycleError(c, err)
		return
	}
	sq, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "squad not found")
		return
	}
	h.pushUpdate(c.Request.Context(), sq)
	response.OK(c, sq)
}

// Join handles POST /squads/join.
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	sq, member, err := h.svc.JoinByInviteCode(c.Request.Context(), req.InviteCode, actorID(c))
	if err != nil {
		response.LifecycleError(c, err)
		return
	}
	h.pushUpdate(c.Request.Context(), sq)
	response.Created(c, gin.H{"squad": sq, "member": member})
}
