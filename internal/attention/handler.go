package attention

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/internal/realtime"
	"github.com/questforge/backend/internal/squads"
	"github.com/questforge/backend/pkg/response"
)

// InstanceSource lists the instances the dashboard covers.
type InstanceSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Instance, error)
	ListUpcoming(ctx context.Context) ([]models.Instance, error)
}

// SquadSource provides per-instance squad warm-up snapshots.
type SquadSource interface {
	ListWarmupStates(ctx context.Context, instanceID uuid.UUID) ([]squads.WarmupState, error)
}

// Broadcaster pushes realtime events to an instance's dashboard watchers.
type Broadcaster interface {
	BroadcastAndPublish(instanceID uuid.UUID, event string, payload interface{})
}

// Handler serves derived attention flags for the operator dashboard.
type Handler struct {
	instances InstanceSource
	squads    SquadSource
	cfg       Config
	hub       Broadcaster
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates an attention handler. hub may be nil when no realtime
// surface is running.
func NewHandler(instances InstanceSource, squadSource SquadSource, cfg Config, hub Broadcaster, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{instances: instances, squads: squadSource, cfg: cfg, hub: hub, logger: logger, now: time.Now}
}

// InstanceFlag pairs an instance with its derived flag. Flag is null when
// nothing needs operator attention.
type InstanceFlag struct {
	InstanceID uuid.UUID             `json:"instance_id"`
	Status     models.InstanceStatus `json:"status"`
	Flag       *Flag                 `json:"flag"`
}

// Dashboard handles GET /attention: one flag per upcoming instance.
func (h *Handler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := h.instances.ListUpcoming(ctx)
	if err != nil {
		h.logger.Error("list upcoming instances", zap.Error(err))
		response.Internal(c, "failed to derive attention flags")
		return
	}
	now := h.now()
	out := make([]InstanceFlag, 0, len(list))
	for _, in := range list {
		flag, err := h.flagFor(ctx, now, &in)
		if err != nil {
			h.logger.Error("derive flag", zap.Error(err), zap.String("instance_id", in.ID.String()))
			response.Internal(c, "failed to derive attention flags")
			return
		}
		out = append(out, InstanceFlag{InstanceID: in.ID, Status: in.Status, Flag: flag})
	}
	response.OK(c, out)
}

// Instance handles GET /instances/:id/attention.
func (h *Handler) Instance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid instance id")
		return
	}
	ctx := c.Request.Context()
	in, err := h.instances.GetByID(ctx, id)
	if err != nil {
		response.NotFound(c, "instance not found")
		return
	}
	flag, err := h.flagFor(ctx, h.now(), in)
	if err != nil {
		h.logger.Error("derive flag", zap.Error(err), zap.String("instance_id", id.String()))
		response.Internal(c, "failed to derive attention flag")
		return
	}
	response.OK(c, InstanceFlag{InstanceID: in.ID, Status: in.Status, Flag: flag})
}

// PushFlag recomputes an instance's flag and broadcasts it to the instance's
// watchers. Called by the lifecycle handlers after state changes; failures
// are logged, never surfaced to the triggering request.
func (h *Handler) PushFlag(ctx context.Context, instanceID uuid.UUID) {
	if h.hub == nil {
		return
	}
	in, err := h.instances.GetByID(ctx, instanceID)
	if err != nil {
		h.logger.Warn("load instance for flag push", zap.String("instance_id", instanceID.String()), zap.Error(err))
		return
	}
	flag, err := h.flagFor(ctx, h.now(), in)
	if err != nil {
		h.logger.Warn("derive flag for push", zap.String("instance_id", instanceID.String()), zap.Error(err))
		return
	}
	h.hub.BroadcastAndPublish(in.ID, realtime.EventAttentionFlag, InstanceFlag{
		InstanceID: in.ID,
		Status:     in.Status,
		Flag:       flag,
	})
}

func (h *Handler) flagFor(ctx context.Context, now time.Time, in *models.Instance) (*Flag, error) {
	states, err := h.squads.ListWarmupStates(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	warmups := make([]SquadWarmupState, 0, len(states))
	for _, s := range states {
		warmups = append(warmups, SquadWarmupState{
			Status:         s.Status,
			WarmingUpSince: s.WarmingUpSince,
			ReadyMembers:   s.ReadyMembers,
		})
	}
	snapshot := InstanceSnapshot{
		Status:          in.Status,
		StartAt:         in.StartAt(),
		SignupCount:     in.CurrentSignupCount,
		TargetSquadSize: in.TargetSquadSize,
	}
	return ComputeFlag(now, h.cfg, snapshot, len(states), warmups), nil
}
