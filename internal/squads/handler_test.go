package squads

import (
	"context"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/internal/realtime"
)

type stubHub struct {
	instanceIDs []uuid.UUID
	events      []string
	payloads    []interface{}
}

func (h *stubHub) BroadcastAndPublish(instanceID uuid.UUID, event string, payload interface{}) {
	h.instanceIDs = append(h.instanceIDs, instanceID)
	h.events = append(h.events, event)
	h.payloads = append(h.payloads, payload)
}

type stubFlagPusher struct {
	instanceIDs []uuid.UUID
}

func (p *stubFlagPusher) PushFlag(_ context.Context, instanceID uuid.UUID) {
	p.instanceIDs = append(p.instanceIDs, instanceID)
}

func TestPushUpdateBroadcastsAndRefreshesFlag(t *testing.T) {
	hub := &stubHub{}
	flags := &stubFlagPusher{}
	h := &Handler{hub: hub, flags: flags, logger: zap.NewNop()}
	sq := &models.Squad{
		ID:         uuid.New(),
		InstanceID: uuid.New(),
		Status:     models.SquadReadyForReview,
	}

	h.pushUpdate(context.Background(), sq)

	if len(hub.events) != 1 || hub.events[0] != realtime.EventSquadUpdate {
		t.Fatalf("events = %v, want one squad_update", hub.events)
	}
	if hub.instanceIDs[0] != sq.InstanceID {
		t.Fatalf("broadcast instance = %s, want %s", hub.instanceIDs[0], sq.InstanceID)
	}
	payload, ok := hub.payloads[0].(gin.H)
	if !ok {
		t.Fatalf("payload type = %T, want gin.H", hub.payloads[0])
	}
	if payload["squad_id"] != sq.ID || payload["status"] != sq.Status {
		t.Fatalf("payload = %v, want squad id and status", payload)
	}
	if len(flags.instanceIDs) != 1 || flags.instanceIDs[0] != sq.InstanceID {
		t.Fatalf("flag refresh instances = %v, want %s", flags.instanceIDs, sq.InstanceID)
	}
}

func TestPushUpdateNilCollaboratorsIsNoop(t *testing.T) {
	h := &Handler{logger: zap.NewNop()}
	h.pushUpdate(context.Background(), &models.Squad{ID: uuid.New(), InstanceID: uuid.New()})
	h.pushUpdate(context.Background(), nil)
}
