package attention

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
	"github.com/questforge/backend/internal/realtime"
	"github.com/questforge/backend/internal/squads"
)

type fakeInstanceSource struct {
	in models.Instance
}

func (f *fakeInstanceSource) GetByID(_ context.Context, id uuid.UUID) (*models.Instance, error) {
	if id != f.in.ID {
		return nil, lifecycle.ErrNotFound
	}
	cp := f.in
	return &cp, nil
}

func (f *fakeInstanceSource) ListUpcoming(context.Context) ([]models.Instance, error) {
	return []models.Instance{f.in}, nil
}

type fakeSquadSource struct {
	states []squads.WarmupState
}

func (f *fakeSquadSource) ListWarmupStates(context.Context, uuid.UUID) ([]squads.WarmupState, error) {
	return f.states, nil
}

type fakeBroadcaster struct {
	instanceIDs []uuid.UUID
	events      []string
	payloads    []interface{}
}

func (b *fakeBroadcaster) BroadcastAndPublish(instanceID uuid.UUID, event string, payload interface{}) {
	b.instanceIDs = append(b.instanceIDs, instanceID)
	b.events = append(b.events, event)
	b.payloads = append(b.payloads, payload)
}

func TestPushFlagBroadcastsRecomputedFlag(t *testing.T) {
	in := models.Instance{
		ID:              uuid.New(),
		Status:          models.InstanceLocked,
		ScheduledDate:   time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		StartTime:       "13:00", // three hours after testNow
		Capacity:        24,
		TargetSquadSize: 6,
	}
	src := &fakeInstanceSource{in: in}
	sqs := &fakeSquadSource{states: []squads.WarmupState{
		{SquadID: uuid.New(), Status: models.SquadReadyForReview},
	}}
	hub := &fakeBroadcaster{}
	h := NewHandler(src, sqs, DefaultConfig(), hub, nil)
	h.now = func() time.Time { return testNow }

	h.PushFlag(context.Background(), in.ID)

	if len(hub.events) != 1 || hub.events[0] != realtime.EventAttentionFlag {
		t.Fatalf("events = %v, want one attention_flag", hub.events)
	}
	if hub.instanceIDs[0] != in.ID {
		t.Fatalf("broadcast instance = %s, want %s", hub.instanceIDs[0], in.ID)
	}
	payload, ok := hub.payloads[0].(InstanceFlag)
	if !ok {
		t.Fatalf("payload type = %T, want InstanceFlag", hub.payloads[0])
	}
	if payload.Flag == nil || payload.Flag.Type != FlagSquadPendingReview {
		t.Fatalf("pushed flag = %+v, want squad_pending_review", payload.Flag)
	}
}

func TestPushFlagUnknownInstanceBroadcastsNothing(t *testing.T) {
	src := &fakeInstanceSource{in: models.Instance{ID: uuid.New()}}
	hub := &fakeBroadcaster{}
	h := NewHandler(src, &fakeSquadSource{}, DefaultConfig(), hub, nil)
	h.now = func() time.Time { return testNow }

	h.PushFlag(context.Background(), uuid.New())

	if len(hub.events) != 0 {
		t.Fatalf("events = %v, want none", hub.events)
	}
}

func TestPushFlagWithoutHubIsNoop(t *testing.T) {
	src := &fakeInstanceSource{in: models.Instance{ID: uuid.New()}}
	h := NewHandler(src, &fakeSquadSource{}, DefaultConfig(), nil, nil)
	h.PushFlag(context.Background(), src.in.ID)
}
