package instances

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
)

// casStore simulates the conditional-update persistence contract: reads
// return the caller's (possibly stale) snapshot while writes compare-and-swap
// against the authoritative state.
type casStore struct {
	mu       sync.Mutex
	snapshot models.Instance
	actual   *models.Instance
	signups  []uuid.UUID
	writes   int
}

func newCASStore(in models.Instance) *casStore {
	actual := in
	return &casStore{snapshot: in, actual: &actual}
}

func (s *casStore) GetByID(_ context.Context, id uuid.UUID) (*models.Instance, error) {
	if id != s.snapshot.ID {
		return nil, lifecycle.ErrNotFound
	}
	in := s.snapshot
	return &in, nil
}

func (s *casStore) UpdateStatus(_ context.Context, id uuid.UUID, expected, target models.InstanceStatus, pausedReason *string, pausedFrom *models.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.actual.ID {
		return lifecycle.ErrNotFound
	}
	if s.actual.Status != expected {
		return lifecycle.ErrConcurrentModification
	}
	s.actual.Status = target
	s.actual.PausedReason = pausedReason
	s.actual.PausedFrom = pausedFrom
	s.writes++
	return nil
}

func (s *casStore) ListSignupUserIDs(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return s.signups, nil
}

type recordingAuditor struct {
	mu          sync.Mutex
	entries     []models.AuditLogEntry
	annotations int
}

func (a *recordingAuditor) Append(_ context.Context, e *models.AuditLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func (a *recordingAuditor) AnnotateDeliveryFailure(_ context.Context, _ string, _, _ uuid.UUID, _ string, _ error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.annotations++
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	users [][]uuid.UUID
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, userIDs []uuid.UUID, kind string, _ string, _, _ uuid.UUID, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, kind)
	n.users = append(n.users, userIDs)
	return n.err
}

func testInstance(status models.InstanceStatus) models.Instance {
	return models.Instance{
		ID:              uuid.New(),
		QuestID:         uuid.New(),
		Status:          status,
		ScheduledDate:   time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
		StartTime:       "18:30",
		Capacity:        24,
		TargetSquadSize: 6,
	}
}

func TestPauseStoresReasonAndOrigin(t *testing.T) {
	store := newCASStore(testInstance(models.InstanceLocked))
	svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)

	in, err := svc.Pause(context.Background(), store.snapshot.ID, uuid.New(), "venue flooding")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if in.Status != models.InstancePaused {
		t.Fatalf("status = %s, want paused", in.Status)
	}
	if in.PausedReason == nil || *in.PausedReason != "venue flooding" {
		t.Fatalf("paused_reason = %v, want venue flooding", in.PausedReason)
	}
	if in.PausedFrom == nil || *in.PausedFrom != models.InstanceLocked {
		t.Fatalf("paused_from = %v, want locked", in.PausedFrom)
	}
}

func TestPauseRequiresReason(t *testing.T) {
	for _, reason := range []string{"", "   "} {
		store := newCASStore(testInstance(models.InstanceRecruiting))
		svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)
		_, err := svc.Pause(context.Background(), store.snapshot.ID, uuid.New(), reason)
		if !errors.Is(err, lifecycle.ErrMissingReason) {
			t.Fatalf("pause with reason %q: err = %v, want ErrMissingReason", reason, err)
		}
		if store.writes != 0 {
			t.Fatal("pause without reason must not write")
		}
	}
}

func TestResumeRestoresExactPrePauseStatus(t *testing.T) {
	for _, from := range []models.InstanceStatus{
		models.InstanceRecruiting, models.InstanceLocked, models.InstanceLive,
	} {
		in := testInstance(models.InstancePaused)
		reason := "ops hold"
		origin := from
		in.PausedReason = &reason
		in.PausedFrom = &origin
		store := newCASStore(in)
		svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)

		resumed, err := svc.Resume(context.Background(), in.ID, uuid.New())
		if err != nil {
			t.Fatalf("resume to %s: %v", from, err)
		}
		if resumed.Status != from {
			t.Fatalf("resumed status = %s, want %s", resumed.Status, from)
		}
		if resumed.PausedReason != nil || resumed.PausedFrom != nil {
			t.Fatal("resume must clear pause bookkeeping")
		}
	}
}

func TestResumeRejectsNonPaused(t *testing.T) {
	store := newCASStore(testInstance(models.InstanceRecruiting))
	svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)
	_, err := svc.Resume(context.Background(), store.snapshot.ID, uuid.New())
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelNotifiesSignedUpUsers(t *testing.T) {
	store := newCASStore(testInstance(models.InstanceRecruiting))
	store.signups = []uuid.UUID{uuid.New(), uuid.New()}
	notifier := &recordingNotifier{}
	svc := NewService(store, &recordingAuditor{}, notifier, nil)

	in, err := svc.Cancel(context.Background(), store.snapshot.ID, uuid.New(), "not enough interest")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if in.Status != models.InstanceCancelled {
		t.Fatalf("status = %s, want cancelled", in.Status)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "instance_cancelled" {
		t.Fatalf("expected instance_cancelled notification, got %v", notifier.calls)
	}
	if len(notifier.users[0]) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(notifier.users[0]))
	}
}

func TestCancelWithEmptyReasonLeavesStatusUnchanged(t *testing.T) {
	store := newCASStore(testInstance(models.InstanceRecruiting))
	svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)
	_, err := svc.Cancel(context.Background(), store.snapshot.ID, uuid.New(), "")
	if !errors.Is(err, lifecycle.ErrMissingReason) {
		t.Fatalf("err = %v, want ErrMissingReason", err)
	}
	if store.actual.Status != models.InstanceRecruiting {
		t.Fatalf("status changed to %s on failed cancel", store.actual.Status)
	}
}

func TestAdvanceFollowsForwardPathOnly(t *testing.T) {
	store := newCASStore(testInstance(models.InstanceDraft))
	svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)

	if _, err := svc.Advance(context.Background(), store.snapshot.ID, uuid.New(), models.InstanceRecruiting); err != nil {
		t.Fatalf("advance draft->recruiting: %v", err)
	}
	if _, err := svc.Advance(context.Background(), store.snapshot.ID, uuid.New(), models.InstanceLive); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("draft snapshot advance to live: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Advance(context.Background(), store.snapshot.ID, uuid.New(), models.InstanceCancelled); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("advance to cancelled must be rejected, got %v", err)
	}
}

func TestAdvanceRejectsPausedInstances(t *testing.T) {
	in := testInstance(models.InstancePaused)
	reason := "ops hold"
	origin := models.InstanceRecruiting
	in.PausedReason = &reason
	in.PausedFrom = &origin
	store := newCASStore(in)
	svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)

	// The graph's paused→active edges serve Resume only. Advance must not
	// use them to jump a recruiting-paused instance straight to live.
	for _, target := range []models.InstanceStatus{
		models.InstanceRecruiting, models.InstanceLocked, models.InstanceLive,
	} {
		if _, err := svc.Advance(context.Background(), in.ID, uuid.New(), target); !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.Fatalf("advance paused->%s: err = %v, want ErrInvalidTransition", target, err)
		}
	}
	if store.writes != 0 {
		t.Fatalf("writes = %d, want 0", store.writes)
	}
	if store.actual.PausedFrom == nil || *store.actual.PausedFrom != models.InstanceRecruiting {
		t.Fatal("pause bookkeeping must survive rejected advances")
	}

	resumed, err := svc.Resume(context.Background(), in.ID, uuid.New())
	if err != nil {
		t.Fatalf("resume after rejected advances: %v", err)
	}
	if resumed.Status != models.InstanceRecruiting {
		t.Fatalf("resumed status = %s, want recruiting", resumed.Status)
	}
}

func TestConcurrentPauseExactlyOneWins(t *testing.T) {
	store := newCASStore(testInstance(models.InstanceRecruiting))
	svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)

	// Both operators read status=recruiting (the shared stale snapshot),
	// then race the conditional write.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Pause(context.Background(), store.snapshot.ID, uuid.New(), "double click")
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, lifecycle.ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d; want exactly one of each", wins, conflicts)
	}
	if store.actual.Status != models.InstancePaused {
		t.Fatalf("final status = %s, want paused", store.actual.Status)
	}
	if store.writes != 1 {
		t.Fatalf("writes = %d, want 1", store.writes)
	}
}

func TestNotifyFailureAnnotatedNotRolledBack(t *testing.T) {
	store := newCASStore(testInstance(models.InstanceLive))
	store.signups = []uuid.UUID{uuid.New()}
	auditor := &recordingAuditor{}
	svc := NewService(store, auditor, &recordingNotifier{err: errors.New("redis down")}, nil)

	in, err := svc.Cancel(context.Background(), store.snapshot.ID, uuid.New(), "storm warning")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if in.Status != models.InstanceCancelled {
		t.Fatalf("status = %s, want cancelled despite notify failure", in.Status)
	}
	if auditor.annotations != 1 {
		t.Fatalf("expected delivery-failure annotation, got %d", auditor.annotations)
	}
}

func TestArchiveOnlyFromTerminalStates(t *testing.T) {
	for _, c := range []struct {
		from models.InstanceStatus
		ok   bool
	}{
		{models.InstanceCompleted, true},
		{models.InstanceCancelled, true},
		{models.InstanceRecruiting, false},
		{models.InstanceLive, false},
	} {
		store := newCASStore(testInstance(c.from))
		svc := NewService(store, &recordingAuditor{}, &recordingNotifier{}, nil)
		_, err := svc.Archive(context.Background(), store.snapshot.ID, uuid.New())
		if c.ok && err != nil {
			t.Fatalf("archive from %s: %v", c.from, err)
		}
		if !c.ok && !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.Fatalf("archive from %s: err = %v, want ErrInvalidTransition", c.from, err)
		}
	}
}
