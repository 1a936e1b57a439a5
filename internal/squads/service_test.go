package squads

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/questforge/backend/config"
	"github.com/questforge/backend/internal/lifecycle"
	"github.com/questforge/backend/internal/models"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	squads  map[uuid.UUID]*models.Squad
	members map[uuid.UUID][]models.SquadMember

	statusWrites int
	removedIDs   []uuid.UUID
	inviteCodes  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		squads:  map[uuid.UUID]*models.Squad{},
		members: map[uuid.UUID][]models.SquadMember{},
	}
}

func (f *fakeStore) addSquad(status models.SquadStatus) *models.Squad {
	sq := &models.Squad{
		ID:         uuid.New(),
		InstanceID: uuid.New(),
		Name:       "night owls",
		Status:     status,
		InviteCode: "AAAA2222",
	}
	if status == models.SquadWarmingUp {
		t := testNow.Add(-time.Hour)
		sq.WarmingUpSince = &t
	}
	f.squads[sq.ID] = sq
	return sq
}

func (f *fakeStore) addMember(squadID uuid.UUID, role models.MemberRole, status models.MemberStatus, ready bool) models.SquadMember {
	m := models.SquadMember{
		ID:      uuid.New(),
		SquadID: squadID,
		UserID:  uuid.New(),
		Role:    role,
		Status:  status,
	}
	if ready {
		t := testNow
		m.ReadinessConfirmedAt = &t
	}
	f.members[squadID] = append(f.members[squadID], m)
	return m
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Squad, error) {
	sq, ok := f.squads[id]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	cp := *sq
	return &cp, nil
}

func (f *fakeStore) GetByInviteCode(_ context.Context, code string) (*models.Squad, error) {
	for _, sq := range f.squads {
		if sq.InviteCode == code && !sq.Archived {
			cp := *sq
			return &cp, nil
		}
	}
	return nil, lifecycle.ErrNotFound
}

func (f *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, expected, target models.SquadStatus) error {
	sq, ok := f.squads[id]
	if !ok {
		return lifecycle.ErrNotFound
	}
	if sq.Status != expected {
		return lifecycle.ErrConcurrentModification
	}
	sq.Status = target
	if target == models.SquadWarmingUp {
		t := testNow
		sq.WarmingUpSince = &t
	} else {
		sq.WarmingUpSince = nil
	}
	f.statusWrites++
	return nil
}

func (f *fakeStore) Rename(_ context.Context, id uuid.UUID, name string) error {
	sq, ok := f.squads[id]
	if !ok {
		return lifecycle.ErrNotFound
	}
	sq.Name = name
	return nil
}

func (f *fakeStore) UpdateSettings(_ context.Context, id uuid.UUID, settings models.SquadSettings) error {
	sq, ok := f.squads[id]
	if !ok {
		return lifecycle.ErrNotFound
	}
	sq.Settings = settings
	return nil
}

func (f *fakeStore) SetInviteCode(_ context.Context, id uuid.UUID, code string) error {
	sq, ok := f.squads[id]
	if !ok {
		return lifecycle.ErrNotFound
	}
	sq.InviteCode = code
	f.inviteCodes = append(f.inviteCodes, code)
	return nil
}

func (f *fakeStore) Archive(_ context.Context, id uuid.UUID) error {
	sq, ok := f.squads[id]
	if !ok {
		return lifecycle.ErrNotFound
	}
	if sq.Archived {
		return lifecycle.ErrConcurrentModification
	}
	st := sq.Status
	sq.Archived = true
	sq.PreArchiveStatus = &st
	return nil
}

func (f *fakeStore) Reactivate(_ context.Context, id uuid.UUID) error {
	sq, ok := f.squads[id]
	if !ok {
		return lifecycle.ErrNotFound
	}
	if !sq.Archived {
		return lifecycle.ErrConcurrentModification
	}
	sq.Archived = false
	sq.Status = *sq.PreArchiveStatus
	sq.PreArchiveStatus = nil
	return nil
}

func (f *fakeStore) ListMembers(_ context.Context, squadID uuid.UUID) ([]models.SquadMember, error) {
	return f.members[squadID], nil
}

func (f *fakeStore) AddMember(_ context.Context, squadID, userID uuid.UUID) (*models.SquadMember, error) {
	m := models.SquadMember{
		ID:      uuid.New(),
		SquadID: squadID,
		UserID:  userID,
		Role:    models.RoleMember,
		Status:  models.MemberActive,
	}
	f.members[squadID] = append(f.members[squadID], m)
	return &m, nil
}

func (f *fakeStore) MarkMemberRemoved(_ context.Context, squadID, memberID uuid.UUID) error {
	for i, m := range f.members[squadID] {
		if m.ID == memberID && m.Status == models.MemberActive {
			f.members[squadID][i].Status = models.MemberRemoved
			f.removedIDs = append(f.removedIDs, memberID)
			return nil
		}
	}
	return lifecycle.ErrNotFound
}

func (f *fakeStore) ConfirmReadiness(_ context.Context, squadID, userID uuid.UUID, at time.Time) error {
	for i, m := range f.members[squadID] {
		if m.UserID == userID && m.Status == models.MemberActive {
			t := at
			f.members[squadID][i].ReadinessConfirmedAt = &t
			return nil
		}
	}
	return lifecycle.ErrNotFound
}

func (f *fakeStore) TransferLeadership(_ context.Context, squadID, newLeaderID uuid.UUID) error {
	found := false
	for i, m := range f.members[squadID] {
		if m.UserID == newLeaderID && m.Status == models.MemberActive {
			f.members[squadID][i].Role = models.RoleLeader
			found = true
		}
	}
	if !found {
		return errors.Join(lifecycle.ErrInvalidInput, errors.New("new leader is not an active member"))
	}
	for i, m := range f.members[squadID] {
		if m.UserID != newLeaderID && m.Role == models.RoleLeader {
			f.members[squadID][i].Role = models.RoleMember
		}
	}
	return nil
}

type fakeAuditor struct {
	entries     []models.AuditLogEntry
	annotations int
}

func (a *fakeAuditor) Append(_ context.Context, e *models.AuditLogEntry) error {
	a.entries = append(a.entries, *e)
	return nil
}

func (a *fakeAuditor) AnnotateDeliveryFailure(_ context.Context, _ string, _, _ uuid.UUID, _ string, _ error) error {
	a.annotations++
	return nil
}

type fakeNotifier struct {
	kinds []string
	users [][]uuid.UUID
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, userIDs []uuid.UUID, kind string, _ string, _, _ uuid.UUID, _ any) error {
	n.kinds = append(n.kinds, kind)
	n.users = append(n.users, userIDs)
	return n.err
}

func testConfig() config.SquadConfig {
	return config.SquadConfig{HealthyPct: 80, WarningPct: 50, InviteCodeLength: 8}
}

func newTestService(store *fakeStore, auditor *fakeAuditor, notifier *fakeNotifier) *Service {
	svc := NewService(store, auditor, notifier, testConfig(), nil)
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestAdvanceStampsWarmingUpSince(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadConfirmed)
	store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	got, err := svc.Advance(context.Background(), sq.ID, uuid.New(), models.SquadWarmingUp)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.WarmingUpSince == nil || !got.WarmingUpSince.Equal(testNow) {
		t.Fatalf("warming_up_since = %v, want %v", got.WarmingUpSince, testNow)
	}
}

func TestAdvanceClearsWarmingUpSinceOnExit(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	got, err := svc.Advance(context.Background(), sq.ID, uuid.New(), models.SquadReadyForReview)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.WarmingUpSince != nil {
		t.Fatalf("warming_up_since = %v, want nil after leaving warm-up", got.WarmingUpSince)
	}
}

func TestAdvanceRejectsSkipsAndBackwardMoves(t *testing.T) {
	for _, c := range []struct {
		from, to models.SquadStatus
	}{
		{models.SquadDraft, models.SquadWarmingUp},
		{models.SquadConfirmed, models.SquadApproved},
		{models.SquadApproved, models.SquadDraft},
		{models.SquadCompleted, models.SquadActive},
	} {
		store := newFakeStore()
		sq := store.addSquad(c.from)
		svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})
		_, err := svc.Advance(context.Background(), sq.ID, uuid.New(), c.to)
		if !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.Fatalf("%s->%s: err = %v, want ErrInvalidTransition", c.from, c.to, err)
		}
		if store.statusWrites != 0 {
			t.Fatalf("%s->%s: illegal transition must not write", c.from, c.to)
		}
	}
}

func TestAdvanceRejectsArchivedSquads(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadDraft)
	sq.Archived = true
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})
	_, err := svc.Advance(context.Background(), sq.ID, uuid.New(), models.SquadConfirmed)
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestWarmupStartNotifiesActiveMembersOnly(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadConfirmed)
	store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	store.addMember(sq.ID, models.RoleMember, models.MemberActive, false)
	store.addMember(sq.ID, models.RoleMember, models.MemberRemoved, false)
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeAuditor{}, notifier)

	if _, err := svc.Advance(context.Background(), sq.ID, uuid.New(), models.SquadWarmingUp); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != "squad_warmup_started" {
		t.Fatalf("kinds = %v, want [squad_warmup_started]", notifier.kinds)
	}
	if len(notifier.users[0]) != 2 {
		t.Fatalf("recipients = %d, want 2 (removed member excluded)", len(notifier.users[0]))
	}
}

func TestReadyForReviewNotifiesLeadersOnly(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	leader := store.addMember(sq.ID, models.RoleLeader, models.MemberActive, true)
	store.addMember(sq.ID, models.RoleMember, models.MemberActive, true)
	store.addMember(sq.ID, models.RoleLeader, models.MemberRemoved, false)
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeAuditor{}, notifier)

	if _, err := svc.Advance(context.Background(), sq.ID, leader.UserID, models.SquadReadyForReview); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != "squad_ready_for_review" {
		t.Fatalf("kinds = %v, want [squad_ready_for_review]", notifier.kinds)
	}
	if len(notifier.users[0]) != 1 || notifier.users[0][0] != leader.UserID {
		t.Fatalf("recipients = %v, want only the active leader", notifier.users[0])
	}
}

func TestConfirmReadinessOnlyWhileWarmingUp(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadConfirmed)
	m := store.addMember(sq.ID, models.RoleMember, models.MemberActive, false)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	if err := svc.ConfirmReadiness(context.Background(), sq.ID, m.UserID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("confirm before warm-up: err = %v, want ErrInvalidTransition", err)
	}

	sq.Status = models.SquadWarmingUp
	if err := svc.ConfirmReadiness(context.Background(), sq.ID, m.UserID); err != nil {
		t.Fatalf("confirm during warm-up: %v", err)
	}
	got := store.members[sq.ID][0].ReadinessConfirmedAt
	if got == nil || !got.Equal(testNow) {
		t.Fatalf("readiness_confirmed_at = %v, want %v", got, testNow)
	}
}

func TestHealthThresholds(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeAuditor{}, &fakeNotifier{})
	member := func(ready bool) models.SquadMember {
		m := models.SquadMember{Status: models.MemberActive}
		if ready {
			t := testNow
			m.ReadinessConfirmedAt = &t
		}
		return m
	}
	cases := []struct {
		name    string
		members []models.SquadMember
		want    models.SquadHealth
	}{
		{"all ready", []models.SquadMember{member(true), member(true)}, models.SquadHealthy},
		{"4 of 5 ready", []models.SquadMember{member(true), member(true), member(true), member(true), member(false)}, models.SquadHealthy},
		{"half ready", []models.SquadMember{member(true), member(false)}, models.SquadWarning},
		{"1 of 3 ready", []models.SquadMember{member(true), member(false), member(false)}, models.SquadAtRisk},
		{"none ready", []models.SquadMember{member(false)}, models.SquadAtRisk},
		{"no active members", nil, models.SquadAtRisk},
	}
	for _, c := range cases {
		if got := svc.Health(c.members); got != c.want {
			t.Errorf("%s: health = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestHealthIgnoresRemovedMembers(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeAuditor{}, &fakeNotifier{})
	ready := testNow
	members := []models.SquadMember{
		{Status: models.MemberActive, ReadinessConfirmedAt: &ready},
		{Status: models.MemberRemoved},
		{Status: models.MemberRemoved},
	}
	if got := svc.Health(members); got != models.SquadHealthy {
		t.Fatalf("health = %s, want healthy when every active member confirmed", got)
	}
}

func TestRemoveLastActiveLeaderRejected(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	leader := store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	store.addMember(sq.ID, models.RoleMember, models.MemberActive, false)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	err := svc.RemoveMember(context.Background(), sq.ID, uuid.New(), leader.ID)
	if !errors.Is(err, lifecycle.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if len(store.removedIDs) != 0 {
		t.Fatal("leader must not be removed")
	}
}

func TestRemoveLeaderAllowedWhenAnotherLeaderExists(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	first := store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeAuditor{}, notifier)

	if err := svc.RemoveMember(context.Background(), sq.ID, uuid.New(), first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(store.removedIDs) != 1 || store.removedIDs[0] != first.ID {
		t.Fatalf("removedIDs = %v", store.removedIDs)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != "squad_member_removed" {
		t.Fatalf("kinds = %v, want [squad_member_removed]", notifier.kinds)
	}
	if len(notifier.users[0]) != 1 || notifier.users[0][0] != first.UserID {
		t.Fatal("removed member must be the notification recipient")
	}
}

func TestRemoveMemberKeepsRow(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	m := store.addMember(sq.ID, models.RoleMember, models.MemberActive, false)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	if err := svc.RemoveMember(context.Background(), sq.ID, uuid.New(), m.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(store.members[sq.ID]) != 2 {
		t.Fatalf("member rows = %d, want 2 (removal is a status change)", len(store.members[sq.ID]))
	}
	if store.members[sq.ID][1].Status != models.MemberRemoved {
		t.Fatalf("status = %s, want removed", store.members[sq.ID][1].Status)
	}
}

func TestArchiveReactivateRestoresPriorStatus(t *testing.T) {
	for _, status := range []models.SquadStatus{
		models.SquadConfirmed, models.SquadReadyForReview, models.SquadActive,
	} {
		store := newFakeStore()
		sq := store.addSquad(status)
		svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

		if err := svc.Archive(context.Background(), sq.ID, uuid.New()); err != nil {
			t.Fatalf("archive from %s: %v", status, err)
		}
		if !store.squads[sq.ID].Archived {
			t.Fatal("squad must be archived")
		}
		if err := svc.Reactivate(context.Background(), sq.ID, uuid.New()); err != nil {
			t.Fatalf("reactivate: %v", err)
		}
		got := store.squads[sq.ID]
		if got.Archived {
			t.Fatal("squad must be active again")
		}
		if got.Status != status {
			t.Fatalf("status after reactivate = %s, want %s (not draft)", got.Status, status)
		}
	}
}

func TestTransferLeadershipRequiresActiveMember(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	removed := store.addMember(sq.ID, models.RoleMember, models.MemberRemoved, false)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	err := svc.TransferLeadership(context.Background(), sq.ID, uuid.New(), removed.UserID)
	if !errors.Is(err, lifecycle.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestTransferLeadershipDemotesOldLeader(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	old := store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	next := store.addMember(sq.ID, models.RoleMember, models.MemberActive, false)
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeAuditor{}, notifier)

	if err := svc.TransferLeadership(context.Background(), sq.ID, old.UserID, next.UserID); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	var leaders int
	for _, m := range store.members[sq.ID] {
		if m.Role == models.RoleLeader {
			leaders++
			if m.UserID != next.UserID {
				t.Fatal("old leader must be demoted")
			}
		}
	}
	if leaders != 1 {
		t.Fatalf("leaders = %d, want 1", leaders)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != "squad_leader_changed" {
		t.Fatalf("kinds = %v", notifier.kinds)
	}
}

func TestUpdateSettingsValidation(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadDraft)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	bad := []models.SquadSettings{
		{CommitmentStyle: "hardcore"},
		{RotationMode: "chaos"},
		{ThemeTags: []string{"retro", "  "}},
	}
	for _, settings := range bad {
		if err := svc.UpdateSettings(context.Background(), sq.ID, uuid.New(), settings); !errors.Is(err, lifecycle.ErrInvalidInput) {
			t.Fatalf("settings %+v: err = %v, want ErrInvalidInput", settings, err)
		}
	}

	good := models.SquadSettings{
		ThemeTags:       []string{" retro ", "co-op"},
		CommitmentStyle: models.CommitmentRegular,
		RotationMode:    models.RotationManual,
		OrgCode:         "ACME",
		Rules:           "be on time",
	}
	if err := svc.UpdateSettings(context.Background(), sq.ID, uuid.New(), good); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	saved := store.squads[sq.ID].Settings
	if saved.ThemeTags[0] != "retro" {
		t.Fatalf("theme tag not trimmed: %q", saved.ThemeTags[0])
	}
}

func TestRegenerateInviteCode(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadDraft)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	code, err := svc.RegenerateInviteCode(context.Background(), sq.ID, uuid.New())
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("code length = %d, want 8", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(inviteAlphabet, r) {
			t.Fatalf("code %q contains %q outside the alphabet", code, r)
		}
	}
	if store.squads[sq.ID].InviteCode != code {
		t.Fatal("code must be persisted")
	}
}

func TestJoinByInviteCode(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	userID := uuid.New()
	gotSquad, member, err := svc.JoinByInviteCode(context.Background(), " AAAA2222 ", userID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if gotSquad.ID != sq.ID {
		t.Fatal("wrong squad")
	}
	if member.UserID != userID || member.Role != models.RoleMember {
		t.Fatalf("member = %+v", member)
	}
}

func TestJoinRejectedAfterWarmup(t *testing.T) {
	store := newFakeStore()
	store.addSquad(models.SquadApproved)
	svc := newTestService(store, &fakeAuditor{}, &fakeNotifier{})

	_, _, err := svc.JoinByInviteCode(context.Background(), "AAAA2222", uuid.New())
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestGovernanceActionsAudited(t *testing.T) {
	store := newFakeStore()
	sq := store.addSquad(models.SquadWarmingUp)
	store.addMember(sq.ID, models.RoleLeader, models.MemberActive, false)
	m := store.addMember(sq.ID, models.RoleMember, models.MemberActive, false)
	auditor := &fakeAuditor{}
	svc := newTestService(store, auditor, &fakeNotifier{})
	actor := uuid.New()

	if err := svc.Rename(context.Background(), sq.ID, actor, "dawn patrol"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := svc.RemoveMember(context.Background(), sq.ID, actor, m.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.RegenerateInviteCode(context.Background(), sq.ID, actor); err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	want := []string{"squad.renamed", "squad.member_removed", "squad.invite_code_regenerated"}
	if len(auditor.entries) != len(want) {
		t.Fatalf("audit entries = %d, want %d", len(auditor.entries), len(want))
	}
	for i, action := range want {
		if auditor.entries[i].Action != action {
			t.Fatalf("entry %d action = %s, want %s", i, auditor.entries[i].Action, action)
		}
	}
}
