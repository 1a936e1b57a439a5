package attention

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/questforge/backend/internal/models"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func snapshot(status models.InstanceStatus, startsIn time.Duration, signups, target int) InstanceSnapshot {
	return InstanceSnapshot{
		Status:          status,
		StartAt:         testNow.Add(startsIn),
		SignupCount:     signups,
		TargetSquadSize: target,
	}
}

func warmingSince(d time.Duration, ready int) SquadWarmupState {
	since := testNow.Add(-d)
	return SquadWarmupState{Status: models.SquadWarmingUp, WarmingUpSince: &since, ReadyMembers: ready}
}

func TestComputeFlagPastInstanceYieldsNothing(t *testing.T) {
	inst := snapshot(models.InstanceLive, -time.Hour, 10, 6)
	if flag := ComputeFlag(testNow, DefaultConfig(), inst, 2, nil); flag != nil {
		t.Fatalf("expected nil flag for past instance, got %+v", flag)
	}
}

func TestComputeFlagReviewOutranksStall(t *testing.T) {
	inst := snapshot(models.InstanceLocked, 3*time.Hour, 10, 6)
	squads := []SquadWarmupState{
		warmingSince(30*time.Hour, 2), // stalled well past 24h
		{Status: models.SquadReadyForReview},
	}
	flag := ComputeFlag(testNow, DefaultConfig(), inst, len(squads), squads)
	if flag == nil {
		t.Fatal("expected a flag")
	}
	if flag.Type != FlagSquadPendingReview {
		t.Fatalf("expected squad_pending_review to outrank stall, got %s", flag.Type)
	}
	if flag.Severity != SeverityWarning {
		t.Fatalf("expected warning severity, got %s", flag.Severity)
	}
}

func TestComputeFlagStalledWarmup(t *testing.T) {
	inst := snapshot(models.InstanceLocked, 3*time.Hour, 10, 6)
	squads := []SquadWarmupState{warmingSince(30*time.Hour, 1)}
	flag := ComputeFlag(testNow, DefaultConfig(), inst, 1, squads)
	if flag == nil || flag.Type != FlagSquadWarmupStalled {
		t.Fatalf("expected squad_warmup_stalled, got %+v", flag)
	}
	if flag.Severity != SeverityError {
		t.Fatalf("expected error severity, got %s", flag.Severity)
	}
	if !strings.Contains(flag.Message, "30") {
		t.Fatalf("expected stall hours in message, got %q", flag.Message)
	}
}

func TestComputeFlagActiveWarmupAggregatesReadyCount(t *testing.T) {
	inst := snapshot(models.InstanceLocked, 3*time.Hour, 10, 6)
	squads := []SquadWarmupState{
		warmingSince(2*time.Hour, 3),
		warmingSince(5*time.Hour, 2),
	}
	flag := ComputeFlag(testNow, DefaultConfig(), inst, 2, squads)
	if flag == nil || flag.Type != FlagSquadWarmingUp {
		t.Fatalf("expected squad_warming_up, got %+v", flag)
	}
	if !strings.Contains(flag.Message, "5 members confirmed ready") {
		t.Fatalf("expected aggregate ready count 5 in message, got %q", flag.Message)
	}
}

func TestComputeFlagReadyForSquadAtThreshold(t *testing.T) {
	// target 6 at 80% -> ceil(4.8) = 5
	inst := snapshot(models.InstanceRecruiting, 6*time.Hour, 5, 6)
	flag := ComputeFlag(testNow, DefaultConfig(), inst, 0, nil)
	if flag == nil || flag.Type != FlagReadyForSquad {
		t.Fatalf("expected ready_for_squad, got %+v", flag)
	}
	if flag.Severity != SeverityWarning {
		t.Fatalf("expected warning severity, got %s", flag.Severity)
	}
	if !strings.Contains(flag.Message, "5 users signed up") {
		t.Fatalf("expected signup count in message, got %q", flag.Message)
	}

	// one below threshold: no flag
	below := snapshot(models.InstanceRecruiting, 6*time.Hour, 4, 6)
	if flag := ComputeFlag(testNow, DefaultConfig(), below, 0, nil); flag != nil {
		t.Fatalf("expected nil below threshold, got %+v", flag)
	}
}

func TestComputeFlagReadyForSquadSuppressedOnceSquadsExist(t *testing.T) {
	inst := snapshot(models.InstanceRecruiting, 6*time.Hour, 5, 6)
	if flag := ComputeFlag(testNow, DefaultConfig(), inst, 1, nil); flag != nil {
		t.Fatalf("expected nil once squads exist, got %+v", flag)
	}
}

func TestComputeFlagUnderfilledComputesMinutes(t *testing.T) {
	inst := snapshot(models.InstanceRecruiting, 90*time.Minute, 2, 6)
	flag := ComputeFlag(testNow, DefaultConfig(), inst, 0, nil)
	if flag == nil || flag.Type != FlagUnderfilled {
		t.Fatalf("expected underfilled, got %+v", flag)
	}
	if flag.Severity != SeverityError {
		t.Fatalf("expected error severity, got %s", flag.Severity)
	}
	if !strings.Contains(flag.Message, "90") {
		t.Fatalf("expected computed 90 minutes in message, got %q", flag.Message)
	}
}

func TestComputeFlagStartingSoon(t *testing.T) {
	inst := snapshot(models.InstanceLocked, 45*time.Minute, 8, 6)
	squads := []SquadWarmupState{{Status: models.SquadApproved}}
	flag := ComputeFlag(testNow, DefaultConfig(), inst, 1, squads)
	if flag == nil || flag.Type != FlagStartingSoon {
		t.Fatalf("expected starting_soon, got %+v", flag)
	}
	if flag.Severity != SeverityInfo {
		t.Fatalf("expected info severity, got %s", flag.Severity)
	}
	if !strings.Contains(flag.Message, "45") {
		t.Fatalf("expected computed 45 minutes in message, got %q", flag.Message)
	}
}

func TestComputeFlagReadyToGo(t *testing.T) {
	inst := snapshot(models.InstanceLocked, 6*time.Hour, 5, 6)
	flag := ComputeFlag(testNow, DefaultConfig(), inst, 2, []SquadWarmupState{
		{Status: models.SquadApproved},
		{Status: models.SquadApproved},
	})
	if flag == nil || flag.Type != FlagReadyToGo {
		t.Fatalf("expected ready_to_go, got %+v", flag)
	}
	if flag.Severity != SeveritySuccess {
		t.Fatalf("expected success severity, got %s", flag.Severity)
	}
}

func TestComputeFlagQuietStatesYieldNothing(t *testing.T) {
	cases := []InstanceSnapshot{
		snapshot(models.InstanceDraft, 6*time.Hour, 0, 6),
		snapshot(models.InstanceRecruiting, 6*time.Hour, 1, 6),
		snapshot(models.InstancePaused, 6*time.Hour, 5, 6),
		snapshot(models.InstanceCancelled, 6*time.Hour, 5, 6),
	}
	for _, inst := range cases {
		if flag := ComputeFlag(testNow, DefaultConfig(), inst, 0, nil); flag != nil {
			t.Fatalf("expected nil for %s snapshot, got %+v", inst.Status, flag)
		}
	}
}

func TestComputeFlagDeterministic(t *testing.T) {
	inst := snapshot(models.InstanceLocked, 3*time.Hour, 10, 6)
	squads := []SquadWarmupState{
		warmingSince(2*time.Hour, 3),
		warmingSince(26*time.Hour, 1),
		{Status: models.SquadReadyForReview},
	}
	first := ComputeFlag(testNow, DefaultConfig(), inst, 3, squads)
	second := ComputeFlag(testNow, DefaultConfig(), inst, 3, squads)
	if first == nil || second == nil {
		t.Fatal("expected flags from both evaluations")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical inputs produced different flags: %+v vs %+v", first, second)
	}
}

func TestReadyThresholdRounding(t *testing.T) {
	cases := []struct {
		target, pct, want int
	}{
		{6, 80, 5},  // ceil(4.8)
		{5, 80, 4},  // exact 4.0
		{10, 80, 8}, // exact 8.0
		{7, 80, 6},  // ceil(5.6)
		{1, 80, 1},  // ceil(0.8)
	}
	for _, c := range cases {
		if got := readyThreshold(c.target, c.pct); got != c.want {
			t.Fatalf("readyThreshold(%d, %d) = %d, want %d", c.target, c.pct, got, c.want)
		}
	}
}
