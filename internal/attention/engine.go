// Package attention derives the single operator-facing signal for an
// instance from its timing, capacity and squad warm-up state. The engine is
// a pure function over snapshots: no I/O, no mutation, deterministic for
// identical inputs, so it can be evaluated concurrently for many instances
// and unit tested byte-for-byte.
package attention

import (
	"fmt"
	"time"

	appconfig "github.com/questforge/backend/config"
	"github.com/questforge/backend/internal/models"
)

// FlagType identifies the condition a flag reports.
type FlagType string

const (
	FlagSquadPendingReview FlagType = "squad_pending_review"
	FlagSquadWarmupStalled FlagType = "squad_warmup_stalled"
	FlagSquadWarmingUp     FlagType = "squad_warming_up"
	FlagReadyForSquad      FlagType = "ready_for_squad"
	FlagUnderfilled        FlagType = "underfilled"
	FlagStartingSoon       FlagType = "starting_soon"
	FlagReadyToGo          FlagType = "ready_to_go"
)

// Severity ranks how urgently an operator should look at the flag.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Flag is the derived attention signal. It is produced fresh on each
// evaluation and never persisted.
type Flag struct {
	Type       FlagType `json:"type"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	ShortLabel string   `json:"short_label"`
}

// InstanceSnapshot is the read-only instance state the engine consumes.
type InstanceSnapshot struct {
	Status          models.InstanceStatus
	StartAt         time.Time
	SignupCount     int
	TargetSquadSize int
}

// SquadWarmupState is the read-only per-squad state the engine consumes.
// ReadyMembers counts active members with readiness confirmed.
type SquadWarmupState struct {
	Status         models.SquadStatus
	WarmingUpSince *time.Time
	ReadyMembers   int
}

// Config holds the engine thresholds.
type Config struct {
	WarmupStall        time.Duration
	StartingSoonWindow time.Duration
	MinViableSignups   int
	ReadyThresholdPct  int
}

// DefaultConfig returns the documented defaults: 24h warm-up stall, 2h
// starting-soon window, 3 minimum viable signups, 80% squad-ready threshold.
func DefaultConfig() Config {
	return Config{
		WarmupStall:        24 * time.Hour,
		StartingSoonWindow: 2 * time.Hour,
		MinViableSignups:   3,
		ReadyThresholdPct:  80,
	}
}

// ConfigFrom converts the application config section, substituting defaults
// for unset values.
func ConfigFrom(c appconfig.AttentionConfig) Config {
	cfg := DefaultConfig()
	if c.WarmupStallHours > 0 {
		cfg.WarmupStall = time.Duration(c.WarmupStallHours) * time.Hour
	}
	if c.StartingSoonMinutes > 0 {
		cfg.StartingSoonWindow = time.Duration(c.StartingSoonMinutes) * time.Minute
	}
	if c.MinViableSignups > 0 {
		cfg.MinViableSignups = c.MinViableSignups
	}
	if c.ReadyThresholdPct > 0 {
		cfg.ReadyThresholdPct = c.ReadyThresholdPct
	}
	return cfg
}

// readyThreshold returns ceil(target * pct / 100).
func readyThreshold(target, pct int) int {
	return (target*pct + 99) / 100
}

// ComputeFlag evaluates the attention conditions in strict priority order
// and returns the first match, or nil when nothing needs an operator's
// attention. Multiple conditions can hold at once; the ordering guarantees
// one actionable signal rather than a list. Squad review requests outrank
// stalled warm-ups, which outrank in-progress warm-ups, which outrank every
// capacity or timing signal.
func ComputeFlag(now time.Time, cfg Config, inst InstanceSnapshot, squadCount int, squads []SquadWarmupState) *Flag {
	// Past events are history, not work items.
	if now.After(inst.StartAt) && inst.Status != models.InstanceCompleted {
		return nil
	}

	pendingReview := 0
	warming := 0
	stalled := 0
	readyMembers := 0
	var longestStall time.Duration
	for _, sq := range squads {
		switch sq.Status {
		case models.SquadReadyForReview:
			pendingReview++
		case models.SquadWarmingUp:
			warming++
			readyMembers += sq.ReadyMembers
			if sq.WarmingUpSince != nil {
				if d := now.Sub(*sq.WarmingUpSince); d > cfg.WarmupStall {
					stalled++
					if d > longestStall {
						longestStall = d
					}
				}
			}
		}
	}

	if pendingReview > 0 {
		return &Flag{
			Type:       FlagSquadPendingReview,
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf("%d %s awaiting review approval", pendingReview, plural(pendingReview, "squad", "squads")),
			ShortLabel: "Review squads",
		}
	}
	if stalled > 0 {
		return &Flag{
			Type:       FlagSquadWarmupStalled,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("%d %s stuck in warm-up for over %d hours", stalled, plural(stalled, "squad", "squads"), int(longestStall.Hours())),
			ShortLabel: "Warm-up stalled",
		}
	}
	if warming > 0 {
		return &Flag{
			Type:       FlagSquadWarmingUp,
			Severity:   SeverityInfo,
			Message:    fmt.Sprintf("%d %s warming up, %d %s confirmed ready", warming, plural(warming, "squad", "squads"), readyMembers, plural(readyMembers, "member", "members")),
			ShortLabel: "Warming up",
		}
	}

	minutesToStart := int(inst.StartAt.Sub(now).Minutes())
	startingSoon := inst.StartAt.Sub(now) < cfg.StartingSoonWindow
	threshold := readyThreshold(inst.TargetSquadSize, cfg.ReadyThresholdPct)

	if inst.Status == models.InstanceRecruiting && squadCount == 0 && inst.SignupCount >= threshold {
		return &Flag{
			Type:       FlagReadyForSquad,
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf("%d users signed up, ready to form squads", inst.SignupCount),
			ShortLabel: "Form squads",
		}
	}
	if inst.Status == models.InstanceRecruiting && startingSoon && inst.SignupCount < cfg.MinViableSignups {
		return &Flag{
			Type:       FlagUnderfilled,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("Starts in %d minutes with only %d %s", minutesToStart, inst.SignupCount, plural(inst.SignupCount, "signup", "signups")),
			ShortLabel: "Underfilled",
		}
	}
	if inst.Status == models.InstanceLocked && startingSoon && squadCount >= 1 {
		return &Flag{
			Type:       FlagStartingSoon,
			Severity:   SeverityInfo,
			Message:    fmt.Sprintf("Starts in %d minutes with %d %s formed", minutesToStart, squadCount, plural(squadCount, "squad", "squads")),
			ShortLabel: "Starting soon",
		}
	}
	if inst.Status == models.InstanceLocked && squadCount >= 1 && inst.SignupCount >= threshold {
		return &Flag{
			Type:       FlagReadyToGo,
			Severity:   SeveritySuccess,
			Message:    fmt.Sprintf("%d signups across %d %s, all set", inst.SignupCount, squadCount, plural(squadCount, "squad", "squads")),
			ShortLabel: "Ready",
		}
	}
	return nil
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}
