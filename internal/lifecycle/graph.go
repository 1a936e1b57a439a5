package lifecycle

import "github.com/questforge/backend/internal/models"

// Edge is one legal transition plus the preconditions and side effects it
// carries. RequiresConfirmation marks edges the caller surface must gate with
// a retyped confirmation phrase before invoking the core; the core itself
// validates reasons only. NotifyActor notifies the entity's responsible party
// (quest creator, squad leaders); NotifySubjects notifies everyone affected
// (enrolled users, signed-up participants, squad members).
type Edge[S ~string] struct {
	Target               S
	RequiresReason       bool
	RequiresConfirmation bool
	NotifyActor          bool
	NotifySubjects       bool
}

// Graph maps each status to the set of edges leaving it.
type Graph[S ~string] map[S][]Edge[S]

// NeedsConfirmation reports whether any edge into target carries the
// confirmation-phrase precondition. Handlers gate on the target alone since
// they run before the current status is loaded.
func (g Graph[S]) NeedsConfirmation(target S) bool {
	for _, edges := range g {
		for _, e := range edges {
			if e.Target == target && e.RequiresConfirmation {
				return true
			}
		}
	}
	return false
}

// CanTransition reports whether target is reachable from current in one step.
func (g Graph[S]) CanTransition(current, target S) bool {
	_, ok := g.EdgeFor(current, target)
	return ok
}

// EdgeFor returns the edge from current to target, if one exists.
func (g Graph[S]) EdgeFor(current, target S) (Edge[S], bool) {
	for _, e := range g[current] {
		if e.Target == target {
			return e, true
		}
	}
	return Edge[S]{}, false
}

// Targets returns the statuses reachable from current.
func (g Graph[S]) Targets(current S) []S {
	edges := g[current]
	out := make([]S, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.Target)
	}
	return out
}

// QuestGraph governs a quest template's lifecycle status. Cancel requires a
// reason; revoke is the security-sensitive danger path and additionally
// notifies every enrolled user.
var QuestGraph = Graph[models.QuestStatus]{
	models.QuestOpen: {
		{Target: models.QuestPaused, NotifyActor: true},
		{Target: models.QuestClosed},
		{Target: models.QuestCompleted},
		{Target: models.QuestCancelled, RequiresReason: true, NotifyActor: true, NotifySubjects: true},
		{Target: models.QuestRevoked, RequiresReason: true, RequiresConfirmation: true, NotifyActor: true, NotifySubjects: true},
	},
	models.QuestPaused: {
		{Target: models.QuestOpen, NotifyActor: true},
		{Target: models.QuestCancelled, RequiresReason: true, NotifyActor: true, NotifySubjects: true},
		{Target: models.QuestRevoked, RequiresReason: true, RequiresConfirmation: true, NotifyActor: true, NotifySubjects: true},
	},
	models.QuestClosed: {
		{Target: models.QuestPaused, NotifyActor: true},
		{Target: models.QuestCompleted},
		{Target: models.QuestCancelled, RequiresReason: true, NotifyActor: true, NotifySubjects: true},
		{Target: models.QuestRevoked, RequiresReason: true, RequiresConfirmation: true, NotifyActor: true, NotifySubjects: true},
	},
}

// QuestDeletableFrom lists the statuses from which a quest may be soft
// deleted. Delete changes no status enum value, so it is gated here rather
// than by an edge.
var QuestDeletableFrom = map[models.QuestStatus]bool{
	models.QuestCancelled: true,
	models.QuestRevoked:   true,
}

// ReviewGraph governs a quest's review status. Review decisions are legal
// only from pending_review; a creator resubmission moves changes_requested
// back to pending_review.
var ReviewGraph = Graph[models.ReviewStatus]{
	models.ReviewPending: {
		{Target: models.ReviewApproved, NotifySubjects: true},
		{Target: models.ReviewRejected, NotifySubjects: true},
		{Target: models.ReviewChangesRequested, NotifySubjects: true},
	},
	models.ReviewChangesRequested: {
		{Target: models.ReviewPending},
	},
}

// InstanceGraph governs a scheduled instance. The forward path is
// draft → recruiting → locked → live → completed; pause branches off any
// active state and resume returns to the exact state the instance was paused
// from, so paused carries edges back to all three.
var InstanceGraph = Graph[models.InstanceStatus]{
	models.InstanceDraft: {
		{Target: models.InstanceRecruiting},
	},
	models.InstanceRecruiting: {
		{Target: models.InstanceLocked},
		{Target: models.InstancePaused, RequiresReason: true, NotifySubjects: true},
		{Target: models.InstanceCancelled, RequiresReason: true, NotifySubjects: true},
	},
	models.InstanceLocked: {
		{Target: models.InstanceLive},
		{Target: models.InstancePaused, RequiresReason: true, NotifySubjects: true},
		{Target: models.InstanceCancelled, RequiresReason: true, NotifySubjects: true},
	},
	models.InstanceLive: {
		{Target: models.InstanceCompleted},
		{Target: models.InstancePaused, RequiresReason: true, NotifySubjects: true},
		{Target: models.InstanceCancelled, RequiresReason: true, NotifySubjects: true},
	},
	models.InstancePaused: {
		{Target: models.InstanceRecruiting, NotifySubjects: true},
		{Target: models.InstanceLocked, NotifySubjects: true},
		{Target: models.InstanceLive, NotifySubjects: true},
		{Target: models.InstanceCancelled, RequiresReason: true, NotifySubjects: true},
	},
	models.InstanceCompleted: {
		{Target: models.InstanceArchived},
	},
	models.InstanceCancelled: {
		{Target: models.InstanceArchived},
	},
}

// SquadGraph governs a squad's progression through warm-up. Forward only;
// archive/reactivate is a flag outside the status graph so reactivation can
// restore the exact prior status.
var SquadGraph = Graph[models.SquadStatus]{
	models.SquadDraft: {
		{Target: models.SquadConfirmed},
	},
	models.SquadConfirmed: {
		{Target: models.SquadWarmingUp, NotifySubjects: true},
	},
	models.SquadWarmingUp: {
		{Target: models.SquadReadyForReview, NotifyActor: true},
	},
	models.SquadReadyForReview: {
		{Target: models.SquadApproved, NotifySubjects: true},
	},
	models.SquadApproved: {
		{Target: models.SquadActive},
	},
	models.SquadActive: {
		{Target: models.SquadCompleted},
	},
}
