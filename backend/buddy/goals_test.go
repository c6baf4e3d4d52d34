package buddy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/focushive/focushive/backend/buddy"
	"github.com/focushive/focushive/backend/errs"
)

func TestCreateGoalRequiresEstablishedPartnership(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()

	p, err := env.svc.Request(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Finish draft",
	})
	require.True(t, errs.IsKind(err, errs.KindConflict))

	_, err = env.svc.Accept(ctx, p.ID, "bob")
	require.NoError(t, err)

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Finish draft",
	})
	require.NoError(t, err)
	require.Equal(t, buddy.GoalInProgress, g.Status)
	require.Zero(t, g.ProgressPct)

	// Paused partnerships may still manage goals.
	_, err = env.svc.Pause(ctx, p.ID, "alice")
	require.NoError(t, err)
	_, err = env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "bob", Title: "Review chapter",
	})
	require.NoError(t, err)

	_, err = env.svc.CreateGoal(ctx, buddy.GoalInput{PartnershipID: p.ID, UserID: "alice"})
	require.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestGoalProgressIsMonotonic(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Finish draft",
	})
	require.NoError(t, err)

	g, err = env.svc.UpdateGoalProgress(ctx, g.ID, "alice", 60, false)
	require.NoError(t, err)
	require.Equal(t, 60, g.ProgressPct)

	_, err = env.svc.UpdateGoalProgress(ctx, g.ID, "bob", 40, false)
	require.True(t, errs.IsKind(err, errs.KindConflict))

	g, err = env.svc.UpdateGoalProgress(ctx, g.ID, "bob", 40, true)
	require.NoError(t, err)
	require.Equal(t, 40, g.ProgressPct)

	_, err = env.svc.UpdateGoalProgress(ctx, g.ID, "alice", 101, false)
	require.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestGoalCompletionIsOneWay(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Finish draft",
	})
	require.NoError(t, err)

	g, err = env.svc.UpdateGoalProgress(ctx, g.ID, "alice", 100, false)
	require.NoError(t, err)
	require.Equal(t, buddy.GoalCompleted, g.Status)
	require.NotNil(t, g.CompletedAt)

	_, err = env.svc.UpdateGoalProgress(ctx, g.ID, "alice", 50, true)
	require.True(t, errs.IsKind(err, errs.KindConflict))
	_, err = env.svc.CancelGoal(ctx, g.ID, "alice")
	require.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestCancelGoal(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Side quest",
	})
	require.NoError(t, err)

	g, err = env.svc.CancelGoal(ctx, g.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, buddy.GoalCancelled, g.Status)

	// Idempotent.
	g, err = env.svc.CancelGoal(ctx, g.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, buddy.GoalCancelled, g.Status)

	_, err = env.svc.UpdateGoalProgress(ctx, g.ID, "alice", 10, false)
	require.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestGoalAccessRequiresMembership(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Finish draft",
	})
	require.NoError(t, err)

	_, err = env.svc.UpdateGoalProgress(ctx, g.ID, "mallory", 10, false)
	require.True(t, errs.IsKind(err, errs.KindNotFound))
	_, err = env.svc.Goals(ctx, p.ID, "mallory")
	require.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestMilestonesDeriveProgress(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Ship the feature",
	})
	require.NoError(t, err)

	var milestones []*buddy.Milestone
	for _, title := range []string{"Design", "Implement", "Review"} {
		m, err := env.svc.AddMilestone(ctx, g.ID, "alice", title, 0)
		require.NoError(t, err)
		milestones = append(milestones, m)
	}
	require.Equal(t, 1, milestones[0].Ordinal)
	require.Equal(t, 3, milestones[2].Ordinal)

	g, err = env.svc.CompleteMilestone(ctx, milestones[0].ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 33, g.ProgressPct)

	// Completing the same milestone again changes nothing.
	g, err = env.svc.CompleteMilestone(ctx, milestones[0].ID, "bob")
	require.NoError(t, err)
	require.Equal(t, 33, g.ProgressPct)

	g, err = env.svc.CompleteMilestone(ctx, milestones[1].ID, "bob")
	require.NoError(t, err)
	require.Equal(t, 66, g.ProgressPct)

	// The last milestone completes the goal.
	g, err = env.svc.CompleteMilestone(ctx, milestones[2].ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 100, g.ProgressPct)
	require.Equal(t, buddy.GoalCompleted, g.Status)
}

func TestMilestoneNotifiesPartner(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Ship the feature",
	})
	require.NoError(t, err)
	m, err := env.svc.AddMilestone(ctx, g.ID, "alice", "Design", 0)
	require.NoError(t, err)

	_, err = env.svc.CompleteMilestone(ctx, m.ID, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, n := range env.sender.notifications() {
			if n.Kind == "milestone_reached" {
				return n.UserID == "bob" && n.Payload["milestoneId"] == m.ID
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "the partner hears about the reached milestone")

	// Re-completing the milestone must not notify again.
	_, err = env.svc.CompleteMilestone(ctx, m.ID, "bob")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	reached := 0
	for _, n := range env.sender.notifications() {
		if n.Kind == "milestone_reached" {
			reached++
		}
	}
	require.Equal(t, 1, reached)
}

func TestDerivedProgressNeverLowersManual(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Ship the feature",
	})
	require.NoError(t, err)

	m1, err := env.svc.AddMilestone(ctx, g.ID, "alice", "Design", 0)
	require.NoError(t, err)
	_, err = env.svc.AddMilestone(ctx, g.ID, "alice", "Implement", 0)
	require.NoError(t, err)

	_, err = env.svc.UpdateGoalProgress(ctx, g.ID, "alice", 80, false)
	require.NoError(t, err)

	// One of two milestones derives 50, below the manual 80.
	g, err = env.svc.CompleteMilestone(ctx, m1.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, 80, g.ProgressPct)
	require.Equal(t, buddy.GoalInProgress, g.Status)
}

func TestMilestoneOnFinalizedGoalRejected(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Done deal",
	})
	require.NoError(t, err)
	_, err = env.svc.UpdateGoalProgress(ctx, g.ID, "alice", 100, false)
	require.NoError(t, err)

	_, err = env.svc.AddMilestone(ctx, g.ID, "alice", "Too late", 0)
	require.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestDeleteGoalCascadesMilestones(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	g, err := env.svc.CreateGoal(ctx, buddy.GoalInput{
		PartnershipID: p.ID, UserID: "alice", Title: "Scrapped",
	})
	require.NoError(t, err)
	m, err := env.svc.AddMilestone(ctx, g.ID, "alice", "Step", 0)
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteGoal(ctx, g.ID, "bob"))

	_, err = env.svc.CompleteMilestone(ctx, m.ID, "alice")
	require.True(t, errs.IsKind(err, errs.KindNotFound))

	goals, err := env.svc.Goals(ctx, p.ID, "alice")
	require.NoError(t, err)
	require.Empty(t, goals)
}
