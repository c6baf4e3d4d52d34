package buddy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/bus"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/notify"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// GoalInput creates a partnership goal.
type GoalInput struct {
	PartnershipID string
	UserID        string
	Title         string
	Description   string
	TargetDate    int64 // unix seconds, zero for open-ended
}

// CreateGoal adds a goal to an ACTIVE or PAUSED partnership.
func (s *Service) CreateGoal(ctx context.Context, in GoalInput) (*Goal, error) {
	if in.Title == "" {
		return nil, errs.ValidationFields("invalid goal", map[string]string{"title": "must not be empty"})
	}
	p, err := s.Get(ctx, in.PartnershipID, in.UserID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusActive && p.Status != StatusPaused {
		return nil, errs.Conflict("goals require an established partnership")
	}
	g := &Goal{
		ID:            uuid.NewString(),
		PartnershipID: in.PartnershipID,
		Title:         in.Title,
		Description:   in.Description,
		Status:        GoalInProgress,
		CreatedBy:     in.UserID,
		CreatedAt:     s.clk.Now(),
	}
	if in.TargetDate > 0 {
		g.TargetDate = unixTime(in.TargetDate)
	}
	if err := s.goals.CreateGoal(ctx, g); err != nil {
		return nil, err
	}
	s.publishGoal(ctx, g, KindGoalProgress)
	return g, nil
}

// UpdateGoalProgress sets manual progress. Progress is monotonic:
// lowering it requires allowRegression. Reaching 100 completes the
// goal; completion is one-way.
func (s *Service) UpdateGoalProgress(ctx context.Context, goalID, userID string, progressPct int, allowRegression bool) (*Goal, error) {
	if progressPct < 0 || progressPct > 100 {
		return nil, errs.ValidationFields("invalid progress", map[string]string{"progressPct": "must be between 0 and 100"})
	}
	for attempt := 0; ; attempt++ {
		g, err := s.goals.GetGoal(ctx, goalID)
		if err != nil {
			return nil, err
		}
		p, err := s.Get(ctx, g.PartnershipID, userID)
		if err != nil {
			return nil, err
		}
		if g.Status == GoalCompleted || g.Status == GoalCancelled {
			return nil, errs.Conflict("goal is already finalized")
		}
		if progressPct < g.ProgressPct && !allowRegression {
			return nil, errs.Conflict("progress cannot decrease")
		}
		g.ProgressPct = progressPct
		kind := KindGoalProgress
		if progressPct == 100 {
			now := s.clk.Now()
			g.Status = GoalCompleted
			g.CompletedAt = &now
			kind = KindGoalCompleted
		}
		if err := s.goals.UpdateGoal(ctx, g); err != nil {
			if errs.IsKind(err, errs.KindConflict) && attempt == 0 {
				continue
			}
			return nil, err
		}
		s.publishGoal(ctx, g, kind)
		if kind == KindGoalCompleted {
			s.refreshHealth(ctx, p, userID, KindGoalCompleted)
		}
		return g, nil
	}
}

// CancelGoal marks a goal CANCELLED. Cancelled goals stop counting
// toward the health score.
func (s *Service) CancelGoal(ctx context.Context, goalID, userID string) (*Goal, error) {
	g, err := s.goals.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, g.PartnershipID, userID); err != nil {
		return nil, err
	}
	if g.Status == GoalCancelled {
		return g, nil
	}
	if g.Status == GoalCompleted {
		return nil, errs.Conflict("completed goals cannot be cancelled")
	}
	g.Status = GoalCancelled
	if err := s.goals.UpdateGoal(ctx, g); err != nil {
		return nil, err
	}
	s.publishGoal(ctx, g, KindGoalProgress)
	return g, nil
}

// DeleteGoal removes a goal and, by repo contract, its milestones.
func (s *Service) DeleteGoal(ctx context.Context, goalID, userID string) error {
	g, err := s.goals.GetGoal(ctx, goalID)
	if err != nil {
		return err
	}
	if _, err := s.Get(ctx, g.PartnershipID, userID); err != nil {
		return err
	}
	return s.goals.DeleteGoal(ctx, goalID)
}

// Goals lists a partnership's goals for a member.
func (s *Service) Goals(ctx context.Context, partnershipID, userID string) ([]*Goal, error) {
	if _, err := s.Get(ctx, partnershipID, userID); err != nil {
		return nil, err
	}
	return s.goals.ListGoals(ctx, partnershipID)
}

// AddMilestone appends a milestone to an open goal.
func (s *Service) AddMilestone(ctx context.Context, goalID, userID, title string, targetDate int64) (*Milestone, error) {
	if title == "" {
		return nil, errs.ValidationFields("invalid milestone", map[string]string{"title": "must not be empty"})
	}
	g, err := s.goals.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, g.PartnershipID, userID); err != nil {
		return nil, err
	}
	if g.Status == GoalCompleted || g.Status == GoalCancelled {
		return nil, errs.Conflict("goal is already finalized")
	}
	existing, err := s.goals.ListMilestones(ctx, goalID)
	if err != nil {
		return nil, err
	}
	m := &Milestone{
		ID:      uuid.NewString(),
		GoalID:  goalID,
		Title:   title,
		Ordinal: len(existing) + 1,
	}
	if targetDate > 0 {
		m.TargetDate = unixTime(targetDate)
	}
	if err := s.goals.CreateMilestone(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// CompleteMilestone marks a milestone done and re-derives the goal's
// progress as floor(completed*100/total). Derived progress never
// lowers manual progress. Completing the last milestone completes the
// goal. Idempotent per milestone.
func (s *Service) CompleteMilestone(ctx context.Context, milestoneID, userID string) (*Goal, error) {
	m, err := s.goals.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	g, err := s.goals.GetGoal(ctx, m.GoalID)
	if err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, g.PartnershipID, userID)
	if err != nil {
		return nil, err
	}
	if m.CompletedAt == nil {
		now := s.clk.Now()
		m.CompletedAt = &now
		m.CompletedBy = userID
		if err := s.goals.UpdateMilestone(ctx, m); err != nil {
			return nil, err
		}
		s.publishMilestone(ctx, g, m)
		s.notifier.Send(ctx, notify.Notification{
			UserID: p.PartnerOf(userID),
			Kind:   "milestone_reached",
			Payload: map[string]any{
				"partnershipId": g.PartnershipID,
				"goalId":        g.ID,
				"milestoneId":   m.ID,
				"title":         m.Title,
			},
		})
	}

	all, err := s.goals.ListMilestones(ctx, m.GoalID)
	if err != nil {
		return nil, err
	}
	done := 0
	for _, ms := range all {
		if ms.CompletedAt != nil {
			done++
		}
	}
	derived := done * 100 / len(all)
	if derived <= g.ProgressPct && g.Status != GoalInProgress {
		return g, nil
	}
	if derived > g.ProgressPct {
		g.ProgressPct = derived
	}
	kind := KindGoalProgress
	if g.ProgressPct == 100 && g.Status == GoalInProgress {
		now := s.clk.Now()
		g.Status = GoalCompleted
		g.CompletedAt = &now
		kind = KindGoalCompleted
	}
	if err := s.goals.UpdateGoal(ctx, g); err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			// The milestone is recorded; progress converges on the next write.
			s.log.Warn("goal progress conflict after milestone", zap.String("goal", g.ID))
			return s.goals.GetGoal(ctx, g.ID)
		}
		return nil, err
	}
	s.publishGoal(ctx, g, kind)
	if kind == KindGoalCompleted {
		s.refreshHealth(ctx, p, userID, KindGoalCompleted)
	}
	return g, nil
}

func (s *Service) publishGoal(ctx context.Context, g *Goal, kind bus.Kind) {
	topic := bus.PartnershipTopic(g.PartnershipID)
	delta, err := bus.New(topic, s.seq.Next(topic), kind, GoalDelta{
		PartnershipID: g.PartnershipID,
		GoalID:        g.ID,
		ProgressPct:   g.ProgressPct,
		Status:        g.Status,
	}, s.clk.Now())
	if err != nil {
		s.log.Error("encode goal delta", zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, delta); err != nil {
		s.log.Warn("publish goal delta", zap.String("goal", g.ID), zap.Error(err))
	}
}

func (s *Service) publishMilestone(ctx context.Context, g *Goal, m *Milestone) {
	topic := bus.PartnershipTopic(g.PartnershipID)
	delta, err := bus.New(topic, s.seq.Next(topic), KindMilestoneCompleted, GoalDelta{
		PartnershipID: g.PartnershipID,
		GoalID:        g.ID,
		ProgressPct:   g.ProgressPct,
		Status:        g.Status,
		MilestoneID:   m.ID,
	}, s.clk.Now())
	if err != nil {
		s.log.Error("encode milestone delta", zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, delta); err != nil {
		s.log.Warn("publish milestone delta", zap.String("milestone", m.ID), zap.Error(err))
	}
}
