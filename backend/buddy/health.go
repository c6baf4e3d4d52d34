package buddy

import (
	"context"
	"time"
)

// Health score weights: check-in completion carries the most signal,
// mood, streak momentum, and goal progress split the rest evenly.
const (
	hwCompletion = 0.40
	hwMood       = 0.20
	hwStreak     = 0.20
	hwGoals      = 0.20

	moodWindow      = 7 * 24 * time.Hour
	streakSaturated = 14 // days at which the streak component maxes out
)

// healthScore blends the partnership signals into [0,1].
//
// completion is the average of both partners' daily completion rates,
// mood averages the last seven days of check-ins mapped to the 1..10
// scale, streak uses the stronger partner's current daily streak, and
// goalTrend is the mean progress across non-cancelled goals (neutral
// 0.5 when the partnership has no goals yet).
func healthScore(completion, moodAvg float64, streak int, goalTrend float64) float64 {
	streakPart := float64(streak) / streakSaturated
	if streakPart > 1 {
		streakPart = 1
	}
	score := hwCompletion*completion + hwMood*moodAvg/10 + hwStreak*streakPart + hwGoals*goalTrend
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// recomputeHealth derives the current health score for p from stored
// check-ins and goals. Pure read path; the caller persists the result.
func (s *Service) recomputeHealth(ctx context.Context, p *Partnership) (float64, error) {
	now := s.clk.Now()
	activeFrom := p.CreatedAt
	if p.StartedAt != nil {
		activeFrom = *p.StartedAt
	}

	var completion float64
	var bestStreak int
	for _, userID := range []string{p.User1ID, p.User2ID} {
		cs, err := s.checkins.ListCheckins(ctx, p.ID, userID, activeFrom, now)
		if err != nil {
			return 0, err
		}
		completion += completionRate(cs, activeFrom, now, s.loc) / 2
		if st := currentDailyStreak(cs, now, s.loc, s.cfg.CheckinGapSlack); st > bestStreak {
			bestStreak = st
		}
	}

	recent, err := s.checkins.ListCheckinsSince(ctx, p.ID, now.Add(-moodWindow))
	if err != nil {
		return 0, err
	}
	moodAvg := 5.0
	if len(recent) > 0 {
		sum := 0
		for _, c := range recent {
			sum += c.Mood.Score()
		}
		moodAvg = float64(sum) / float64(len(recent))
	}

	goals, err := s.goals.ListGoals(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	goalTrend := 0.5
	counted, progress := 0, 0
	for _, g := range goals {
		if g.Status == GoalCancelled {
			continue
		}
		counted++
		progress += g.ProgressPct
	}
	if counted > 0 {
		goalTrend = float64(progress) / float64(counted*100)
	}

	return healthScore(completion, moodAvg, bestStreak, goalTrend), nil
}
