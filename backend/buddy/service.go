package buddy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/bus"
	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/notify"
	"github.com/focushive/focushive/backend/observability"
)

// Service orchestrates the partnership engine. Lifecycle writes go
// through optimistic versioning; a stale write is retried once against
// a fresh read before a Conflict reaches the caller.
type Service struct {
	partnerships PartnershipRepo
	checkins     CheckinRepo
	goals        GoalRepo
	profiles     ProfileSource
	pub          bus.Publisher
	seq          *bus.Sequencer
	notifier     *notify.Client
	clk          clock.Clock
	cfg          config.Partnership
	loc          *time.Location
	log          *zap.Logger
}

func NewService(
	partnerships PartnershipRepo,
	checkins CheckinRepo,
	goals GoalRepo,
	profiles ProfileSource,
	pub bus.Publisher,
	seq *bus.Sequencer,
	notifier *notify.Client,
	clk clock.Clock,
	cfg config.Partnership,
	log *zap.Logger,
) *Service {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Service{
		partnerships: partnerships,
		checkins:     checkins,
		goals:        goals,
		profiles:     profiles,
		pub:          pub,
		seq:          seq,
		notifier:     notifier,
		clk:          clk,
		cfg:          cfg,
		loc:          loc,
		log:          log.Named("buddy"),
	}
}

// Request creates a PENDING partnership from fromUserID to toUserID.
// At most one non-ENDED partnership may exist per unordered pair.
func (s *Service) Request(ctx context.Context, fromUserID, toUserID string) (*Partnership, error) {
	if fromUserID == toUserID {
		return nil, errs.Validation("cannot partner with yourself")
	}
	if _, err := s.partnerships.FindActiveByPair(ctx, fromUserID, toUserID); err == nil {
		return nil, errs.Conflict("partnership already exists for this pair")
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}

	now := s.clk.Now()
	p := &Partnership{
		ID:                uuid.NewString(),
		User1ID:           fromUserID,
		User2ID:           toUserID,
		Status:            StatusPending,
		LastInteractionAt: now,
		CreatedAt:         now,
	}
	if me, err := s.profiles.Profile(ctx, fromUserID); err == nil {
		if other, err := s.profiles.Profile(ctx, toUserID); err == nil {
			p.CompatibilityScore = CompatibilityScore(me, other)
		}
	}
	if err := s.partnerships.CreatePartnership(ctx, p); err != nil {
		return nil, err
	}
	observability.PartnershipTransitions.WithLabelValues(string(StatusPending)).Inc()
	s.publish(ctx, p, KindRequested, fromUserID)
	s.notifier.Send(ctx, notify.Notification{
		UserID: toUserID,
		Kind:   "partnership_request",
		Payload: map[string]any{
			"partnershipId": p.ID,
			"fromUserId":    fromUserID,
		},
	})
	return p, nil
}

// Accept transitions PENDING to ACTIVE. Only the invited side may
// accept. Accepting an already ACTIVE partnership is a no-op.
func (s *Service) Accept(ctx context.Context, partnershipID, userID string) (*Partnership, error) {
	return s.transition(ctx, partnershipID, userID, func(p *Partnership) (bus.Kind, error) {
		if p.Status == StatusActive {
			return "", nil
		}
		if p.Status != StatusPending {
			return "", errs.Conflict(fmt.Sprintf("cannot accept a %s partnership", p.Status))
		}
		if p.User2ID != userID {
			return "", errs.Validation("only the invited user can accept")
		}
		now := s.clk.Now()
		p.Status = StatusActive
		p.StartedAt = &now
		return KindAccepted, nil
	})
}

// Reject ends a PENDING partnership. Only the invited side may reject.
func (s *Service) Reject(ctx context.Context, partnershipID, userID string) (*Partnership, error) {
	return s.transition(ctx, partnershipID, userID, func(p *Partnership) (bus.Kind, error) {
		if p.Status == StatusEnded && p.EndReason == EndReasonRejected {
			return "", nil
		}
		if p.Status != StatusPending {
			return "", errs.Conflict(fmt.Sprintf("cannot reject a %s partnership", p.Status))
		}
		if p.User2ID != userID {
			return "", errs.Validation("only the invited user can reject")
		}
		s.end(p, EndReasonRejected)
		return KindEnded, nil
	})
}

// Pause suspends an ACTIVE partnership. Idempotent on PAUSED.
func (s *Service) Pause(ctx context.Context, partnershipID, userID string) (*Partnership, error) {
	return s.transition(ctx, partnershipID, userID, func(p *Partnership) (bus.Kind, error) {
		if p.Status == StatusPaused {
			return "", nil
		}
		if p.Status != StatusActive {
			return "", errs.Conflict(fmt.Sprintf("cannot pause a %s partnership", p.Status))
		}
		p.Status = StatusPaused
		return KindPaused, nil
	})
}

// Resume reactivates a PAUSED partnership. Idempotent on ACTIVE.
func (s *Service) Resume(ctx context.Context, partnershipID, userID string) (*Partnership, error) {
	return s.transition(ctx, partnershipID, userID, func(p *Partnership) (bus.Kind, error) {
		if p.Status == StatusActive {
			return "", nil
		}
		if p.Status != StatusPaused {
			return "", errs.Conflict(fmt.Sprintf("cannot resume a %s partnership", p.Status))
		}
		p.Status = StatusActive
		return KindResumed, nil
	})
}

// End terminates the partnership. Either partner may end from any
// non-terminal status; ENDED never re-activates.
func (s *Service) End(ctx context.Context, partnershipID, userID, reason string) (*Partnership, error) {
	return s.transition(ctx, partnershipID, userID, func(p *Partnership) (bus.Kind, error) {
		if p.Status == StatusEnded {
			return "", nil
		}
		s.end(p, reason)
		return KindEnded, nil
	})
}

func (s *Service) end(p *Partnership, reason string) {
	now := s.clk.Now()
	p.Status = StatusEnded
	p.EndedAt = &now
	p.EndReason = reason
	if p.StartedAt != nil {
		p.DurationDays = calendarDays(dateOf(*p.StartedAt, s.loc), dateOf(now, s.loc)) - 1
	}
}

// transition loads, mutates, and persists with a single transparent
// retry on version conflict. A mutate returning an empty kind means
// the call was an idempotent no-op.
func (s *Service) transition(ctx context.Context, partnershipID, userID string, mutate func(*Partnership) (bus.Kind, error)) (*Partnership, error) {
	for attempt := 0; ; attempt++ {
		p, err := s.partnerships.GetPartnership(ctx, partnershipID)
		if err != nil {
			return nil, err
		}
		if !p.Involves(userID) {
			return nil, errs.NotFound("partnership not found")
		}
		kind, err := mutate(p)
		if err != nil {
			return nil, err
		}
		if kind == "" {
			return p, nil
		}
		p.LastInteractionAt = s.clk.Now()
		if err := s.partnerships.UpdatePartnership(ctx, p); err != nil {
			if errs.IsKind(err, errs.KindConflict) && attempt == 0 {
				continue
			}
			return nil, err
		}
		observability.PartnershipTransitions.WithLabelValues(string(p.Status)).Inc()
		s.publish(ctx, p, kind, userID)
		s.notifyPartner(ctx, p, userID, kind)
		return p, nil
	}
}

func (s *Service) notifyPartner(ctx context.Context, p *Partnership, actor string, kind bus.Kind) {
	switch kind {
	case KindAccepted, KindPaused, KindResumed, KindEnded:
	default:
		return
	}
	s.notifier.Send(ctx, notify.Notification{
		UserID: p.PartnerOf(actor),
		Kind:   fmt.Sprintf("partnership_%s", p.Status),
		Payload: map[string]any{
			"partnershipId": p.ID,
			"status":        string(p.Status),
		},
	})
}

// Get returns the partnership if userID is a member.
func (s *Service) Get(ctx context.Context, partnershipID, userID string) (*Partnership, error) {
	p, err := s.partnerships.GetPartnership(ctx, partnershipID)
	if err != nil {
		return nil, err
	}
	if !p.Involves(userID) {
		return nil, errs.NotFound("partnership not found")
	}
	return p, nil
}

// CheckinInput carries one self-report.
type CheckinInput struct {
	PartnershipID      string
	UserID             string
	Kind               CheckinKind
	Content            string
	Mood               Mood
	ProductivityRating *int
}

// CheckIn records a self-report on an ACTIVE partnership, refreshes
// the health score, and publishes CHECKIN_RECORDED.
func (s *Service) CheckIn(ctx context.Context, in CheckinInput) (*Checkin, error) {
	switch in.Mood {
	case "", MoodMotivated, MoodFocused, MoodStressed, MoodTired,
		MoodExcited, MoodNeutral, MoodFrustrated, MoodAccomplished:
	default:
		return nil, errs.ValidationFields("invalid check-in", map[string]string{"mood": "unknown mood"})
	}
	if in.ProductivityRating != nil && (*in.ProductivityRating < 1 || *in.ProductivityRating > 10) {
		return nil, errs.ValidationFields("invalid check-in", map[string]string{"productivityRating": "must be between 1 and 10"})
	}
	p, err := s.Get(ctx, in.PartnershipID, in.UserID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusActive {
		return nil, errs.Conflict("check-ins require an active partnership")
	}

	mood := in.Mood
	if mood == "" {
		mood = MoodNeutral
	}
	c := &Checkin{
		ID:                 uuid.NewString(),
		PartnershipID:      in.PartnershipID,
		UserID:             in.UserID,
		Kind:               in.Kind,
		Content:            in.Content,
		Mood:               mood,
		ProductivityRating: in.ProductivityRating,
		CreatedAt:          s.clk.Now(),
	}
	if err := s.checkins.CreateCheckin(ctx, c); err != nil {
		return nil, err
	}
	observability.CheckinsRecorded.WithLabelValues(string(c.Kind)).Inc()

	s.refreshHealth(ctx, p, in.UserID, KindCheckinRecorded)
	return c, nil
}

// refreshHealth recomputes and persists the health score, tolerating a
// single version conflict. Health is derived state; losing a refresh
// is logged, not surfaced.
func (s *Service) refreshHealth(ctx context.Context, p *Partnership, actor string, kind bus.Kind) {
	for attempt := 0; attempt < 2; attempt++ {
		score, err := s.recomputeHealth(ctx, p)
		if err != nil {
			s.log.Warn("health recompute failed", zap.String("partnership", p.ID), zap.Error(err))
			return
		}
		p.HealthScore = score
		p.LastInteractionAt = s.clk.Now()
		err = s.partnerships.UpdatePartnership(ctx, p)
		if err == nil {
			s.publish(ctx, p, kind, actor)
			return
		}
		if errs.IsKind(err, errs.KindConflict) {
			fresh, gerr := s.partnerships.GetPartnership(ctx, p.ID)
			if gerr != nil {
				return
			}
			p = fresh
			continue
		}
		s.log.Warn("health persist failed", zap.String("partnership", p.ID), zap.Error(err))
		return
	}
}

// Streaks reports one user's check-in cadence as of now.
func (s *Service) Streaks(ctx context.Context, partnershipID, userID string, asOf time.Time) (*StreakReport, error) {
	p, err := s.Get(ctx, partnershipID, userID)
	if err != nil {
		return nil, err
	}
	activeFrom := p.CreatedAt
	if p.StartedAt != nil {
		activeFrom = *p.StartedAt
	}
	cs, err := s.checkins.ListCheckins(ctx, partnershipID, userID, activeFrom, asOf)
	if err != nil {
		return nil, err
	}
	return &StreakReport{
		CurrentDaily:   currentDailyStreak(cs, asOf, s.loc, s.cfg.CheckinGapSlack),
		CurrentWeekly:  currentWeeklyStreak(cs, asOf, s.loc),
		LongestDaily:   longestDailyStreak(cs, s.loc),
		MissedDays:     missedDays(cs, activeFrom, asOf, s.loc),
		CompletionRate: completionRate(cs, activeFrom, asOf, s.loc),
	}, nil
}

// ExpirePending ends PENDING partnerships older than the configured
// TTL. A request created exactly at the cutoff expires too.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	cutoff := s.clk.Now().Add(-s.cfg.PendingTTL)
	pending, err := s.partnerships.ListPendingCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range pending {
		if p.CreatedAt.After(cutoff) {
			continue
		}
		s.end(p, EndReasonRequestExpired)
		if err := s.partnerships.UpdatePartnership(ctx, p); err != nil {
			if errs.IsKind(err, errs.KindConflict) {
				continue // someone accepted or ended concurrently
			}
			return expired, err
		}
		expired++
		observability.PartnershipTransitions.WithLabelValues(string(StatusEnded)).Inc()
		s.publish(ctx, p, KindEnded, "")
	}
	return expired, nil
}

// Run sweeps expired pending requests until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpirePending(ctx); err != nil {
				s.log.Warn("pending expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("expired pending partnerships", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, p *Partnership, kind bus.Kind, actor string) {
	topic := bus.PartnershipTopic(p.ID)
	delta, err := bus.New(topic, s.seq.Next(topic), kind, PartnershipDelta{
		PartnershipID: p.ID,
		Status:        p.Status,
		HealthScore:   p.HealthScore,
		ActorUserID:   actor,
	}, s.clk.Now())
	if err != nil {
		s.log.Error("encode partnership delta", zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, delta); err != nil {
		s.log.Warn("publish partnership delta", zap.String("partnership", p.ID), zap.Error(err))
	}
}
