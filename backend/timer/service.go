package timer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/bus"
	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/observability"
)

// SessionRepo is the persistence contract for sessions. Update applies
// optimistic versioning: it succeeds only when the stored version equals
// the session's and increments it, otherwise errs.Conflict.
type SessionRepo interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListRunningSessions(ctx context.Context) ([]*Session, error)
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
}

// Service is the timer core.
type Service struct {
	repo      SessionRepo
	templates TemplateRepo
	pub       bus.Publisher
	seq       *bus.Sequencer
	sched     clock.Scheduler
	clk       clock.Clock
	cfg       config.Timer
	logger    *zap.Logger
}

func NewService(repo SessionRepo, templates TemplateRepo, pub bus.Publisher, seq *bus.Sequencer,
	sched clock.Scheduler, clk clock.Clock, cfg config.Timer, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		templates: templates,
		pub:       pub,
		seq:       seq,
		sched:     sched,
		clk:       clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// StartInput describes a new session. DurationSec may be omitted when a
// template supplies the focus length.
type StartInput struct {
	UserID      string
	HiveID      string
	TemplateID  string
	Type        Type
	DurationSec int
}

// Start creates a RUNNING session and schedules its expiry.
func (s *Service) Start(ctx context.Context, in StartInput) (*Session, error) {
	if in.UserID == "" {
		return nil, errs.ValidationFields("invalid session", map[string]string{"userId": "required"})
	}
	if in.Type == "" {
		in.Type = TypeIndividual
	}
	if in.Type == TypeHiveShared && in.HiveID == "" {
		return nil, errs.ValidationFields("invalid session", map[string]string{"hiveId": "required for hive-shared sessions"})
	}

	duration := in.DurationSec
	if in.TemplateID != "" {
		tpl, err := s.templates.GetTemplate(ctx, in.TemplateID)
		if err != nil {
			return nil, err
		}
		if duration == 0 {
			duration = tpl.FocusSec
		}
	}
	if duration <= 0 || duration > int(s.cfg.MaxDuration.Seconds()) {
		return nil, errs.ValidationFields("invalid session", map[string]string{"durationSec": "out of range"})
	}

	now := s.clk.Now()
	session := &Session{
		ID:                 uuid.NewString(),
		UserID:             in.UserID,
		HiveID:             in.HiveID,
		TemplateID:         in.TemplateID,
		Type:               in.Type,
		State:              StateRunning,
		PlannedDurationSec: duration,
		RemainingSec:       duration,
		StartedAt:          now,
		ExpiresAt:          now.Add(time.Duration(duration) * time.Second),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.scheduleExpiry(session)
	observability.TimerTransitions.WithLabelValues(string(StateRunning)).Inc()
	s.publish(ctx, session, KindStarted)
	return session, nil
}

// Pause freezes a RUNNING session, capturing the remainder.
func (s *Service) Pause(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := s.authorized(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StateRunning {
		return nil, errs.Validation("cannot pause a %s session", session.State)
	}
	now := s.clk.Now()
	session.RemainingSec = session.remainingAt(now)
	session.State = StatePaused
	session.PausedAt = &now
	session.ResumesAt = nil
	session.PauseCount++
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	s.sched.Cancel(expiryKey(session.ID))
	observability.TimerTransitions.WithLabelValues(string(StatePaused)).Inc()
	s.publish(ctx, session, KindPaused)
	return session, nil
}

// Resume re-enters RUNNING with the preserved remainder.
func (s *Service) Resume(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := s.authorized(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.State != StatePaused {
		return nil, errs.Validation("cannot resume a %s session", session.State)
	}
	now := s.clk.Now()
	session.State = StateRunning
	session.ResumesAt = &now
	session.PausedAt = nil
	session.ExpiresAt = now.Add(time.Duration(session.RemainingSec) * time.Second)
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	s.scheduleExpiry(session)
	observability.TimerTransitions.WithLabelValues(string(StateRunning)).Inc()
	s.publish(ctx, session, KindResumed)
	return session, nil
}

// Cancel terminates a RUNNING or PAUSED session without scoring it as
// finished work.
func (s *Service) Cancel(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := s.authorized(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Terminal() {
		return nil, errs.Validation("session already %s", session.State)
	}
	now := s.clk.Now()
	session.RemainingSec = session.remainingAt(now)
	session.State = StateCancelled
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	s.sched.Cancel(expiryKey(session.ID))
	observability.TimerTransitions.WithLabelValues(string(StateCancelled)).Inc()
	s.publish(ctx, session, KindCancelled)
	return session, nil
}

// Complete finishes the session now. It lands on COMPLETED only when
// the planned focus time was fully consumed, otherwise EXPIRED.
func (s *Service) Complete(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := s.authorized(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Terminal() {
		return session, nil
	}
	return s.finalize(ctx, session)
}

// RecordDistraction bumps the distraction counter of a live session.
func (s *Service) RecordDistraction(ctx context.Context, sessionID, userID string) error {
	session, err := s.authorized(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if session.Terminal() {
		return errs.Validation("session already %s", session.State)
	}
	session.DistractionCount++
	return s.repo.UpdateSession(ctx, session)
}

// Get fetches a session.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// handleExpiry fires at ExpiresAt. At-least-once: the state is re-read
// because another node may have paused, cancelled or already completed.
func (s *Service) handleExpiry(ctx context.Context, sessionID string) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("expiry fire: session read failed",
			zap.String("session", sessionID), zap.Error(err))
		return
	}
	if session.Terminal() || session.State == StatePaused {
		return // duplicate fire or concurrent transition: no-op
	}
	now := s.clk.Now()
	if session.ExpiresAt.After(now) {
		// Paused and resumed elsewhere; push the task out.
		s.scheduleExpiry(session)
		return
	}
	if _, err := s.finalize(ctx, session); err != nil && !errs.IsKind(err, errs.KindConflict) {
		s.logger.Warn("expiry finalize failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// finalize moves a live session to COMPLETED or EXPIRED and scores it.
func (s *Service) finalize(ctx context.Context, session *Session) (*Session, error) {
	now := s.clk.Now()
	session.RemainingSec = session.remainingAt(now)
	elapsed := session.PlannedDurationSec - session.RemainingSec
	score := productivityScore(elapsed, session.PlannedDurationSec,
		session.DistractionCount, session.PauseCount)
	session.ProductivityScore = &score
	if elapsed >= session.PlannedDurationSec {
		session.State = StateCompleted
	} else {
		session.State = StateExpired
	}
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			// Another node finalized concurrently. Terminal state is
			// already durable; duplicate completion is rejected.
			if current, gerr := s.repo.GetSession(ctx, session.ID); gerr == nil && current.Terminal() {
				return current, nil
			}
		}
		return nil, err
	}
	s.sched.Cancel(expiryKey(session.ID))
	observability.TimerTransitions.WithLabelValues(string(session.State)).Inc()
	observability.ProductivityScore.Observe(float64(score))
	kind := KindCompleted
	if session.State == StateExpired {
		kind = KindExpired
	}
	s.publish(ctx, session, kind)
	return session, nil
}

// Reconcile restores scheduling after a restart and completes any
// RUNNING session whose expiry already passed. Multiple nodes can race
// here; finalize is idempotent.
func (s *Service) Reconcile(ctx context.Context) error {
	running, err := s.repo.ListRunningSessions(ctx)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	for _, session := range running {
		if session.ExpiresAt.After(now) {
			s.scheduleExpiry(session)
			continue
		}
		if _, err := s.finalize(ctx, session); err != nil {
			s.logger.Warn("reconcile finalize failed",
				zap.String("session", session.ID), zap.Error(err))
		}
	}
	return nil
}

// Run performs the startup reconciliation and then repeats it on the
// configured interval until ctx cancels.
func (s *Service) Run(ctx context.Context) {
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("startup reconciliation failed", zap.Error(err))
	}
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Warn("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// scheduleExpiry is idempotent: the same session key replaces any prior
// task.
func (s *Service) scheduleExpiry(session *Session) {
	id := session.ID
	s.sched.Schedule(expiryKey(id), session.ExpiresAt, func() {
		s.handleExpiry(context.Background(), id)
	})
}

func (s *Service) authorized(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Hive-shared sessions are driven by any member; membership is
	// enforced at the collaborator layer.
	if session.Type == TypeIndividual && session.UserID != userID {
		return nil, errs.Authorization("session %s is not owned by %s", sessionID, userID)
	}
	return session, nil
}

func (s *Service) publish(ctx context.Context, session *Session, kind bus.Kind) {
	topic := session.Topic()
	d, err := bus.New(topic, s.seq.Next(topic), kind, DeltaPayload{
		SessionID:         session.ID,
		UserID:            session.UserID,
		HiveID:            session.HiveID,
		Type:              session.Type,
		State:             session.State,
		RemainingSec:      session.RemainingSec,
		ExpiresAt:         session.ExpiresAt,
		ProductivityScore: session.ProductivityScore,
	}, s.clk.Now())
	if err != nil {
		s.logger.Error("timer delta build failed", zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, d); err != nil {
		s.logger.Warn("post-commit timer delta publish failed",
			zap.String("session", session.ID), zap.Error(err))
	}
}

func expiryKey(sessionID string) string { return "timer-expiry:" + sessionID }
