package buddy_test

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/buddy"
	"github.com/focushive/focushive/backend/bus"
	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/notify"
	"github.com/focushive/focushive/backend/repo"
	"github.com/focushive/focushive/backend/resilience"
)

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*buddy.Profile
}

func (f *fakeProfiles) add(p *buddy.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profiles == nil {
		f.profiles = make(map[string]*buddy.Profile)
	}
	f.profiles[p.UserID] = p
}

func (f *fakeProfiles) Profile(ctx context.Context, userID string) (*buddy.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, errs.NotFound("profile not found")
	}
	return p, nil
}

func (f *fakeProfiles) Candidates(ctx context.Context, userID string, limit int) ([]*buddy.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*buddy.Profile
	for _, p := range f.profiles {
		if p.UserID == userID {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingSender) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSender) notifications() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

func (r *recordingSender) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type buddyEnv struct {
	svc      *buddy.Service
	repo     *repo.MemoryPartnerships
	profiles *fakeProfiles
	sender   *recordingSender
	clk      *clock.Fake
	bus      *bus.Bus
}

func newBuddyEnv(t *testing.T) *buddyEnv {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	b := bus.NewBus(zap.NewNop(), 128)
	r := repo.NewMemoryPartnerships()
	profiles := &fakeProfiles{}
	sender := &recordingSender{}
	fabric := resilience.New(config.Dependency{
		Name: "notification-test", WindowSize: 100, FailureRate: 0.99,
		SlowRate: 0.99, SlowCallAfter: time.Minute, OpenWait: time.Second,
		HalfOpenProbes: 1, RetryAttempts: 1, MaxConcurrent: 100,
		Timeout: time.Second, RatePerSec: 10000, RateBurst: 1000,
	}, nil, zap.NewNop())
	notifier := notify.NewClient(fabric, sender, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go notifier.Run(ctx)
	t.Cleanup(cancel)
	cfg := config.Partnership{PendingTTL: 72 * time.Hour, Timezone: "UTC"}
	return &buddyEnv{
		svc:      buddy.NewService(r, r, r, profiles, b, bus.NewSequencer(), notifier, clk, cfg, zap.NewNop()),
		repo:     r,
		profiles: profiles,
		sender:   sender,
		clk:      clk,
		bus:      b,
	}
}

func (e *buddyEnv) activePair(t *testing.T, a, b string) *buddy.Partnership {
	t.Helper()
	p, err := e.svc.Request(context.Background(), a, b)
	require.NoError(t, err)
	p, err = e.svc.Accept(context.Background(), p.ID, b)
	require.NoError(t, err)
	return p
}

func pumpKinds(sub *bus.Subscription) []bus.Kind {
	var out []bus.Kind
	for {
		select {
		case d := <-sub.C():
			out = append(out, d.Kind)
		default:
			return out
		}
	}
}

func TestRequestAcceptLifecycle(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	env.profiles.add(&buddy.Profile{UserID: "alice", FocusAreas: []string{"deep-work"}, SkillLevel: 3})
	env.profiles.add(&buddy.Profile{UserID: "bob", FocusAreas: []string{"deep-work"}, SkillLevel: 3})

	p, err := env.svc.Request(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, buddy.StatusPending, p.Status)
	require.Greater(t, p.CompatibilityScore, 0.0)
	require.Nil(t, p.StartedAt)
	require.Eventually(t, func() bool {
		return reflect.DeepEqual([]string{"partnership_request"}, env.sender.kinds())
	}, 2*time.Second, 5*time.Millisecond, "invite notification is delivered off the caller's goroutine")

	sub := env.bus.Subscribe(bus.PartnershipTopic(p.ID))
	defer sub.Cancel()

	p, err = env.svc.Accept(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, buddy.StatusActive, p.Status)
	require.NotNil(t, p.StartedAt)
	require.Equal(t, []bus.Kind{buddy.KindAccepted}, pumpKinds(sub))
	require.Eventually(t, func() bool {
		return reflect.DeepEqual([]string{"partnership_request", "partnership_ACTIVE"}, env.sender.kinds())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOnlyInvitedSideAccepts(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()

	p, err := env.svc.Request(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = env.svc.Accept(ctx, p.ID, "alice")
	require.True(t, errs.IsKind(err, errs.KindValidation))
	_, err = env.svc.Reject(ctx, p.ID, "alice")
	require.True(t, errs.IsKind(err, errs.KindValidation))

	// Outsiders never learn the partnership exists.
	_, err = env.svc.Accept(ctx, p.ID, "mallory")
	require.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestAcceptIsIdempotent(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	sub := env.bus.Subscribe(bus.PartnershipTopic(p.ID))
	defer sub.Cancel()

	again, err := env.svc.Accept(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, buddy.StatusActive, again.Status)
	require.Empty(t, pumpKinds(sub))
}

func TestSelfPartnershipRejected(t *testing.T) {
	env := newBuddyEnv(t)
	_, err := env.svc.Request(context.Background(), "alice", "alice")
	require.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestPairUniqueness(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()

	p, err := env.svc.Request(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = env.svc.Request(ctx, "alice", "bob")
	require.True(t, errs.IsKind(err, errs.KindConflict))
	// The pair is unordered.
	_, err = env.svc.Request(ctx, "bob", "alice")
	require.True(t, errs.IsKind(err, errs.KindConflict))

	// An ended partnership frees the pair.
	_, err = env.svc.End(ctx, p.ID, "alice", "changed my mind")
	require.NoError(t, err)
	_, err = env.svc.Request(ctx, "bob", "alice")
	require.NoError(t, err)
}

func TestEndedNeverReactivates(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	_, err := env.svc.End(ctx, p.ID, "bob", "moving on")
	require.NoError(t, err)

	_, err = env.svc.Accept(ctx, p.ID, "bob")
	require.True(t, errs.IsKind(err, errs.KindConflict))
	_, err = env.svc.Resume(ctx, p.ID, "alice")
	require.True(t, errs.IsKind(err, errs.KindConflict))

	// Ending again is a no-op.
	again, err := env.svc.End(ctx, p.ID, "alice", "still over")
	require.NoError(t, err)
	require.Equal(t, "moving on", again.EndReason)
}

func TestRejectEndsPending(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()

	p, err := env.svc.Request(ctx, "alice", "bob")
	require.NoError(t, err)

	p, err = env.svc.Reject(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, buddy.StatusEnded, p.Status)
	require.Equal(t, buddy.EndReasonRejected, p.EndReason)

	// Repeat rejection is a no-op.
	_, err = env.svc.Reject(ctx, p.ID, "bob")
	require.NoError(t, err)
}

func TestPauseResume(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	p, err := env.svc.Pause(ctx, p.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, buddy.StatusPaused, p.Status)

	// Pausing a paused partnership is a no-op; resuming flips it back.
	_, err = env.svc.Pause(ctx, p.ID, "bob")
	require.NoError(t, err)
	p, err = env.svc.Resume(ctx, p.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, buddy.StatusActive, p.Status)
}

func TestEndRecordsDuration(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	env.clk.Advance(5 * 24 * time.Hour)
	p, err := env.svc.End(ctx, p.ID, "alice", "wrapped up")
	require.NoError(t, err)
	require.Equal(t, 5, p.DurationDays)
	require.NotNil(t, p.EndedAt)
}

func TestExpirePendingBoundary(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()

	old, err := env.svc.Request(ctx, "alice", "bob")
	require.NoError(t, err)
	env.clk.Advance(time.Hour)
	fresh, err := env.svc.Request(ctx, "carol", "dave")
	require.NoError(t, err)

	// Exactly at the TTL the first request expires; the second has an
	// hour left.
	env.clk.Advance(71 * time.Hour)
	n, err := env.svc.ExpirePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := env.svc.Get(ctx, old.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, buddy.StatusEnded, got.Status)
	require.Equal(t, buddy.EndReasonRequestExpired, got.EndReason)

	got, err = env.svc.Get(ctx, fresh.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, buddy.StatusPending, got.Status)
}

func TestCheckinRequiresActivePartnership(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()

	p, err := env.svc.Request(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = env.svc.CheckIn(ctx, buddy.CheckinInput{
		PartnershipID: p.ID, UserID: "alice", Kind: buddy.CheckinDaily,
	})
	require.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestCheckinValidation(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	_, err := env.svc.CheckIn(ctx, buddy.CheckinInput{
		PartnershipID: p.ID, UserID: "alice", Kind: buddy.CheckinDaily, Mood: "EUPHORIC",
	})
	require.True(t, errs.IsKind(err, errs.KindValidation))

	bad := 11
	_, err = env.svc.CheckIn(ctx, buddy.CheckinInput{
		PartnershipID: p.ID, UserID: "alice", Kind: buddy.CheckinDaily, ProductivityRating: &bad,
	})
	require.True(t, errs.IsKind(err, errs.KindValidation))

	c, err := env.svc.CheckIn(ctx, buddy.CheckinInput{
		PartnershipID: p.ID, UserID: "alice", Kind: buddy.CheckinDaily,
	})
	require.NoError(t, err)
	require.Equal(t, buddy.MoodNeutral, c.Mood)
}

func TestCheckinRefreshesHealth(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")
	require.Zero(t, p.HealthScore)

	sub := env.bus.Subscribe(bus.PartnershipTopic(p.ID))
	defer sub.Cancel()

	_, err := env.svc.CheckIn(ctx, buddy.CheckinInput{
		PartnershipID: p.ID, UserID: "alice", Kind: buddy.CheckinDaily, Mood: buddy.MoodMotivated,
	})
	require.NoError(t, err)

	got, err := env.svc.Get(ctx, p.ID, "alice")
	require.NoError(t, err)
	require.Greater(t, got.HealthScore, 0.0)
	require.LessOrEqual(t, got.HealthScore, 1.0)
	require.Equal(t, []bus.Kind{buddy.KindCheckinRecorded}, pumpKinds(sub))
}

func TestStreaksReport(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()
	p := env.activePair(t, "alice", "bob")

	for i := 0; i < 3; i++ {
		_, err := env.svc.CheckIn(ctx, buddy.CheckinInput{
			PartnershipID: p.ID, UserID: "alice", Kind: buddy.CheckinDaily,
		})
		require.NoError(t, err)
		env.clk.Advance(24 * time.Hour)
	}
	// The loop leaves the clock one day past the last check-in; check in
	// today to keep the streak current.
	_, err := env.svc.CheckIn(ctx, buddy.CheckinInput{
		PartnershipID: p.ID, UserID: "alice", Kind: buddy.CheckinDaily,
	})
	require.NoError(t, err)

	report, err := env.svc.Streaks(ctx, p.ID, "alice", env.clk.Now())
	require.NoError(t, err)
	require.Equal(t, 4, report.CurrentDaily)
	require.Equal(t, 4, report.LongestDaily)
	require.Equal(t, 0, report.MissedDays)
	require.InDelta(t, 1.0, report.CompletionRate, 1e-9)

	// The partner has no check-ins at all.
	report, err = env.svc.Streaks(ctx, p.ID, "bob", env.clk.Now())
	require.NoError(t, err)
	require.Zero(t, report.CurrentDaily)
	require.Equal(t, 4, report.MissedDays)
}

func TestFindMatchesRankingAndExclusions(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()

	env.profiles.add(&buddy.Profile{UserID: "me", FocusAreas: []string{"writing"}, PreferredFocusHours: []int{9}, SkillLevel: 3})
	env.profiles.add(&buddy.Profile{UserID: "twin", FocusAreas: []string{"writing"}, PreferredFocusHours: []int{9}, SkillLevel: 3})
	env.profiles.add(&buddy.Profile{UserID: "near", FocusAreas: []string{"writing"}, PreferredFocusHours: []int{22}, SkillLevel: 3})
	env.profiles.add(&buddy.Profile{UserID: "far", FocusAreas: []string{"chess"}, PreferredFocusHours: []int{22}, TimezoneOffsetMin: 700, SkillLevel: 1})
	env.profiles.add(&buddy.Profile{UserID: "taken", FocusAreas: []string{"writing"}, PreferredFocusHours: []int{9}, SkillLevel: 3})

	env.activePair(t, "me", "taken")

	matches, err := env.svc.FindMatches(ctx, "me", 10)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, "twin", matches[0].UserID)
	require.Equal(t, "near", matches[1].UserID)
	require.Equal(t, "far", matches[2].UserID)
	for _, m := range matches {
		require.NotEqual(t, "taken", m.UserID)
		require.NotEqual(t, "me", m.UserID)
	}
}

func TestFindMatchesTiesBreakByUserID(t *testing.T) {
	env := newBuddyEnv(t)
	ctx := context.Background()

	env.profiles.add(&buddy.Profile{UserID: "me", FocusAreas: []string{"writing"}, SkillLevel: 3})
	for _, id := range []string{"zoe", "ann", "mia"} {
		env.profiles.add(&buddy.Profile{UserID: id, FocusAreas: []string{"writing"}, SkillLevel: 3})
	}

	matches, err := env.svc.FindMatches(ctx, "me", 10)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, "ann", matches[0].UserID)
	require.Equal(t, "mia", matches[1].UserID)
	require.Equal(t, "zoe", matches[2].UserID)
}
