// Package buddy is the partnership and accountability engine:
// candidate matching, the partnership lifecycle, check-in streak math,
// goal and milestone progression, and the derived health score.
package buddy

import (
	"context"
	"time"

	"github.com/focushive/focushive/backend/bus"
)

// Status of a partnership. ENDED is terminal and requires endedAt and
// endReason.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusPaused  Status = "PAUSED"
	StatusEnded   Status = "ENDED"
)

// End reasons recorded on the terminal transition.
const (
	EndReasonRequestExpired = "request_expired"
	EndReasonRejected       = "rejected"
)

// Partnership is a bilateral accountability relationship. The user
// pair is unordered: at most one non-ENDED partnership exists per pair.
type Partnership struct {
	ID                 string
	User1ID            string
	User2ID            string
	Status             Status
	StartedAt          *time.Time
	EndedAt            *time.Time
	EndReason          string
	DurationDays       int
	CompatibilityScore float64
	HealthScore        float64
	LastInteractionAt  time.Time
	CreatedAt          time.Time
	Version            int64
}

// Involves reports whether userID is one of the two partners.
func (p *Partnership) Involves(userID string) bool {
	return p.User1ID == userID || p.User2ID == userID
}

// PartnerOf returns the other side of the pair.
func (p *Partnership) PartnerOf(userID string) string {
	if p.User1ID == userID {
		return p.User2ID
	}
	return p.User1ID
}

// CheckinKind is the cadence of a self-report.
type CheckinKind string

const (
	CheckinDaily     CheckinKind = "DAILY"
	CheckinWeekly    CheckinKind = "WEEKLY"
	CheckinMilestone CheckinKind = "MILESTONE"
)

// Mood is the self-reported emotional state of a check-in.
type Mood string

const (
	MoodMotivated    Mood = "MOTIVATED"
	MoodFocused      Mood = "FOCUSED"
	MoodStressed     Mood = "STRESSED"
	MoodTired        Mood = "TIRED"
	MoodExcited      Mood = "EXCITED"
	MoodNeutral      Mood = "NEUTRAL"
	MoodFrustrated   Mood = "FRUSTRATED"
	MoodAccomplished Mood = "ACCOMPLISHED"
)

// Score maps the mood onto the 1..10 emotional scale.
func (m Mood) Score() int {
	switch m {
	case MoodAccomplished:
		return 10
	case MoodMotivated, MoodExcited:
		return 9
	case MoodFocused:
		return 8
	case MoodNeutral:
		return 5
	case MoodTired:
		return 4
	case MoodStressed:
		return 3
	case MoodFrustrated:
		return 2
	default:
		return 5
	}
}

// Negative flags the moods that pull the health score down faster.
func (m Mood) Negative() bool {
	switch m {
	case MoodStressed, MoodTired, MoodFrustrated:
		return true
	default:
		return false
	}
}

// Checkin is one timestamped self-report within a partnership.
type Checkin struct {
	ID                 string
	PartnershipID      string
	UserID             string
	Kind               CheckinKind
	Content            string
	Mood               Mood
	ProductivityRating *int // 1..10
	CreatedAt          time.Time
}

// GoalStatus of a partnership goal.
type GoalStatus string

const (
	GoalInProgress GoalStatus = "IN_PROGRESS"
	GoalCompleted  GoalStatus = "COMPLETED"
	GoalPaused     GoalStatus = "PAUSED"
	GoalCancelled  GoalStatus = "CANCELLED"
)

// Goal is scoped to a partnership. Status COMPLETED holds exactly when
// progress is 100 and completedAt is set.
type Goal struct {
	ID            string
	PartnershipID string
	Title         string
	Description   string
	ProgressPct   int
	Status        GoalStatus
	TargetDate    time.Time
	CreatedBy     string
	CompletedAt   *time.Time
	CreatedAt     time.Time
	Version       int64
}

// Milestone is owned by its goal and cascades on goal deletion.
type Milestone struct {
	ID          string
	GoalID      string
	Title       string
	TargetDate  time.Time
	CompletedAt *time.Time
	CompletedBy string
	Ordinal     int
}

// Delta kinds emitted on partnership topics.
const (
	KindRequested          bus.Kind = "PARTNERSHIP_REQUESTED"
	KindAccepted           bus.Kind = "PARTNERSHIP_ACCEPTED"
	KindPaused             bus.Kind = "PARTNERSHIP_PAUSED"
	KindResumed            bus.Kind = "PARTNERSHIP_RESUMED"
	KindEnded              bus.Kind = "PARTNERSHIP_ENDED"
	KindCheckinRecorded    bus.Kind = "CHECKIN_RECORDED"
	KindGoalProgress       bus.Kind = "GOAL_PROGRESS"
	KindGoalCompleted      bus.Kind = "GOAL_COMPLETED"
	KindMilestoneCompleted bus.Kind = "MILESTONE_COMPLETED"
)

// PartnershipDelta is the payload of lifecycle and check-in deltas.
type PartnershipDelta struct {
	PartnershipID string  `json:"partnershipId"`
	Status        Status  `json:"status"`
	HealthScore   float64 `json:"healthScore"`
	ActorUserID   string  `json:"actorUserId,omitempty"`
}

// GoalDelta is the payload of goal and milestone deltas.
type GoalDelta struct {
	PartnershipID string     `json:"partnershipId"`
	GoalID        string     `json:"goalId"`
	ProgressPct   int        `json:"progressPct"`
	Status        GoalStatus `json:"status"`
	MilestoneID   string     `json:"milestoneId,omitempty"`
}

// PartnershipRepo is the persistence contract for partnerships.
// UpdatePartnership applies optimistic versioning (stale write fails
// with errs.Conflict); CreatePartnership fails with errs.Conflict when
// a non-ENDED partnership already exists for the unordered pair.
type PartnershipRepo interface {
	CreatePartnership(ctx context.Context, p *Partnership) error
	GetPartnership(ctx context.Context, id string) (*Partnership, error)
	FindActiveByPair(ctx context.Context, userA, userB string) (*Partnership, error)
	UpdatePartnership(ctx context.Context, p *Partnership) error
	ListPartnershipsByUser(ctx context.Context, userID string) ([]*Partnership, error)
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]*Partnership, error)
}

// CheckinRepo is the persistence contract for check-ins.
type CheckinRepo interface {
	CreateCheckin(ctx context.Context, c *Checkin) error
	ListCheckins(ctx context.Context, partnershipID, userID string, from, to time.Time) ([]*Checkin, error)
	ListCheckinsSince(ctx context.Context, partnershipID string, since time.Time) ([]*Checkin, error)
}

// GoalRepo is the persistence contract for goals and their milestones.
type GoalRepo interface {
	CreateGoal(ctx context.Context, g *Goal) error
	GetGoal(ctx context.Context, id string) (*Goal, error)
	UpdateGoal(ctx context.Context, g *Goal) error
	ListGoals(ctx context.Context, partnershipID string) ([]*Goal, error)
	DeleteGoal(ctx context.Context, id string) error

	CreateMilestone(ctx context.Context, m *Milestone) error
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error
	ListMilestones(ctx context.Context, goalID string) ([]*Milestone, error)
}

// Profile feeds the matcher. Sourced from the identity/profile
// collaborator; faked in tests.
type Profile struct {
	UserID              string
	FocusAreas          []string
	Goals               []string
	PreferredFocusHours []int // hours of day, 0..23
	TimezoneOffsetMin   int
	SkillLevel          int // 1..5
}

// ProfileSource supplies candidate profiles for matching.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
	Candidates(ctx context.Context, userID string, limit int) ([]*Profile, error)
}
