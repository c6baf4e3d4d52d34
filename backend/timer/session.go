// Package timer owns focus sessions: durable countdowns (individual
// or hive-shared) with a strict state machine, scheduled expiry,
// productivity scoring and sequenced timer deltas.
package timer

import (
	"math"
	"time"

	"github.com/focushive/focushive/backend/bus"
)

// Type distinguishes personal sessions from hive-shared ones.
type Type string

const (
	TypeIndividual Type = "INDIVIDUAL"
	TypeHiveShared Type = "HIVE_SHARED"
)

// State of a focus session. COMPLETED, CANCELLED and EXPIRED are
// terminal.
type State string

const (
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// Delta kinds emitted on the session's topic.
const (
	KindStarted   bus.Kind = "TIMER_STARTED"
	KindPaused    bus.Kind = "TIMER_PAUSED"
	KindResumed   bus.Kind = "TIMER_RESUMED"
	KindCompleted bus.Kind = "TIMER_COMPLETED"
	KindCancelled bus.Kind = "TIMER_CANCELLED"
	KindExpired   bus.Kind = "TIMER_EXPIRED"
)

// Session is one durable countdown. RemainingSec is authoritative only
// outside RUNNING; while RUNNING the remainder is ExpiresAt − now.
type Session struct {
	ID                 string
	UserID             string
	HiveID             string
	TemplateID         string
	Type               Type
	State              State
	PlannedDurationSec int
	RemainingSec       int
	StartedAt          time.Time
	PausedAt           *time.Time
	ResumesAt          *time.Time
	ExpiresAt          time.Time
	DistractionCount   int
	PauseCount         int
	ProductivityScore  *int
	Version            int64
}

// Terminal reports whether no further transitions are allowed.
func (s *Session) Terminal() bool {
	switch s.State {
	case StateCompleted, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// remainingAt computes the live remainder while RUNNING.
func (s *Session) remainingAt(now time.Time) int {
	if s.State != StateRunning {
		return s.RemainingSec
	}
	rem := int(math.Ceil(s.ExpiresAt.Sub(now).Seconds()))
	if rem < 0 {
		return 0
	}
	// remainingSec is monotonically non-increasing while RUNNING.
	if rem > s.RemainingSec {
		return s.RemainingSec
	}
	return rem
}

// Topic is where this session's deltas go: the hive topic for shared
// sessions, the owner's user topic otherwise.
func (s *Session) Topic() bus.Topic {
	if s.Type == TypeHiveShared && s.HiveID != "" {
		return bus.HiveTopic(s.HiveID)
	}
	return bus.UserTopic(s.UserID)
}

// productivityScore implements the closing formula:
// clamp(0, 100, round(baseCompletion% × (1 − distractionPenalty) × focusQuality)).
// focusQuality decays linearly with pauses, clamped to [0.8, 1.2];
// resumes carry no extra weight.
func productivityScore(elapsedSec, plannedSec, distractions, pauses int) int {
	if plannedSec <= 0 {
		return 0
	}
	base := float64(elapsedSec) / float64(plannedSec) * 100
	penalty := math.Min(0.5, float64(distractions)*0.05)
	quality := 1.2 - 0.05*float64(pauses)
	if quality < 0.8 {
		quality = 0.8
	} else if quality > 1.2 {
		quality = 1.2
	}
	score := int(math.Round(base * (1 - penalty) * quality))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// DeltaPayload is the body of every timer delta.
type DeltaPayload struct {
	SessionID         string    `json:"sessionId"`
	UserID            string    `json:"userId"`
	HiveID            string    `json:"hiveId,omitempty"`
	Type              Type      `json:"type"`
	State             State     `json:"state"`
	RemainingSec      int       `json:"remainingSec"`
	ExpiresAt         time.Time `json:"expiresAt"`
	ProductivityScore *int      `json:"productivityScore,omitempty"`
}
