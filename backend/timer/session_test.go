package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProductivityScore(t *testing.T) {
	cases := []struct {
		name                                   string
		elapsed, planned, distractions, pauses int
		want                                   int
	}{
		{"full focus no interruptions", 1500, 1500, 0, 0, 100},
		{"full focus one pause", 1500, 1500, 0, 1, 100},
		{"full focus heavy pausing", 1500, 1500, 0, 10, 80},
		{"partial focus", 600, 1500, 0, 0, 48},
		{"distractions chip away", 100, 100, 4, 0, 96},
		{"distraction penalty caps at half", 100, 100, 50, 0, 60},
		{"zero planned", 0, 0, 0, 0, 0},
		{"nothing elapsed", 0, 1500, 0, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want,
				productivityScore(tc.elapsed, tc.planned, tc.distractions, tc.pauses))
		})
	}
}

func TestRemainingAt(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s := &Session{
		State:              StateRunning,
		PlannedDurationSec: 100,
		RemainingSec:       100,
		StartedAt:          start,
		ExpiresAt:          start.Add(100 * time.Second),
	}

	require.Equal(t, 100, s.remainingAt(start))
	// Partial seconds round up.
	require.Equal(t, 90, s.remainingAt(start.Add(10500*time.Millisecond)))
	require.Equal(t, 0, s.remainingAt(start.Add(2*time.Hour)))

	// Never exceeds the stored remainder.
	s.RemainingSec = 40
	require.Equal(t, 40, s.remainingAt(start))

	// Outside RUNNING the stored value is authoritative.
	s.State = StatePaused
	require.Equal(t, 40, s.remainingAt(start.Add(time.Hour)))
}

func TestSessionTopic(t *testing.T) {
	shared := &Session{Type: TypeHiveShared, HiveID: "h1", UserID: "u1"}
	require.Equal(t, "hive:h1", string(shared.Topic()))
	personal := &Session{Type: TypeIndividual, UserID: "u1"}
	require.Equal(t, "user:u1", string(personal.Topic()))
}

func TestSystemTemplateIDsAreStable(t *testing.T) {
	first, second := SystemTemplates(), SystemTemplates()
	require.Len(t, first, 3)
	seen := make(map[string]struct{})
	for i := range first {
		// Re-seeding on a later boot must target the same rows.
		require.Equal(t, first[i].ID, second[i].ID)
		seen[first[i].ID] = struct{}{}
	}
	require.Len(t, seen, 3, "system template ids stay distinct")
}
