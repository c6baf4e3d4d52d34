package buddy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func checkinOn(t time.Time, kind CheckinKind) *Checkin {
	return &Checkin{Kind: kind, CreatedAt: t}
}

func day(offset int) time.Time {
	base := time.Date(2025, 6, 18, 10, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, offset)
}

func TestCurrentDailyStreak(t *testing.T) {
	asOf := day(0)
	cs := []*Checkin{
		checkinOn(day(-4), CheckinDaily),
		checkinOn(day(-3), CheckinDaily),
		checkinOn(day(-1), CheckinDaily),
		checkinOn(day(0), CheckinDaily),
	}
	require.Equal(t, 2, currentDailyStreak(cs, asOf, time.UTC, 0))
	require.Equal(t, 2, longestDailyStreak(cs, time.UTC))
}

func TestCurrentDailyStreakRequiresToday(t *testing.T) {
	asOf := day(0)
	cs := []*Checkin{
		checkinOn(day(-3), CheckinDaily),
		checkinOn(day(-2), CheckinDaily),
		checkinOn(day(-1), CheckinDaily),
	}
	// An older run never counts as current.
	require.Equal(t, 0, currentDailyStreak(cs, asOf, time.UTC, 0))
	require.Equal(t, 3, longestDailyStreak(cs, time.UTC))
}

func TestDailyStreakDeduplicatesWithinDay(t *testing.T) {
	asOf := day(0)
	cs := []*Checkin{
		checkinOn(day(0), CheckinDaily),
		checkinOn(day(0).Add(2*time.Hour), CheckinDaily),
		checkinOn(day(0).Add(5*time.Hour), CheckinDaily),
	}
	require.Equal(t, 1, currentDailyStreak(cs, asOf, time.UTC, 0))
}

func TestWeeklyCheckinsDoNotExtendDailyStreak(t *testing.T) {
	asOf := day(0)
	cs := []*Checkin{
		checkinOn(day(0), CheckinWeekly),
		checkinOn(day(-1), CheckinDaily),
	}
	require.Equal(t, 0, currentDailyStreak(cs, asOf, time.UTC, 0))
}

func TestCurrentWeeklyStreakAnyKind(t *testing.T) {
	// Wed 2025-06-18 sits in ISO week 25.
	asOf := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)
	cs := []*Checkin{
		checkinOn(time.Date(2025, 6, 18, 9, 0, 0, 0, time.UTC), CheckinDaily),  // week 25
		checkinOn(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC), CheckinWeekly), // week 24
		checkinOn(time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC), CheckinDaily),   // week 23
		checkinOn(time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC), CheckinDaily),  // week 21, gap at 22
	}
	require.Equal(t, 3, currentWeeklyStreak(cs, asOf, time.UTC))
}

func TestWeeklyStreakCrossesYearBoundary(t *testing.T) {
	// Tue 2026-01-06 is ISO week 2 of 2026; 2025-12-31 falls in week 1
	// of 2026 and 2025-12-26 in week 52 of 2025.
	asOf := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	cs := []*Checkin{
		checkinOn(time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC), CheckinDaily),
		checkinOn(time.Date(2025, 12, 31, 9, 0, 0, 0, time.UTC), CheckinDaily),
		checkinOn(time.Date(2025, 12, 26, 9, 0, 0, 0, time.UTC), CheckinDaily),
	}
	require.Equal(t, 3, currentWeeklyStreak(cs, asOf, time.UTC))
}

func TestMissedDaysInclusiveEndpoints(t *testing.T) {
	cs := []*Checkin{
		checkinOn(day(0), CheckinDaily),
		checkinOn(day(2), CheckinDaily),
	}
	require.Equal(t, 2, missedDays(cs, day(0), day(3), time.UTC))
	require.Equal(t, 0, missedDays(cs, day(0), day(0), time.UTC))
	require.Equal(t, 1, missedDays(nil, day(0), day(0), time.UTC))
	require.Equal(t, 0, missedDays(nil, day(3), day(0), time.UTC))
}

func TestCompletionRate(t *testing.T) {
	var cs []*Checkin
	for i := 0; i < 7; i++ {
		cs = append(cs, checkinOn(day(i), CheckinDaily))
	}
	require.InDelta(t, 0.7, completionRate(cs, day(0), day(9), time.UTC), 1e-9)

	// A check-in on the start day already yields a full first-day rate.
	first := []*Checkin{checkinOn(day(0), CheckinDaily)}
	require.InDelta(t, 1.0, completionRate(first, day(0), day(0), time.UTC), 1e-9)

	require.InDelta(t, 0, completionRate(nil, day(0), day(9), time.UTC), 1e-9)
}

func TestGapSlackSoftensNewDayOnly(t *testing.T) {
	cs := []*Checkin{
		checkinOn(day(-2), CheckinDaily),
		checkinOn(day(-1), CheckinDaily),
	}
	// 00:30 on the asOf day, no check-in yet today.
	asOf := time.Date(2025, 6, 18, 0, 30, 0, 0, time.UTC)
	require.Equal(t, 0, currentDailyStreak(cs, asOf, time.UTC, 0))
	require.Equal(t, 2, currentDailyStreak(cs, asOf, time.UTC, time.Hour))

	// Past the slack window the run is no longer current.
	require.Equal(t, 0, currentDailyStreak(cs, asOf.Add(time.Hour), time.UTC, time.Hour))

	// Slack never bridges a gap in the middle of the history.
	gapped := []*Checkin{
		checkinOn(day(-3), CheckinDaily),
		checkinOn(day(-1), CheckinDaily),
	}
	require.Equal(t, 1, currentDailyStreak(gapped, asOf, time.UTC, time.Hour))
}

func TestCompletionRateCountsCalendarDaysAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// DST starts 2025-03-09; the two local midnights are 23 hours
	// apart, but the span is still two calendar days.
	start := time.Date(2025, 3, 8, 9, 0, 0, 0, loc)
	end := time.Date(2025, 3, 9, 9, 0, 0, 0, loc)
	cs := []*Checkin{checkinOn(start, CheckinDaily)}
	require.InDelta(t, 0.5, completionRate(cs, start, end, loc), 1e-9)
	require.Equal(t, 1, missedDays(cs, start, end, loc))
}

func TestDayBoundaryFollowsPartnershipTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	// 23:30 UTC on June 1 is already June 2 locally.
	late := checkinOn(time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC), CheckinDaily)
	asOf := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 1, currentDailyStreak([]*Checkin{late}, asOf, loc, 0))
	require.Equal(t, 0, currentDailyStreak([]*Checkin{late}, asOf, time.UTC, 0))
}
