package buddy

import (
	"sort"
	"time"
)

// StreakReport is a point-in-time view of one user's check-in cadence
// inside a partnership. All day math runs in the partnership timezone.
type StreakReport struct {
	CurrentDaily   int     `json:"currentDaily"`
	CurrentWeekly  int     `json:"currentWeekly"`
	LongestDaily   int     `json:"longestDaily"`
	MissedDays     int     `json:"missedDays"`
	CompletionRate float64 `json:"completionRate"`
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// distinctDailyDates returns the sorted distinct local dates that have
// at least one DAILY check-in.
func distinctDailyDates(checkins []*Checkin, loc *time.Location) []time.Time {
	seen := make(map[time.Time]struct{})
	for _, c := range checkins {
		if c.Kind != CheckinDaily {
			continue
		}
		seen[dateOf(c.CreatedAt, loc)] = struct{}{}
	}
	dates := make([]time.Time, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// currentDailyStreak is the length of the maximal consecutive-day run
// ending at the asOf date. A missing check-in on the asOf date itself
// means the streak is zero, never the length of an older run. The gap
// slack softens only the asOf day: within the first slack hours of a
// new day a run ending yesterday still counts as current.
func currentDailyStreak(checkins []*Checkin, asOf time.Time, loc *time.Location, gapSlack time.Duration) int {
	days := make(map[time.Time]struct{})
	for _, d := range distinctDailyDates(checkins, loc) {
		days[d] = struct{}{}
	}
	start := dateOf(asOf, loc)
	if _, ok := days[start]; !ok && gapSlack > 0 && asOf.In(loc).Sub(start) < gapSlack {
		start = start.AddDate(0, 0, -1)
	}
	streak := 0
	for d := start; ; d = d.AddDate(0, 0, -1) {
		if _, ok := days[d]; !ok {
			break
		}
		streak++
	}
	return streak
}

// longestDailyStreak is the longest consecutive-day run anywhere in
// the history.
func longestDailyStreak(checkins []*Checkin, loc *time.Location) int {
	dates := distinctDailyDates(checkins, loc)
	longest, run := 0, 0
	var prev time.Time
	for i, d := range dates {
		if i > 0 && d.AddDate(0, 0, -1).Equal(prev) {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
		prev = d
	}
	return longest
}

type isoWeek struct {
	year, week int
}

func weekOf(t time.Time, loc *time.Location) isoWeek {
	y, w := t.In(loc).ISOWeek()
	return isoWeek{y, w}
}

func prevISOWeek(w isoWeek, loc *time.Location) isoWeek {
	// Walk back via an anchor date inside the week; ISO week arithmetic
	// around year boundaries is not closed-form.
	anchor := isoWeekAnchor(w, loc)
	return weekOf(anchor.AddDate(0, 0, -7), loc)
}

func isoWeekAnchor(w isoWeek, loc *time.Location) time.Time {
	// Jan 4 is always in ISO week 1 of its year.
	t := time.Date(w.year, time.January, 4, 0, 0, 0, 0, loc)
	_, cw := t.ISOWeek()
	return t.AddDate(0, 0, (w.week-cw)*7)
}

// currentWeeklyStreak counts consecutive ISO weeks, ending at the week
// containing asOf, in which the user has at least one check-in of any
// kind.
func currentWeeklyStreak(checkins []*Checkin, asOf time.Time, loc *time.Location) int {
	weeks := make(map[isoWeek]struct{})
	for _, c := range checkins {
		weeks[weekOf(c.CreatedAt, loc)] = struct{}{}
	}
	streak := 0
	for w := weekOf(asOf, loc); ; w = prevISOWeek(w, loc) {
		if _, ok := weeks[w]; !ok {
			break
		}
		streak++
	}
	return streak
}

// missedDays counts the calendar days in [from, to] without a DAILY
// check-in. Both endpoints are inclusive.
func missedDays(checkins []*Checkin, from, to time.Time, loc *time.Location) int {
	start, end := dateOf(from, loc), dateOf(to, loc)
	if end.Before(start) {
		return 0
	}
	days := make(map[time.Time]struct{})
	for _, d := range distinctDailyDates(checkins, loc) {
		days[d] = struct{}{}
	}
	missed := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if _, ok := days[d]; !ok {
			missed++
		}
	}
	return missed
}

// calendarDays counts the dates from start through end inclusive.
// Date arithmetic rather than durations, so DST shifts in loc cannot
// skew the count.
func calendarDays(start, end time.Time) int {
	n := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}

// completionRate is checked-in days over days the partnership has been
// active, in [0,1]. The active span is at least one day so a check-in
// on the start day already yields a full rate.
func completionRate(checkins []*Checkin, activeFrom, asOf time.Time, loc *time.Location) float64 {
	start, end := dateOf(activeFrom, loc), dateOf(asOf, loc)
	if end.Before(start) {
		return 0
	}
	total := calendarDays(start, end)
	done := 0
	for _, d := range distinctDailyDates(checkins, loc) {
		if !d.Before(start) && !d.After(end) {
			done++
		}
	}
	rate := float64(done) / float64(total)
	if rate > 1 {
		rate = 1
	}
	return rate
}
