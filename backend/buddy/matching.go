package buddy

import (
	"context"
	"math"
	"sort"

	"github.com/focushive/focushive/backend/errs"
)

// Match is one ranked candidate from FindMatches.
type Match struct {
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
}

// Compatibility weights. Shared focus areas dominate; skill proximity
// is a mild tiebreaker.
const (
	wFocusAreas = 0.30
	wGoals      = 0.20
	wFocusHours = 0.20
	wTimezone   = 0.20
	wSkill      = 0.10
)

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := set[s]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func hourOverlap(a, b []int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[int]struct{}, len(a))
	for _, h := range a {
		set[h] = struct{}{}
	}
	inter := 0
	for _, h := range b {
		if _, ok := set[h]; ok {
			inter++
		}
	}
	denom := len(a)
	if len(b) < denom {
		denom = len(b)
	}
	return float64(inter) / float64(denom)
}

// timezoneAffinity maps offset distance onto [0,1]; a 12-hour gap
// scores zero. Offsets wrap, so 23h apart is really 1h apart.
func timezoneAffinity(aMin, bMin int) float64 {
	diff := math.Abs(float64(aMin - bMin))
	if diff > 720 {
		diff = 1440 - diff
	}
	return 1 - diff/720
}

func skillAffinity(a, b int) float64 {
	diff := math.Abs(float64(a - b))
	if diff > 4 {
		diff = 4
	}
	return 1 - diff/4
}

// CompatibilityScore is a deterministic weighted blend in [0,1].
func CompatibilityScore(a, b *Profile) float64 {
	score := wFocusAreas*jaccard(a.FocusAreas, b.FocusAreas) +
		wGoals*jaccard(a.Goals, b.Goals) +
		wFocusHours*hourOverlap(a.PreferredFocusHours, b.PreferredFocusHours) +
		wTimezone*timezoneAffinity(a.TimezoneOffsetMin, b.TimezoneOffsetMin) +
		wSkill*skillAffinity(a.SkillLevel, b.SkillLevel)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// FindMatches ranks candidates for userID, best first. Candidates the
// user already holds a non-ENDED partnership with are excluded. The
// ordering is stable: equal scores break by candidate id ascending.
func (s *Service) FindMatches(ctx context.Context, userID string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	me, err := s.profiles.Profile(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "load matching profile")
	}
	candidates, err := s.profiles.Candidates(ctx, userID, limit*4)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "list matching candidates")
	}

	taken := make(map[string]struct{})
	existing, err := s.partnerships.ListPartnershipsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Status != StatusEnded {
			taken[p.PartnerOf(userID)] = struct{}{}
		}
	}

	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		if c.UserID == userID {
			continue
		}
		if _, ok := taken[c.UserID]; ok {
			continue
		}
		matches = append(matches, Match{UserID: c.UserID, Score: CompatibilityScore(me, c)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].UserID < matches[j].UserID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
