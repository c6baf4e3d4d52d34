// Package repo provides the persistence backends: process-local
// in-memory stores for tests and single-node runs, and pgx-backed
// Postgres stores for production.
package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/focushive/focushive/backend/buddy"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/hive"
	"github.com/focushive/focushive/backend/timer"
)

// MemoryHives implements hive.Repository.
type MemoryHives struct {
	mu      sync.RWMutex
	hives   map[string]hive.Hive
	bySlug  map[string]string
	members map[string]map[string]hive.Membership // hiveID -> userID
}

func NewMemoryHives() *MemoryHives {
	return &MemoryHives{
		hives:   make(map[string]hive.Hive),
		bySlug:  make(map[string]string),
		members: make(map[string]map[string]hive.Membership),
	}
}

func (r *MemoryHives) CreateHive(ctx context.Context, h *hive.Hive) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.hives[h.ID]; ok && prev.Slug != h.Slug {
		delete(r.bySlug, prev.Slug)
	}
	if owner, ok := r.bySlug[h.Slug]; ok && owner != h.ID {
		return errs.Conflict("hive slug already taken")
	}
	r.hives[h.ID] = *h
	r.bySlug[h.Slug] = h.ID
	return nil
}

func (r *MemoryHives) GetHive(ctx context.Context, id string) (*hive.Hive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hives[id]
	if !ok {
		return nil, errs.NotFound("hive not found")
	}
	return &h, nil
}

func (r *MemoryHives) GetHiveBySlug(ctx context.Context, slug string) (*hive.Hive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySlug[slug]
	if !ok {
		return nil, errs.NotFound("hive not found")
	}
	h := r.hives[id]
	return &h, nil
}

func (r *MemoryHives) SaveMembership(ctx context.Context, m *hive.Membership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[m.HiveID] == nil {
		r.members[m.HiveID] = make(map[string]hive.Membership)
	}
	r.members[m.HiveID][m.UserID] = *m
	return nil
}

func (r *MemoryHives) DeleteMembership(ctx context.Context, hiveID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[hiveID][userID]; !ok {
		return errs.NotFound("membership not found")
	}
	delete(r.members[hiveID], userID)
	return nil
}

func (r *MemoryHives) GetMembership(ctx context.Context, hiveID, userID string) (*hive.Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[hiveID][userID]
	if !ok {
		return nil, errs.NotFound("membership not found")
	}
	return &m, nil
}

func (r *MemoryHives) ListMembers(ctx context.Context, hiveID string) ([]*hive.Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*hive.Membership, 0, len(r.members[hiveID]))
	for _, m := range r.members[hiveID] {
		cp := m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// MemoryTimers implements timer.SessionRepo and timer.TemplateRepo.
type MemoryTimers struct {
	mu        sync.RWMutex
	sessions  map[string]timer.Session
	templates map[string]timer.Template
}

func NewMemoryTimers() *MemoryTimers {
	return &MemoryTimers{
		sessions:  make(map[string]timer.Session),
		templates: make(map[string]timer.Template),
	}
}

func (r *MemoryTimers) CreateSession(ctx context.Context, s *timer.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return errs.Conflict("session already exists")
	}
	s.Version = 1
	r.sessions[s.ID] = *s
	return nil
}

func (r *MemoryTimers) GetSession(ctx context.Context, id string) (*timer.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errs.NotFound("session not found")
	}
	return &s, nil
}

func (r *MemoryTimers) UpdateSession(ctx context.Context, s *timer.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.ID]
	if !ok {
		return errs.NotFound("session not found")
	}
	if cur.Version != s.Version {
		return errs.Conflict("session modified concurrently")
	}
	s.Version++
	r.sessions[s.ID] = *s
	return nil
}

func (r *MemoryTimers) ListRunningSessions(ctx context.Context) ([]*timer.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*timer.Session
	for _, s := range r.sessions {
		if s.State == timer.StateRunning {
			cp := s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (r *MemoryTimers) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*timer.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*timer.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			cp := s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryTimers) CreateTemplate(ctx context.Context, t *timer.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[t.ID]; ok {
		return errs.Conflict("template already exists")
	}
	r.templates[t.ID] = *t
	return nil
}

func (r *MemoryTimers) GetTemplate(ctx context.Context, id string) (*timer.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, errs.NotFound("template not found")
	}
	return &t, nil
}

func (r *MemoryTimers) ListTemplates(ctx context.Context, ownerUserID string) ([]*timer.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*timer.Template
	for _, t := range r.templates {
		if t.IsSystem || t.OwnerUserID == ownerUserID {
			cp := t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryTimers) DeleteTemplate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[id]; !ok {
		return errs.NotFound("template not found")
	}
	delete(r.templates, id)
	return nil
}

// MemoryPartnerships implements buddy.PartnershipRepo, buddy.CheckinRepo,
// and buddy.GoalRepo.
type MemoryPartnerships struct {
	mu           sync.RWMutex
	partnerships map[string]buddy.Partnership
	checkins     map[string][]buddy.Checkin // by partnershipID, append order
	goals        map[string]buddy.Goal
	milestones   map[string]buddy.Milestone
}

func NewMemoryPartnerships() *MemoryPartnerships {
	return &MemoryPartnerships{
		partnerships: make(map[string]buddy.Partnership),
		checkins:     make(map[string][]buddy.Checkin),
		goals:        make(map[string]buddy.Goal),
		milestones:   make(map[string]buddy.Milestone),
	}
}

func samePair(p *buddy.Partnership, a, b string) bool {
	return (p.User1ID == a && p.User2ID == b) || (p.User1ID == b && p.User2ID == a)
}

func (r *MemoryPartnerships) CreatePartnership(ctx context.Context, p *buddy.Partnership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.partnerships {
		if existing.Status != buddy.StatusEnded && samePair(&existing, p.User1ID, p.User2ID) {
			return errs.Conflict("partnership already exists for this pair")
		}
	}
	p.Version = 1
	r.partnerships[p.ID] = *p
	return nil
}

func (r *MemoryPartnerships) GetPartnership(ctx context.Context, id string) (*buddy.Partnership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partnerships[id]
	if !ok {
		return nil, errs.NotFound("partnership not found")
	}
	return &p, nil
}

func (r *MemoryPartnerships) FindActiveByPair(ctx context.Context, userA, userB string) (*buddy.Partnership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.partnerships {
		if p.Status != buddy.StatusEnded && samePair(&p, userA, userB) {
			cp := p
			return &cp, nil
		}
	}
	return nil, errs.NotFound("partnership not found")
}

func (r *MemoryPartnerships) UpdatePartnership(ctx context.Context, p *buddy.Partnership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.partnerships[p.ID]
	if !ok {
		return errs.NotFound("partnership not found")
	}
	if cur.Version != p.Version {
		return errs.Conflict("partnership modified concurrently")
	}
	p.Version++
	r.partnerships[p.ID] = *p
	return nil
}

func (r *MemoryPartnerships) ListPartnershipsByUser(ctx context.Context, userID string) ([]*buddy.Partnership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*buddy.Partnership
	for _, p := range r.partnerships {
		if p.Involves(userID) {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryPartnerships) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]*buddy.Partnership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*buddy.Partnership
	for _, p := range r.partnerships {
		if p.Status == buddy.StatusPending && !p.CreatedAt.After(cutoff) {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryPartnerships) CreateCheckin(ctx context.Context, c *buddy.Checkin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkins[c.PartnershipID] = append(r.checkins[c.PartnershipID], *c)
	return nil
}

func (r *MemoryPartnerships) ListCheckins(ctx context.Context, partnershipID, userID string, from, to time.Time) ([]*buddy.Checkin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*buddy.Checkin
	for _, c := range r.checkins[partnershipID] {
		if c.UserID != userID || c.CreatedAt.Before(from) || c.CreatedAt.After(to) {
			continue
		}
		cp := c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryPartnerships) ListCheckinsSince(ctx context.Context, partnershipID string, since time.Time) ([]*buddy.Checkin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*buddy.Checkin
	for _, c := range r.checkins[partnershipID] {
		if c.CreatedAt.Before(since) {
			continue
		}
		cp := c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryPartnerships) CreateGoal(ctx context.Context, g *buddy.Goal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.goals[g.ID]; ok {
		return errs.Conflict("goal already exists")
	}
	g.Version = 1
	r.goals[g.ID] = *g
	return nil
}

func (r *MemoryPartnerships) GetGoal(ctx context.Context, id string) (*buddy.Goal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.goals[id]
	if !ok {
		return nil, errs.NotFound("goal not found")
	}
	return &g, nil
}

func (r *MemoryPartnerships) UpdateGoal(ctx context.Context, g *buddy.Goal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.goals[g.ID]
	if !ok {
		return errs.NotFound("goal not found")
	}
	if cur.Version != g.Version {
		return errs.Conflict("goal modified concurrently")
	}
	g.Version++
	r.goals[g.ID] = *g
	return nil
}

func (r *MemoryPartnerships) ListGoals(ctx context.Context, partnershipID string) ([]*buddy.Goal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*buddy.Goal
	for _, g := range r.goals {
		if g.PartnershipID == partnershipID {
			cp := g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryPartnerships) DeleteGoal(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.goals[id]; !ok {
		return errs.NotFound("goal not found")
	}
	delete(r.goals, id)
	for mid, m := range r.milestones {
		if m.GoalID == id {
			delete(r.milestones, mid)
		}
	}
	return nil
}

func (r *MemoryPartnerships) CreateMilestone(ctx context.Context, m *buddy.Milestone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.goals[m.GoalID]; !ok {
		return errs.NotFound("goal not found")
	}
	r.milestones[m.ID] = *m
	return nil
}

func (r *MemoryPartnerships) GetMilestone(ctx context.Context, id string) (*buddy.Milestone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.milestones[id]
	if !ok {
		return nil, errs.NotFound("milestone not found")
	}
	return &m, nil
}

func (r *MemoryPartnerships) UpdateMilestone(ctx context.Context, m *buddy.Milestone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.milestones[m.ID]; !ok {
		return errs.NotFound("milestone not found")
	}
	r.milestones[m.ID] = *m
	return nil
}

func (r *MemoryPartnerships) ListMilestones(ctx context.Context, goalID string) ([]*buddy.Milestone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*buddy.Milestone
	for _, m := range r.milestones {
		if m.GoalID == goalID {
			cp := m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}
