// Package hive owns the co-working room model: hives, memberships and
// their invariants. The presence core and shared timers build on it.
package hive

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/errs"
)

// Visibility controls who can discover and join a hive.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// MemberRole is a membership role within one hive.
type MemberRole string

const (
	RoleOwner     MemberRole = "OWNER"
	RoleModerator MemberRole = "MODERATOR"
	RoleMember    MemberRole = "MEMBER"
)

// Hive is a virtual co-working room.
type Hive struct {
	ID          string
	Slug        string
	OwnerUserID string
	Visibility  Visibility
	MaxMembers  int
	CreatedAt   time.Time
}

// Membership binds a user to a hive. (HiveID, UserID) is unique and
// exactly one membership per hive carries RoleOwner.
type Membership struct {
	HiveID   string
	UserID   string
	Role     MemberRole
	JoinedAt time.Time
}

// Repository is the persistence contract for hives and memberships.
type Repository interface {
	CreateHive(ctx context.Context, h *Hive) error
	GetHive(ctx context.Context, id string) (*Hive, error)
	GetHiveBySlug(ctx context.Context, slug string) (*Hive, error)
	SaveMembership(ctx context.Context, m *Membership) error
	DeleteMembership(ctx context.Context, hiveID, userID string) error
	GetMembership(ctx context.Context, hiveID, userID string) (*Membership, error)
	ListMembers(ctx context.Context, hiveID string) ([]*Membership, error)
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Service enforces the hive invariants over a Repository.
type Service struct {
	repo   Repository
	clk    clock.Clock
	logger *zap.Logger
}

func NewService(repo Repository, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{repo: repo, clk: clk, logger: logger}
}

// Create makes a hive and its owner membership atomically from the
// caller's perspective.
func (s *Service) Create(ctx context.Context, slug, ownerUserID string, visibility Visibility, maxMembers int) (*Hive, error) {
	if !slugPattern.MatchString(slug) {
		return nil, errs.ValidationFields("invalid hive", map[string]string{"slug": "must be url-safe"})
	}
	if maxMembers < 1 {
		return nil, errs.ValidationFields("invalid hive", map[string]string{"maxMembers": "must be at least 1"})
	}
	if _, err := s.repo.GetHiveBySlug(ctx, slug); err == nil {
		return nil, errs.Conflict("slug %q already taken", slug)
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}

	now := s.clk.Now()
	h := &Hive{
		ID:          uuid.NewString(),
		Slug:        slug,
		OwnerUserID: ownerUserID,
		Visibility:  visibility,
		MaxMembers:  maxMembers,
		CreatedAt:   now,
	}
	if err := s.repo.CreateHive(ctx, h); err != nil {
		return nil, err
	}
	if err := s.repo.SaveMembership(ctx, &Membership{
		HiveID:   h.ID,
		UserID:   ownerUserID,
		Role:     RoleOwner,
		JoinedAt: now,
	}); err != nil {
		return nil, err
	}
	return h, nil
}

// Join adds a member. Idempotent for an existing member.
func (s *Service) Join(ctx context.Context, hiveID, userID string) error {
	h, err := s.repo.GetHive(ctx, hiveID)
	if err != nil {
		return err
	}
	if m, err := s.repo.GetMembership(ctx, hiveID, userID); err == nil && m != nil {
		return nil
	} else if err != nil && !errs.IsKind(err, errs.KindNotFound) {
		return err
	}
	members, err := s.repo.ListMembers(ctx, hiveID)
	if err != nil {
		return err
	}
	if len(members) >= h.MaxMembers {
		return errs.Conflict("hive %s is full", hiveID)
	}
	return s.repo.SaveMembership(ctx, &Membership{
		HiveID:   hiveID,
		UserID:   userID,
		Role:     RoleMember,
		JoinedAt: s.clk.Now(),
	})
}

// Leave removes a member. The owner cannot leave without transferring
// ownership first; that keeps the one-owner invariant intact.
func (s *Service) Leave(ctx context.Context, hiveID, userID string) error {
	m, err := s.repo.GetMembership(ctx, hiveID, userID)
	if err != nil {
		return err
	}
	if m.Role == RoleOwner {
		return errs.Validation("owner must transfer ownership before leaving")
	}
	return s.repo.DeleteMembership(ctx, hiveID, userID)
}

// TransferOwnership moves the OWNER role to another current member.
func (s *Service) TransferOwnership(ctx context.Context, hiveID, fromUserID, toUserID string) error {
	from, err := s.repo.GetMembership(ctx, hiveID, fromUserID)
	if err != nil {
		return err
	}
	if from.Role != RoleOwner {
		return errs.Authorization("user %s does not own hive %s", fromUserID, hiveID)
	}
	to, err := s.repo.GetMembership(ctx, hiveID, toUserID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return errs.Validation("new owner must already be a member")
		}
		return err
	}

	from.Role = RoleModerator
	to.Role = RoleOwner
	if err := s.repo.SaveMembership(ctx, from); err != nil {
		return err
	}
	if err := s.repo.SaveMembership(ctx, to); err != nil {
		return err
	}

	h, err := s.repo.GetHive(ctx, hiveID)
	if err != nil {
		return err
	}
	h.OwnerUserID = toUserID
	return s.repo.CreateHive(ctx, h) // upsert
}

// Members lists current memberships.
func (s *Service) Members(ctx context.Context, hiveID string) ([]*Membership, error) {
	return s.repo.ListMembers(ctx, hiveID)
}

// Get fetches a hive by id.
func (s *Service) Get(ctx context.Context, hiveID string) (*Hive, error) {
	return s.repo.GetHive(ctx, hiveID)
}
