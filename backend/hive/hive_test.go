package hive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/hive"
	"github.com/focushive/focushive/backend/repo"
)

func newHiveService(t *testing.T) *hive.Service {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return hive.NewService(repo.NewMemoryHives(), clk, zap.NewNop())
}

func TestCreateHiveSeedsOwnerMembership(t *testing.T) {
	svc := newHiveService(t)
	ctx := context.Background()

	h, err := svc.Create(ctx, "morning-focus", "alice", hive.VisibilityPublic, 10)
	require.NoError(t, err)
	require.Equal(t, "morning-focus", h.Slug)

	members, err := svc.Members(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].UserID)
	require.Equal(t, hive.RoleOwner, members[0].Role)
}

func TestSlugValidationAndUniqueness(t *testing.T) {
	svc := newHiveService(t)
	ctx := context.Background()

	for _, bad := range []string{"", "Has-Caps", "two--dashes", "-leading", "trailing-", "spa ce"} {
		_, err := svc.Create(ctx, bad, "alice", hive.VisibilityPublic, 10)
		require.True(t, errs.IsKind(err, errs.KindValidation), "slug %q", bad)
	}

	_, err := svc.Create(ctx, "focus", "alice", hive.VisibilityPublic, 10)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "focus", "bob", hive.VisibilityPublic, 10)
	require.True(t, errs.IsKind(err, errs.KindConflict))

	_, err = svc.Create(ctx, "tiny", "alice", hive.VisibilityPublic, 0)
	require.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestJoinCapacityAndIdempotence(t *testing.T) {
	svc := newHiveService(t)
	ctx := context.Background()

	h, err := svc.Create(ctx, "small-room", "alice", hive.VisibilityPublic, 2)
	require.NoError(t, err)

	require.NoError(t, svc.Join(ctx, h.ID, "bob"))
	// Rejoining is a no-op, not a second membership.
	require.NoError(t, svc.Join(ctx, h.ID, "bob"))

	err = svc.Join(ctx, h.ID, "carol")
	require.True(t, errs.IsKind(err, errs.KindConflict))

	members, err := svc.Members(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	err = svc.Join(ctx, "missing-hive", "dave")
	require.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestOwnerMustTransferBeforeLeaving(t *testing.T) {
	svc := newHiveService(t)
	ctx := context.Background()

	h, err := svc.Create(ctx, "handover", "alice", hive.VisibilityPublic, 5)
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, h.ID, "bob"))

	err = svc.Leave(ctx, h.ID, "alice")
	require.True(t, errs.IsKind(err, errs.KindValidation))

	require.NoError(t, svc.TransferOwnership(ctx, h.ID, "alice", "bob"))
	require.NoError(t, svc.Leave(ctx, h.ID, "alice"))

	got, err := svc.Get(ctx, h.ID)
	require.NoError(t, err)
	require.Equal(t, "bob", got.OwnerUserID)

	members, err := svc.Members(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, hive.RoleOwner, members[0].Role)
}

func TestTransferOwnershipRules(t *testing.T) {
	svc := newHiveService(t)
	ctx := context.Background()

	h, err := svc.Create(ctx, "rules", "alice", hive.VisibilityPrivate, 5)
	require.NoError(t, err)
	require.NoError(t, svc.Join(ctx, h.ID, "bob"))

	// Only the owner can transfer.
	err = svc.TransferOwnership(ctx, h.ID, "bob", "alice")
	require.True(t, errs.IsKind(err, errs.KindAuthorization))

	// The new owner must already be a member.
	err = svc.TransferOwnership(ctx, h.ID, "alice", "stranger")
	require.True(t, errs.IsKind(err, errs.KindValidation))

	require.NoError(t, svc.TransferOwnership(ctx, h.ID, "alice", "bob"))
	m, err := svc.Members(ctx, h.ID)
	require.NoError(t, err)
	owners := 0
	for _, member := range m {
		if member.Role == hive.RoleOwner {
			owners++
			require.Equal(t, "bob", member.UserID)
		}
	}
	require.Equal(t, 1, owners)
}

func TestLeaveUnknownMembership(t *testing.T) {
	svc := newHiveService(t)
	ctx := context.Background()

	h, err := svc.Create(ctx, "solo", "alice", hive.VisibilityPublic, 5)
	require.NoError(t, err)
	err = svc.Leave(ctx, h.ID, "nobody")
	require.True(t, errs.IsKind(err, errs.KindNotFound))
}
