package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/bus"
	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/store"
)

type trackerEnv struct {
	tracker *Tracker
	clk     *clock.Fake
	kv      *flakyStore
	bus     *bus.Bus
}

// flakyStore forwards to a real store until failing is set.
type flakyStore struct {
	store.KeyValueStore
	failing bool
}

func (f *flakyStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	if f.failing {
		return nil, errors.New("store unreachable")
	}
	return f.KeyValueStore.ScanPrefix(ctx, prefix)
}

func newTrackerEnv(t *testing.T) *trackerEnv {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	kv := &flakyStore{KeyValueStore: store.NewMemoryStoreAt(clk.Now)}
	b := bus.NewBus(zap.NewNop(), 64)
	cfg := config.Presence{
		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        90 * time.Second,
		OfflineGrace:      30 * time.Second,
		Retention:         24 * time.Hour,
		SweepInterval:     30 * time.Second,
	}
	return &trackerEnv{
		tracker: NewTracker(kv, b, bus.NewSequencer(), clk, clk, cfg, zap.NewNop()),
		clk:     clk,
		kv:      kv,
		bus:     b,
	}
}

func collect(sub *bus.Subscription) []bus.Delta {
	var out []bus.Delta
	for {
		select {
		case d := <-sub.C():
			out = append(out, d)
		default:
			return out
		}
	}
}

func kinds(deltas []bus.Delta) []bus.Kind {
	out := make([]bus.Kind, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, d.Kind)
	}
	return out
}

func TestConnectDisconnectDeltaSequence(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()
	sub := env.bus.Subscribe(bus.HiveTopic("hive-1"))
	defer sub.Cancel()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "phone", "conn-b", "mobile"))
	require.NoError(t, env.tracker.OnDisconnect(ctx, "conn-b"))
	require.NoError(t, env.tracker.OnDisconnect(ctx, "conn-a"))

	// LEAVE waits for the grace period.
	require.Equal(t,
		[]bus.Kind{KindJoin, KindDeviceAdded, KindDeviceRemoved},
		kinds(collect(sub)))

	env.clk.Advance(31 * time.Second)
	deltas := collect(sub)
	require.Equal(t, []bus.Kind{KindLeave}, kinds(deltas))

	var payload DeltaPayload
	require.NoError(t, json.Unmarshal(deltas[0].Payload, &payload))
	require.Equal(t, "u1", payload.UserID)
	require.Equal(t, StatusOffline, payload.Status)
	require.Equal(t, 0, payload.DeviceCount)
}

func TestDeltaSequencesAscendPerHive(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()
	sub := env.bus.Subscribe(bus.HiveTopic("hive-1"))
	defer sub.Cancel()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	require.NoError(t, env.tracker.OnConnect(ctx, "u2", "hive-1", "laptop", "conn-b", "web"))
	require.NoError(t, env.tracker.OnStatusChange(ctx, "u1", "hive-1", StatusFocusing))

	deltas := collect(sub)
	require.Len(t, deltas, 3)
	for i, d := range deltas {
		require.Equal(t, uint64(i+1), d.Seq)
	}
}

func TestReconnectWithinGraceSuppressesLeave(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()
	sub := env.bus.Subscribe(bus.HiveTopic("hive-1"))
	defer sub.Cancel()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	require.NoError(t, env.tracker.OnDisconnect(ctx, "conn-a"))
	env.clk.Advance(10 * time.Second)
	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a2", "web"))

	env.clk.Advance(time.Hour)
	for _, d := range collect(sub) {
		require.NotEqual(t, KindLeave, d.Kind)
	}
}

func TestHeartbeatBoundarySurvivesSweep(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()
	sub := env.bus.Subscribe(bus.HiveTopic("hive-1"))
	defer sub.Cancel()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	collect(sub)

	// Exactly at the stale boundary the device stays.
	env.clk.Advance(90 * time.Second)
	env.tracker.StaleSweep(ctx)
	require.Empty(t, collect(sub))

	roster, err := env.tracker.HiveRoster(ctx, "hive-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)

	// One tick past it the device is swept and LEAVE follows the grace.
	env.clk.Advance(time.Second)
	env.tracker.StaleSweep(ctx)
	env.clk.Advance(31 * time.Second)
	require.Equal(t, []bus.Kind{KindLeave}, kinds(collect(sub)))
}

func TestHeartbeatKeepsDeviceAlive(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	for i := 0; i < 5; i++ {
		env.clk.Advance(60 * time.Second)
		require.NoError(t, env.tracker.OnHeartbeat(ctx, "conn-a"))
		env.tracker.StaleSweep(ctx)
	}

	roster, err := env.tracker.HiveRoster(ctx, "hive-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.Equal(t, 1, roster[0].DeviceCount)
}

func TestSweepRemovesOnlyStaleDevice(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()
	sub := env.bus.Subscribe(bus.HiveTopic("hive-1"))
	defer sub.Cancel()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "phone", "conn-b", "mobile"))
	collect(sub)

	env.clk.Advance(91 * time.Second)
	require.NoError(t, env.tracker.OnHeartbeat(ctx, "conn-b"))
	env.tracker.StaleSweep(ctx)

	require.Equal(t, []bus.Kind{KindDeviceRemoved}, kinds(collect(sub)))
	roster, err := env.tracker.HiveRoster(ctx, "hive-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.Equal(t, 1, roster[0].DeviceCount)
}

func TestStatusTransitions(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()
	sub := env.bus.Subscribe(bus.HiveTopic("hive-1"))
	defer sub.Cancel()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	require.NoError(t, env.tracker.OnStatusChange(ctx, "u1", "hive-1", StatusFocusing))
	require.NoError(t, env.tracker.OnStatusChange(ctx, "u1", "hive-1", StatusAway))

	// OFFLINE is never reachable through a status change.
	err := env.tracker.OnStatusChange(ctx, "u1", "hive-1", StatusOffline)
	require.True(t, errs.IsKind(err, errs.KindValidation))

	// Absent users cannot change status.
	err = env.tracker.OnStatusChange(ctx, "ghost", "hive-1", StatusAway)
	require.True(t, errs.IsKind(err, errs.KindValidation))

	deltas := collect(sub)
	require.Equal(t, []bus.Kind{KindJoin, KindStatus, KindStatus}, kinds(deltas))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	require.NoError(t, env.tracker.OnDisconnect(ctx, "never-connected"))

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	require.NoError(t, env.tracker.OnDisconnect(ctx, "conn-a"))
	require.NoError(t, env.tracker.OnDisconnect(ctx, "conn-a"))
}

func TestHeartbeatUnknownConnection(t *testing.T) {
	env := newTrackerEnv(t)
	err := env.tracker.OnHeartbeat(context.Background(), "never-connected")
	require.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestConnectRequiresIdentifiers(t *testing.T) {
	env := newTrackerEnv(t)
	err := env.tracker.OnConnect(context.Background(), "", "hive-1", "laptop", "conn-a", "web")
	require.True(t, errs.IsKind(err, errs.KindValidation))
	err = env.tracker.OnConnect(context.Background(), "u1", "hive-1", "laptop", "", "web")
	require.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCurrentSessionOnRoster(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	require.NoError(t, env.tracker.SetCurrentSession(ctx, "u1", "hive-1", "session-9"))

	roster, err := env.tracker.HiveRoster(ctx, "hive-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.Equal(t, "session-9", roster[0].CurrentSessionID)

	require.NoError(t, env.tracker.SetCurrentSession(ctx, "u1", "hive-1", ""))
	roster, err = env.tracker.HiveRoster(ctx, "hive-1")
	require.NoError(t, err)
	require.Empty(t, roster[0].CurrentSessionID)
}

func TestRosterFallsBackWhenStoreUnreachable(t *testing.T) {
	env := newTrackerEnv(t)
	ctx := context.Background()

	require.NoError(t, env.tracker.OnConnect(ctx, "u1", "hive-1", "laptop", "conn-a", "web"))
	require.NoError(t, env.tracker.OnConnect(ctx, "u2", "hive-1", "laptop", "conn-b", "web"))

	fresh, err := env.tracker.HiveRoster(ctx, "hive-1")
	require.NoError(t, err)
	require.Len(t, fresh, 2)

	env.kv.failing = true
	cached, err := env.tracker.HiveRoster(ctx, "hive-1")
	require.NoError(t, err)
	require.Equal(t, fresh, cached)

	// No snapshot means the outage surfaces.
	_, err = env.tracker.HiveRoster(ctx, "hive-never-seen")
	require.Error(t, err)
}
