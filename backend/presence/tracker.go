package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/bus"
	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/observability"
	"github.com/focushive/focushive/backend/store"
)

const casAttempts = 3

// Tracker is the presence core. One instance per backend node; nodes
// converge through the key-value store's CAS and race harmlessly on
// sweeps.
type Tracker struct {
	kv     store.KeyValueStore
	pub    bus.Publisher
	seq    *bus.Sequencer
	sched  clock.Scheduler
	clk    clock.Clock
	cfg    config.Presence
	logger *zap.Logger

	locks keyedMutex

	// Degraded-mode state: last-known rosters served when the store is
	// unreachable.
	mu          sync.Mutex
	lastRosters map[string][]RosterEntry
}

func NewTracker(kv store.KeyValueStore, pub bus.Publisher, seq *bus.Sequencer,
	sched clock.Scheduler, clk clock.Clock, cfg config.Presence, logger *zap.Logger) *Tracker {
	return &Tracker{
		kv:          kv,
		pub:         pub,
		seq:         seq,
		sched:       sched,
		clk:         clk,
		cfg:         cfg,
		logger:      logger,
		lastRosters: make(map[string][]RosterEntry),
	}
}

// OnConnect registers a device session. The first device of an absent
// user emits JOIN; further devices emit DEVICE_ADDED.
func (t *Tracker) OnConnect(ctx context.Context, userID, hiveID, deviceID, connectionID, clientKind string) error {
	if userID == "" || hiveID == "" || connectionID == "" {
		return errs.Validation("userId, hiveId and connectionId are required")
	}
	unlock := t.locks.lock(recordLockKey(hiveID, userID))
	defer unlock()

	now := t.clk.Now()
	var wasAbsent bool
	rec, err := t.mutate(ctx, hiveID, userID, func(r *Record) error {
		wasAbsent = len(r.Devices) == 0 || r.Status == StatusOffline
		r.Status = StatusOnline
		r.LastHeartbeat = now
		r.Devices[connectionID] = DeviceSession{
			DeviceID:      deviceID,
			ConnectionID:  connectionID,
			ConnectedAt:   now,
			LastHeartbeat: now,
			ClientKind:    clientKind,
		}
		return nil
	})
	if err != nil {
		return err
	}

	ref, _ := json.Marshal(deviceRef{UserID: userID, HiveID: hiveID, DeviceID: deviceID})
	if err := t.kv.Set(ctx, store.DeviceKey(connectionID), ref, t.cfg.Retention); err != nil {
		return err
	}

	// A reconnect within the grace window keeps the user present.
	t.sched.Cancel(graceKey(hiveID, userID))

	kind := KindDeviceAdded
	if wasAbsent {
		kind = KindJoin
	}
	t.publish(ctx, hiveID, kind, rec)
	return nil
}

// OnHeartbeat refreshes liveness of the matching device session and its
// record. No delta is emitted.
func (t *Tracker) OnHeartbeat(ctx context.Context, connectionID string) error {
	ref, err := t.deviceRef(ctx, connectionID)
	if err != nil {
		return err
	}
	unlock := t.locks.lock(recordLockKey(ref.HiveID, ref.UserID))
	defer unlock()

	now := t.clk.Now()
	_, err = t.mutate(ctx, ref.HiveID, ref.UserID, func(r *Record) error {
		d, ok := r.Devices[connectionID]
		if !ok {
			return errs.NotFound("device session %s", connectionID)
		}
		d.LastHeartbeat = now
		r.Devices[connectionID] = d
		r.LastHeartbeat = now
		return nil
	})
	return err
}

// OnStatusChange updates status within the permitted transitions.
func (t *Tracker) OnStatusChange(ctx context.Context, userID, hiveID string, next Status) error {
	unlock := t.locks.lock(recordLockKey(hiveID, userID))
	defer unlock()

	rec, err := t.mutate(ctx, hiveID, userID, func(r *Record) error {
		if !statusTransitionAllowed(r.Status, next) {
			return errs.Validation("status transition %s -> %s not permitted", r.Status, next)
		}
		r.Status = next
		return nil
	})
	if err != nil {
		return err
	}
	t.publish(ctx, hiveID, KindStatus, rec)
	return nil
}

// SetCurrentSession links or clears the focus session shown on the
// roster.
func (t *Tracker) SetCurrentSession(ctx context.Context, userID, hiveID, sessionID string) error {
	unlock := t.locks.lock(recordLockKey(hiveID, userID))
	defer unlock()
	_, err := t.mutate(ctx, hiveID, userID, func(r *Record) error {
		r.CurrentSessionID = sessionID
		return nil
	})
	return err
}

// OnDisconnect removes a device session. When the last device goes, the
// record turns transitional and a grace-period check decides LEAVE.
func (t *Tracker) OnDisconnect(ctx context.Context, connectionID string) error {
	ref, err := t.deviceRef(ctx, connectionID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return nil // already gone: disconnect is idempotent
		}
		return err
	}
	_ = t.kv.Delete(ctx, store.DeviceKey(connectionID))

	unlock := t.locks.lock(recordLockKey(ref.HiveID, ref.UserID))
	defer unlock()

	var remaining int
	rec, err := t.mutate(ctx, ref.HiveID, ref.UserID, func(r *Record) error {
		delete(r.Devices, connectionID)
		remaining = len(r.Devices)
		return nil
	})
	if err != nil {
		return err
	}

	if remaining > 0 {
		t.publish(ctx, ref.HiveID, KindDeviceRemoved, rec)
		return nil
	}

	// Last device gone: defer the LEAVE decision by the grace period so
	// a quick reconnect stays invisible to subscribers.
	hiveID, userID := ref.HiveID, ref.UserID
	t.sched.Schedule(graceKey(hiveID, userID), t.clk.Now().Add(t.cfg.OfflineGrace), func() {
		if err := t.graceExpired(context.Background(), hiveID, userID); err != nil {
			t.logger.Warn("grace-period check failed",
				zap.String("hive", hiveID), zap.String("user", userID), zap.Error(err))
		}
	})
	return nil
}

// graceExpired finalizes OFFLINE if no device reconnected.
func (t *Tracker) graceExpired(ctx context.Context, hiveID, userID string) error {
	unlock := t.locks.lock(recordLockKey(hiveID, userID))
	defer unlock()

	var wentOffline bool
	rec, err := t.mutateTTL(ctx, hiveID, userID, t.cfg.Retention, func(r *Record) error {
		if len(r.Devices) > 0 || r.Status == StatusOffline {
			return nil
		}
		r.Status = StatusOffline
		wentOffline = true
		return nil
	})
	if err != nil {
		return err
	}
	if wentOffline {
		t.publish(ctx, hiveID, KindLeave, rec)
	}
	return nil
}

// StaleSweep removes device sessions whose heartbeat is older than the
// stale threshold. A heartbeat exactly at the boundary survives.
func (t *Tracker) StaleSweep(ctx context.Context) {
	observability.PresenceSweeps.Inc()
	entries, err := t.kv.ScanPrefix(ctx, store.AllPresencePrefix())
	if err != nil {
		t.logger.Warn("stale sweep: store scan failed", zap.Error(err))
		return
	}

	now := t.clk.Now()
	for _, raw := range entries {
		var probe Record
		if json.Unmarshal(raw, &probe) != nil || probe.UserID == "" {
			continue
		}
		var stale []string
		for connID, d := range probe.Devices {
			if now.Sub(d.LastHeartbeat) > t.cfg.StaleAfter {
				stale = append(stale, connID)
			}
		}
		if len(stale) == 0 {
			continue
		}
		t.expireDevices(ctx, probe.HiveID, probe.UserID, stale)
	}
}

// expireDevices removes stale device sessions and routes the record
// through the same transitional path a disconnect takes.
func (t *Tracker) expireDevices(ctx context.Context, hiveID, userID string, connIDs []string) {
	unlock := t.locks.lock(recordLockKey(hiveID, userID))
	defer unlock()

	now := t.clk.Now()
	var remaining int
	var removed int
	rec, err := t.mutate(ctx, hiveID, userID, func(r *Record) error {
		removed = 0
		for _, connID := range connIDs {
			// Re-check under the lock: a heartbeat may have landed
			// between the scan and now.
			d, ok := r.Devices[connID]
			if !ok || now.Sub(d.LastHeartbeat) <= t.cfg.StaleAfter {
				continue
			}
			delete(r.Devices, connID)
			removed++
		}
		remaining = len(r.Devices)
		return nil
	})
	if err != nil {
		t.logger.Warn("stale sweep: record update failed",
			zap.String("hive", hiveID), zap.String("user", userID), zap.Error(err))
		return
	}
	if removed == 0 {
		return
	}
	observability.PresenceDevicesRemoved.Add(float64(removed))
	for _, connID := range connIDs {
		_ = t.kv.Delete(ctx, store.DeviceKey(connID))
	}

	if remaining > 0 {
		t.publish(ctx, hiveID, KindDeviceRemoved, rec)
		return
	}
	t.sched.Schedule(graceKey(hiveID, userID), now.Add(t.cfg.OfflineGrace), func() {
		if err := t.graceExpired(context.Background(), hiveID, userID); err != nil {
			t.logger.Warn("grace-period check failed",
				zap.String("hive", hiveID), zap.String("user", userID), zap.Error(err))
		}
	})
}

// Run drives the periodic stale sweep until ctx cancels.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.StaleSweep(ctx)
		}
	}
}

// HiveRoster returns the roster snapshot, falling back to the
// last-known roster when the store is unreachable.
func (t *Tracker) HiveRoster(ctx context.Context, hiveID string) ([]RosterEntry, error) {
	entries, err := t.kv.ScanPrefix(ctx, store.PresencePrefix(hiveID))
	if err != nil {
		t.mu.Lock()
		cached, ok := t.lastRosters[hiveID]
		t.mu.Unlock()
		if ok {
			t.logger.Warn("serving last-known roster", zap.String("hive", hiveID), zap.Error(err))
			return cached, nil
		}
		return nil, err
	}

	roster := make([]RosterEntry, 0, len(entries))
	for _, raw := range entries {
		var rec Record
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		if !rec.Online() {
			continue
		}
		roster = append(roster, RosterEntry{
			UserID:           rec.UserID,
			Status:           rec.Status,
			DeviceCount:      len(rec.Devices),
			LastHeartbeat:    rec.LastHeartbeat,
			CurrentSessionID: rec.CurrentSessionID,
		})
	}
	t.mu.Lock()
	t.lastRosters[hiveID] = roster
	t.mu.Unlock()
	observability.PresenceOnline.WithLabelValues(hiveID).Set(float64(len(roster)))
	return roster, nil
}

// mutate applies fn to the record under optimistic CAS, creating the
// record on first touch.
func (t *Tracker) mutate(ctx context.Context, hiveID, userID string, fn func(*Record) error) (*Record, error) {
	return t.mutateTTL(ctx, hiveID, userID, 0, fn)
}

func (t *Tracker) mutateTTL(ctx context.Context, hiveID, userID string, ttl time.Duration, fn func(*Record) error) (*Record, error) {
	key := store.PresenceKey(hiveID, userID)
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := t.load(ctx, key, hiveID, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, errs.Internal("presence: marshal record: %v", err)
		}
		ok, err := t.kv.CompareAndSet(ctx, key, rec.version, raw, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			rec.version++
			return rec, nil
		}
		// Lost the race to another node; re-read and re-apply.
	}
	return nil, errs.Conflict("presence record %s/%s: too much contention", hiveID, userID)
}

func (t *Tracker) load(ctx context.Context, key, hiveID, userID string) (*Record, error) {
	v, err := t.kv.GetVersioned(ctx, key)
	if errs.IsKind(err, errs.KindNotFound) {
		return &Record{
			UserID:  userID,
			HiveID:  hiveID,
			Status:  StatusOffline,
			Devices: make(map[string]DeviceSession),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(v.Value, &rec); err != nil {
		return nil, errs.Internal("presence: malformed record at %s: %v", key, err)
	}
	if rec.Devices == nil {
		rec.Devices = make(map[string]DeviceSession)
	}
	rec.version = v.Version
	return &rec, nil
}

func (t *Tracker) deviceRef(ctx context.Context, connectionID string) (*deviceRef, error) {
	raw, err := t.kv.Get(ctx, store.DeviceKey(connectionID))
	if err != nil {
		return nil, err
	}
	var ref deviceRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, errs.Internal("presence: malformed device ref: %v", err)
	}
	return &ref, nil
}

// publish emits a sequenced delta after the state mutation committed.
func (t *Tracker) publish(ctx context.Context, hiveID string, kind bus.Kind, rec *Record) {
	topic := bus.HiveTopic(hiveID)
	d, err := bus.New(topic, t.seq.Next(topic), kind, DeltaPayload{
		UserID:      rec.UserID,
		HiveID:      hiveID,
		Status:      rec.Status,
		DeviceCount: len(rec.Devices),
	}, t.clk.Now())
	if err != nil {
		t.logger.Error("presence delta build failed", zap.Error(err))
		return
	}
	if err := t.pub.Publish(ctx, d); err != nil {
		// The mutation committed; subscribers must resync the roster.
		t.logger.Warn("post-commit delta publish failed; marking topic for resync",
			zap.String("hive", hiveID), zap.Error(err))
	}
}

func recordLockKey(hiveID, userID string) string {
	return hiveID + "/" + userID
}

func graceKey(hiveID, userID string) string {
	return fmt.Sprintf("presence-grace:%s:%s", hiveID, userID)
}

// keyedMutex serializes mutations per presence record.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
