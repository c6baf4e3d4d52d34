// Package presence tracks which users are connected, from how many
// devices, to which hives. Records live in the distributed key-value
// store so all backend instances converge; mutations are serialized
// per record and broadcast as sequenced deltas on the hive topic.
package presence

import (
	"time"

	"github.com/focushive/focushive/backend/bus"
)

// Status is a user's live status within one hive.
type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusAway     Status = "AWAY"
	StatusFocusing Status = "FOCUSING"
	StatusOffline  Status = "OFFLINE"
)

// Delta kinds emitted on hive topics.
const (
	KindJoin          bus.Kind = "JOIN"
	KindDeviceAdded   bus.Kind = "DEVICE_ADDED"
	KindDeviceRemoved bus.Kind = "DEVICE_REMOVED"
	KindStatus        bus.Kind = "STATUS"
	KindLeave         bus.Kind = "LEAVE"
)

// DeviceSession is one live connection, owned by exactly one Record.
type DeviceSession struct {
	DeviceID      string    `json:"deviceId"`
	ConnectionID  string    `json:"connectionId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	ClientKind    string    `json:"clientKind,omitempty"`
}

// Record aggregates a user's devices within a hive. Devices are keyed
// by connection id.
type Record struct {
	UserID           string                   `json:"userId"`
	HiveID           string                   `json:"hiveId"`
	Status           Status                   `json:"status"`
	Devices          map[string]DeviceSession `json:"devices"`
	LastHeartbeat    time.Time                `json:"lastHeartbeat"`
	CurrentSessionID string                   `json:"currentSessionId,omitempty"`

	// version mirrors the store's CAS version; not serialized.
	version int64
}

// Online reports whether the record counts toward the roster.
func (r *Record) Online() bool {
	return r != nil && r.Status != StatusOffline
}

// deviceRef indexes a connection id back to its record.
type deviceRef struct {
	UserID   string `json:"userId"`
	HiveID   string `json:"hiveId"`
	DeviceID string `json:"deviceId"`
}

// DeltaPayload is the body of every presence delta.
type DeltaPayload struct {
	UserID      string `json:"userId"`
	HiveID      string `json:"hiveId"`
	Status      Status `json:"status"`
	DeviceCount int    `json:"deviceCount"`
}

// RosterEntry is one user's slot in a hive roster snapshot.
type RosterEntry struct {
	UserID           string    `json:"userId"`
	Status           Status    `json:"status"`
	DeviceCount      int       `json:"deviceCount"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	CurrentSessionID string    `json:"currentSessionId,omitempty"`
}

// statusTransitionAllowed: ONLINE, AWAY and FOCUSING interchange
// freely; OFFLINE is reachable only through disconnect or sweep.
func statusTransitionAllowed(from, to Status) bool {
	if to == StatusOffline {
		return false
	}
	switch from {
	case StatusOnline, StatusAway, StatusFocusing:
		return to == StatusOnline || to == StatusAway || to == StatusFocusing
	default:
		return false
	}
}
