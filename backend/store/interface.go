// Package store abstracts the distributed key-value backend shared by
// all backend instances. Presence records, the token revocation set,
// the JWKS mirror and rate-limit counters live here; the Redis
// implementation additionally carries the cross-node delta channel.
package store

import (
	"context"
	"time"
)

// VersionedValue pairs a payload with a monotonic version for
// conflict detection across nodes.
type VersionedValue struct {
	Value     []byte `json:"value"`
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// KeyValueStore is the contract every backend instance converges on.
// Missing keys surface as errs.NotFound.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets only if the key is absent; reports whether it was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// GetVersioned and CompareAndSet implement the optimistic per-record
	// concurrency the presence core relies on. CompareAndSet succeeds
	// only when the stored version equals expected (0 = key absent) and
	// writes expected+1.
	GetVersioned(ctx context.Context, key string) (*VersionedValue, error)
	CompareAndSet(ctx context.Context, key string, expected int64, value []byte, ttl time.Duration) (bool, error)

	// ScanPrefix returns all key/value pairs under a prefix. Rosters are
	// small (bounded by hive maxMembers), so a scan is acceptable.
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// Publish and Subscribe carry the cross-node delta relay.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Close() error
}
