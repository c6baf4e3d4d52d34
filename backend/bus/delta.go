// Package bus is the broadcast bus: deltas produced by the cores are
// routed by topic to subscribers with bounded queues, and relayed
// across nodes over the key-value store's pub/sub channel.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Topic routes a delta. Formats: hive:{id}, user:{id}, partnership:{id}.
type Topic string

func HiveTopic(hiveID string) Topic { return Topic("hive:" + hiveID) }

func UserTopic(userID string) Topic { return Topic("user:" + userID) }

func PartnershipTopic(id string) Topic { return Topic("partnership:" + id) }

// Class returns the topic class ("hive", "user", "partnership") for
// metrics labels.
func (t Topic) Class() string {
	if i := strings.IndexByte(string(t), ':'); i > 0 {
		return string(t)[:i]
	}
	return "unknown"
}

// Kind tags the delta payload variant.
type Kind string

// KindResyncRequired is appended to a subscriber queue after overflow
// or after a failed post-commit publish; the subscriber must re-read
// authoritative state.
const KindResyncRequired Kind = "RESYNC_REQUIRED"

// Delta is one incremental state-change event. Seq is assigned by the
// producing core and is monotonically increasing per topic; subscribers
// detect gaps and resynchronize.
type Delta struct {
	Topic      Topic           `json:"topic"`
	Seq        uint64          `json:"sequenceNo"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProducedAt time.Time       `json:"producedAt"`
}

// New builds a delta, marshaling the payload.
func New(topic Topic, seq uint64, kind Kind, payload any, at time.Time) (Delta, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Delta{}, fmt.Errorf("bus: marshal payload: %w", err)
		}
		raw = b
	}
	return Delta{Topic: topic, Seq: seq, Kind: kind, Payload: raw, ProducedAt: at}, nil
}

// Publisher is the narrow interface the cores emit through. The Bus
// implements it directly for single-node deployments; the Relay wraps
// it for multi-node.
type Publisher interface {
	Publish(ctx context.Context, d Delta) error
}

// Sequencer hands out per-topic monotonic sequence numbers.
type Sequencer struct {
	mu   sync.Mutex
	next map[Topic]uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[Topic]uint64)}
}

// Next returns the next sequence number for the topic, starting at 1.
func (s *Sequencer) Next(topic Topic) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[topic]++
	return s.next[topic]
}
