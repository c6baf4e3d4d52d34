package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/observability"
)

// DefaultQueueSize bounds each subscriber queue.
const DefaultQueueSize = 256

// Bus is the single-process broker. Delivery is per-topic ordered as
// long as producers assign sequence numbers in publish order; slow
// subscribers lose oldest entries and receive a RESYNC_REQUIRED marker.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Topic]map[*Subscription]struct{}
	queueSize int
	logger    *zap.Logger
}

func NewBus(logger *zap.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[Topic]map[*Subscription]struct{}),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscription is one subscriber's bounded queue over a set of topics.
type Subscription struct {
	bus    *Bus
	topics map[Topic]struct{}

	mu         sync.Mutex
	ch         chan Delta
	lastSeq    map[Topic]uint64
	resyncSent bool
	closed     bool
}

// Subscribe registers a subscriber for the given topics.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{
		bus:     b,
		topics:  make(map[Topic]struct{}, len(topics)),
		ch:      make(chan Delta, b.queueSize),
		lastSeq: make(map[Topic]uint64),
	}
	b.mu.Lock()
	for _, t := range topics {
		s.topics[t] = struct{}{}
		if b.subs[t] == nil {
			b.subs[t] = make(map[*Subscription]struct{})
		}
		b.subs[t][s] = struct{}{}
	}
	b.mu.Unlock()
	observability.BusSubscribers.Inc()
	return s
}

// AddTopic extends a live subscription.
func (s *Subscription) AddTopic(t Topic) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.topics[t] = struct{}{}
	if s.bus.subs[t] == nil {
		s.bus.subs[t] = make(map[*Subscription]struct{})
	}
	s.bus.subs[t][s] = struct{}{}
}

// C is the delivery channel. Closed on Cancel.
func (s *Subscription) C() <-chan Delta { return s.ch }

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	for t := range s.topics {
		delete(s.bus.subs[t], s)
		if len(s.bus.subs[t]) == 0 {
			delete(s.bus.subs, t)
		}
	}
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
		observability.BusSubscribers.Dec()
	}
}

// offer enqueues without ever blocking the producer. Duplicates (same
// or older sequence number on a topic) are suppressed, which makes
// cross-node relay echoes harmless.
func (s *Subscription) offer(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if d.Seq != 0 {
		if last, ok := s.lastSeq[d.Topic]; ok && d.Seq <= last {
			return
		}
		s.lastSeq[d.Topic] = d.Seq
	}
	if len(s.ch) == 0 {
		s.resyncSent = false
	}
	select {
	case s.ch <- d:
		return
	default:
	}

	// Queue full: drop oldest, mark the gap once, then enqueue. A
	// marker that falls victim to drop-oldest re-arms so the gap signal
	// always survives in the queue.
	if s.dropOldest() {
		s.resyncSent = false
	}
	observability.DeltasDropped.Inc()
	if !s.resyncSent {
		s.resyncSent = true
		if len(s.ch) == cap(s.ch) {
			s.dropOldest()
		}
		s.ch <- Delta{Topic: d.Topic, Kind: KindResyncRequired, ProducedAt: d.ProducedAt}
	}
	if len(s.ch) == cap(s.ch) {
		if s.dropOldest() {
			s.resyncSent = false
		}
	}
	s.ch <- d
}

// dropOldest discards the head of the queue and reports whether it was
// a resync marker.
func (s *Subscription) dropOldest() bool {
	select {
	case old := <-s.ch:
		return old.Kind == KindResyncRequired
	default:
		return false
	}
}

// Deliver fans a delta out to local subscribers of its topic.
func (b *Bus) Deliver(d Delta) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs[d.Topic]))
	for s := range b.subs[d.Topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.offer(d)
	}
	observability.DeltasPublished.WithLabelValues(d.Topic.Class(), string(d.Kind)).Inc()
}

// Publish implements Publisher for single-node deployments.
func (b *Bus) Publish(_ context.Context, d Delta) error {
	b.Deliver(d)
	return nil
}
