package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/focushive/focushive/backend/errs"
)

// MemoryStore is a process-local KeyValueStore for tests and single-node
// development. TTLs are evaluated lazily against the injected now func.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	subs map[string][]chan []byte
	now  func() time.Time
}

type memoryEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreAt(time.Now)
}

// NewMemoryStoreAt lets tests pin expiry evaluation to a fake clock.
func NewMemoryStoreAt(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memoryEntry),
		subs: make(map[string][]chan []byte),
		now:  now,
	}
}

func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, errs.NotFound("key %q", key)
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.live(key)
	s.data[key] = memoryEntry{value: value, version: e.version, expiresAt: s.deadline(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.data[key] = memoryEntry{value: value, expiresAt: s.deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

func (s *MemoryStore) GetVersioned(_ context.Context, key string) (*VersionedValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, errs.NotFound("key %q", key)
	}
	return &VersionedValue{Value: e.value, Version: e.version, Timestamp: s.now().Unix()}, nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, key string, expected int64, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	current := int64(0)
	if ok {
		current = e.version
	}
	if current != expected {
		return false, nil
	}
	s.data[key] = memoryEntry{value: value, version: expected + 1, expiresAt: s.deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) ScanPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for key := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := s.live(key); ok {
			out[key] = e.value
		}
	}
	return out, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for pattern, chans := range s.subs {
		if !patternMatch(pattern, channel) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- payload:
			default: // slow local subscriber, drop
			}
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.subs[channel]
		for i, c := range chans {
			if c == ch {
				s.subs[channel] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// patternMatch supports the single trailing-star glob the relay uses.
func patternMatch(pattern, channel string) bool {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return strings.HasPrefix(channel, pattern[:i])
	}
	return pattern == channel
}
