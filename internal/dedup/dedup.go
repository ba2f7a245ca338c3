// Package dedup remembers recently seen message ids for a bounded time.
package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultCapacity = 4096
	DefaultTTL      = 24 * time.Hour
)

// Set is a bounded seen-set. Entries leave when they expire or when the
// capacity forces out the least recently used one.
type Set struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func New(capacity int, ttl time.Duration) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New(capacity)
	return &Set{cache: cache, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (s *Set) WithClock(now func() time.Time) *Set {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *Set) Seen(id [32]byte) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seenLocked(id, s.now())
}

func (s *Set) seenLocked(id [32]byte, now time.Time) bool {
	v, ok := s.cache.Get(id)
	if !ok {
		return false
	}
	if exp := v.(time.Time); exp.After(now) {
		return true
	}
	s.cache.Remove(id)
	return false
}

// Add records id, refreshing its expiry when already present.
func (s *Set) Add(id [32]byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(id, s.now().Add(s.ttl))
}

// CheckAndAdd reports whether id was already live and records it either way.
func (s *Set) CheckAndAdd(id [32]byte) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	seen := s.seenLocked(id, now)
	if !seen {
		s.cache.Add(id, now.Add(s.ttl))
	}
	return seen
}

func (s *Set) Forget(id [32]byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cache.Remove(id)
	s.mu.Unlock()
}

// Len counts entries including ones that expired but were not looked up yet.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return s.cache.Len()
}
