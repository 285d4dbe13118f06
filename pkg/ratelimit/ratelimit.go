// Package ratelimit implements fixed-window request admission with local
// and Redis-backed counter stores.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store counts hits in fixed windows. Implementations must be safe for
// concurrent use.
type Store interface {
	// Incr adds one hit to the bucket and returns the running count plus
	// the instant the window resets.
	Incr(ctx context.Context, bucket string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// LocalStore is the in-process fixed-window counter.
type LocalStore struct {
	mu      sync.Mutex
	buckets map[string]*window
	clock   func() time.Time
}

type window struct {
	count   int64
	resetAt time.Time
}

// NewLocalStore creates an empty local store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		buckets: make(map[string]*window),
		clock:   time.Now,
	}
}

// WithClock substitutes the time source. Intended for tests.
func (s *LocalStore) WithClock(clock func() time.Time) *LocalStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// Incr implements Store. The window resets once now reaches resetAt.
func (s *LocalStore) Incr(_ context.Context, bucket string, windowDur time.Duration) (int64, time.Time, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.buckets[bucket]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(windowDur)}
		s.buckets[bucket] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Sweep drops buckets whose window has passed.
func (s *LocalStore) Sweep() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for bucket, w := range s.buckets {
		if !now.Before(w.resetAt) {
			delete(s.buckets, bucket)
			removed++
		}
	}
	return removed
}
