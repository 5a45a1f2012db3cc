package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	route       string
	clientID    string
	windowStart time.Time
	count       int
	expiresAt   time.Time
}

// MemoryStore is an in-process Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow)}
}

// Increment bumps the count for the window, creating it at 1 when absent or
// expired.
func (s *MemoryStore) Increment(_ context.Context, key, route, clientID string, windowStart, expiresAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.expiresAt.After(windowStart) {
		w = &memoryWindow{
			route:       route,
			clientID:    clientID,
			windowStart: windowStart,
			expiresAt:   expiresAt,
		}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// DeleteExpired removes windows whose expiry has passed.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, w := range s.windows {
		if !w.expiresAt.After(now) {
			delete(s.windows, key)
			deleted++
		}
	}
	return deleted, nil
}
