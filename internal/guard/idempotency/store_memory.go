package idempotency

import (
	"context"
	"sync"
	"time"

	"enroll/internal/guard/models"
	"enroll/pkg/platform/sentinel"
)

// MemoryStore is an in-process Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.IdempotencyRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.IdempotencyRecord)}
}

// Create claims the key unless a live record holds it.
func (s *MemoryStore) Create(_ context.Context, rec models.IdempotencyRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && existing.ExpiresAt.After(now) {
		return sentinel.ErrConflict
	}
	s.records[rec.Key] = rec
	return nil
}

// Get returns the live record for key.
func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.ExpiresAt.After(now) {
		return models.IdempotencyRecord{}, sentinel.ErrNotFound
	}
	return rec, nil
}

// Reclaim replaces the record if it has not moved since expectUpdatedAt.
func (s *MemoryStore) Reclaim(_ context.Context, rec models.IdempotencyRecord, expectUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.Key]
	if !ok || !existing.UpdatedAt.Equal(expectUpdatedAt) {
		return sentinel.ErrConflict
	}
	s.records[rec.Key] = rec
	return nil
}

// Finalize overwrites the record's terminal fields.
func (s *MemoryStore) Finalize(_ context.Context, rec models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.Key]
	if !ok {
		return sentinel.ErrNotFound
	}
	existing.Status = rec.Status
	existing.HTTPStatus = rec.HTTPStatus
	existing.ResponseBody = rec.ResponseBody
	existing.ErrorMessage = rec.ErrorMessage
	existing.ExpiresAt = rec.ExpiresAt
	existing.UpdatedAt = rec.UpdatedAt
	s.records[rec.Key] = existing
	return nil
}

// DeleteExpired removes records whose expiry has passed.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}
