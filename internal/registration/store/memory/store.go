// Package memory is the in-process registration store used by tests and
// single-instance deployments.
package memory

import (
	"context"
	"sync"

	"enroll/internal/registration/models"
	"enroll/pkg/platform/sentinel"
)

// Store keeps registrations and slip metadata in maps.
type Store struct {
	mu            sync.RWMutex
	registrations map[string]models.Registration
	slips         map[string][]models.PaymentSlip
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		registrations: make(map[string]models.Registration),
		slips:         make(map[string][]models.PaymentSlip),
	}
}

// CreateRegistration stores a new registration.
func (s *Store) CreateRegistration(_ context.Context, reg models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registrations[reg.ID]; ok {
		return sentinel.ErrConflict
	}
	s.registrations[reg.ID] = reg
	return nil
}

// GetRegistration returns the registration by ID.
func (s *Store) GetRegistration(_ context.Context, id string) (models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[id]
	if !ok {
		return models.Registration{}, sentinel.ErrNotFound
	}
	return reg, nil
}

// UpdateRegistrationStatus moves the registration to a new status.
func (s *Store) UpdateRegistrationStatus(_ context.Context, id string, status models.RegistrationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	reg.Status = status
	s.registrations[id] = reg
	return nil
}

// CreateSlip appends slip metadata for a registration.
func (s *Store) CreateSlip(_ context.Context, slip models.PaymentSlip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slips[slip.RegistrationID] = append(s.slips[slip.RegistrationID], slip)
	return nil
}

// ListSlips returns the slips for a registration in upload order.
func (s *Store) ListSlips(_ context.Context, registrationID string) ([]models.PaymentSlip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slips := s.slips[registrationID]
	out := make([]models.PaymentSlip, len(slips))
	copy(out, slips)
	return out, nil
}
