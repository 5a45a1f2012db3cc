// Package service implements the registration operations behind the guarded
// public routes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"enroll/internal/registration/models"
	dErrors "enroll/pkg/domain-errors"
	"enroll/pkg/platform/audit"
	"enroll/pkg/platform/sentinel"
	"enroll/pkg/requestcontext"
)

// Store persists registrations and slip metadata.
type Store interface {
	CreateRegistration(ctx context.Context, reg models.Registration) error
	GetRegistration(ctx context.Context, id string) (models.Registration, error)
	UpdateRegistrationStatus(ctx context.Context, id string, status models.RegistrationStatus) error
	CreateSlip(ctx context.Context, slip models.PaymentSlip) error
	ListSlips(ctx context.Context, registrationID string) ([]models.PaymentSlip, error)
}

// Service runs registration business logic and records activity.
type Service struct {
	store   Store
	auditor *audit.Logger
	log     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAuditor records registration activity.
func WithAuditor(a *audit.Logger) Option {
	return func(s *Service) { s.auditor = a }
}

// WithSlog sets the logger.
func WithSlog(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New creates a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a registration in pending_payment.
func (s *Service) Submit(ctx context.Context, req models.SubmitRequest) (models.Registration, error) {
	if err := req.Validate(); err != nil {
		return models.Registration{}, err
	}

	reg := models.Registration{
		ID:          uuid.NewString(),
		ProgramCode: req.ProgramCode,
		FullName:    req.FullName,
		Email:       req.Email,
		Phone:       req.Phone,
		Status:      models.StatusPendingPayment,
		CreatedAt:   requestcontext.Now(ctx),
	}
	if err := s.store.CreateRegistration(ctx, reg); err != nil {
		return models.Registration{}, dErrors.Wrap(err, dErrors.CodeInternal, "create registration")
	}

	s.audit(ctx, audit.Record{
		Category:     audit.CategoryRegistration,
		Action:       "registration.submitted",
		Status:       audit.StatusSuccess,
		SubjectType:  "registration",
		SubjectID:    reg.ID,
		SubjectLabel: reg.FullName,
		Message:      fmt.Sprintf("registration submitted for program %s", reg.ProgramCode),
		After:        reg,
	})
	return reg, nil
}

// AttachSlip records payment-slip metadata against a registration and moves
// it to slip_submitted.
func (s *Service) AttachSlip(ctx context.Context, registrationID string, upload models.SlipUpload) (models.PaymentSlip, error) {
	if err := upload.Validate(); err != nil {
		return models.PaymentSlip{}, err
	}

	reg, err := s.store.GetRegistration(ctx, registrationID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.PaymentSlip{}, dErrors.New(dErrors.CodeNotFound, "registration not found")
	}
	if err != nil {
		return models.PaymentSlip{}, dErrors.Wrap(err, dErrors.CodeInternal, "load registration")
	}

	slip := models.PaymentSlip{
		ID:             uuid.NewString(),
		RegistrationID: reg.ID,
		FileName:       upload.FileName,
		ContentType:    upload.ContentType,
		SizeBytes:      upload.SizeBytes,
		Checksum:       upload.Checksum,
		UploadedAt:     requestcontext.Now(ctx),
	}
	if err := s.store.CreateSlip(ctx, slip); err != nil {
		return models.PaymentSlip{}, dErrors.Wrap(err, dErrors.CodeInternal, "create payment slip")
	}
	if err := s.store.UpdateRegistrationStatus(ctx, reg.ID, models.StatusSlipSubmitted); err != nil {
		return models.PaymentSlip{}, dErrors.Wrap(err, dErrors.CodeInternal, "update registration status")
	}

	s.audit(ctx, audit.Record{
		Category:     audit.CategoryPayment,
		Action:       "payment_slip.uploaded",
		Status:       audit.StatusSuccess,
		SubjectType:  "registration",
		SubjectID:    reg.ID,
		SubjectLabel: reg.FullName,
		Message:      fmt.Sprintf("payment slip %s uploaded", slip.FileName),
		Before:       map[string]any{"status": models.StatusPendingPayment},
		After:        slip,
	})
	return slip, nil
}

// Lookup returns a registration with its slips.
func (s *Service) Lookup(ctx context.Context, id string) (models.Registration, []models.PaymentSlip, error) {
	reg, err := s.store.GetRegistration(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.Registration{}, nil, dErrors.New(dErrors.CodeNotFound, "registration not found")
	}
	if err != nil {
		return models.Registration{}, nil, dErrors.Wrap(err, dErrors.CodeInternal, "load registration")
	}
	slips, err := s.store.ListSlips(ctx, id)
	if err != nil {
		return models.Registration{}, nil, dErrors.Wrap(err, dErrors.CodeInternal, "list payment slips")
	}
	return reg, slips, nil
}

func (s *Service) audit(ctx context.Context, rec audit.Record) {
	if s.auditor != nil {
		s.auditor.LogSafe(ctx, rec)
	}
}
