// Package models defines the registration domain records.
package models

import (
	"strings"
	"time"

	dErrors "enroll/pkg/domain-errors"
)

// RegistrationStatus tracks a registration through payment.
type RegistrationStatus string

const (
	StatusPendingPayment RegistrationStatus = "pending_payment"
	StatusSlipSubmitted  RegistrationStatus = "slip_submitted"
)

// Registration is one program sign-up.
type Registration struct {
	ID          string             `json:"id"`
	ProgramCode string             `json:"program_code"`
	FullName    string             `json:"full_name"`
	Email       string             `json:"email"`
	Phone       string             `json:"phone,omitempty"`
	Status      RegistrationStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
}

// PaymentSlip is the metadata of an uploaded payment proof. The file itself
// lives in object storage outside this service.
type PaymentSlip struct {
	ID             string    `json:"id"`
	RegistrationID string    `json:"registration_id"`
	FileName       string    `json:"file_name"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	Checksum       string    `json:"checksum"`
	UploadedAt     time.Time `json:"uploaded_at"`
}

// SubmitRequest is the public registration payload.
type SubmitRequest struct {
	ProgramCode string `json:"program_code"`
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

// Validate checks the submission fields.
func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.ProgramCode) == "" {
		return dErrors.New(dErrors.CodeValidation, "program_code is required")
	}
	if strings.TrimSpace(r.FullName) == "" {
		return dErrors.New(dErrors.CodeValidation, "full_name is required")
	}
	email := strings.TrimSpace(r.Email)
	if email == "" {
		return dErrors.New(dErrors.CodeValidation, "email is required")
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return dErrors.New(dErrors.CodeValidation, "email is invalid")
	}
	return nil
}

// SlipUpload is the public payment-slip payload.
type SlipUpload struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
}

// Validate checks the upload metadata.
func (u SlipUpload) Validate() error {
	if strings.TrimSpace(u.FileName) == "" {
		return dErrors.New(dErrors.CodeValidation, "file_name is required")
	}
	if u.SizeBytes <= 0 {
		return dErrors.New(dErrors.CodeValidation, "size_bytes must be positive")
	}
	return nil
}
