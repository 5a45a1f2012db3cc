// Package audit records administrative and public API activity as an
// append-only trail. Entries are written best-effort: a failed append must
// never change the outcome of the operation it describes.
package audit

import (
	"time"
)

// Status classifies the outcome of a logged action. The vocabulary is open;
// these are the values this codebase emits.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
	StatusBlocked Status = "blocked"
)

// FailureStatuses are the statuses counted as failures in aggregate stats.
var FailureStatuses = []Status{StatusFailure, StatusError, StatusBlocked}

// Common categories emitted by this service. Free text, bounded length.
const (
	CategoryRegistration = "registration"
	CategoryPayment      = "payment"
	CategorySecurity     = "security"
	CategoryAdmin        = "admin"
	CategorySystem       = "system"
)

// Per-field length bounds. Oversize values are truncated, never rejected.
const (
	maxActorName    = 255
	maxActorEmail   = 255
	maxCategory     = 100
	maxAction       = 100
	maxStatus       = 32
	maxSubjectType  = 100
	maxSubjectID    = 64
	maxSubjectLabel = 255
	maxMessage      = 1000
	maxRouteName    = 150
	maxHTTPMethod   = 10
	maxIPAddress    = 64
	maxUserAgent    = 512
	maxRequestID    = 128
)

// Entry is a single activity-log record. Immutable once written; CreatedAt is
// the sole ordering key and entries are never updated or deleted by the
// application.
type Entry struct {
	ID int64

	// Actor identity. ActorUserID is a weak reference — cleared, not cascaded,
	// if the user is deleted. The snapshots are captured at log time and are
	// independent of later user state.
	ActorUserID string
	ActorName   string
	ActorEmail  string

	Category string
	Action   string
	Status   Status

	// Subject of the action. SubjectID is a weak reference with no foreign-key
	// integrity.
	SubjectType  string
	SubjectID    string
	SubjectLabel string

	Message string

	// Request provenance.
	RouteName  string
	HTTPMethod string
	IPAddress  string
	UserAgent  string
	RequestID  string

	// Sanitized structured payloads. Nil means absent (omitted, not null).
	Before Value
	After  Value
	Meta   Value

	CreatedAt time.Time
}

// Normalize applies the per-field length bounds in place.
func (e *Entry) Normalize() {
	e.ActorName = SanitizeString(e.ActorName, maxActorName)
	e.ActorEmail = SanitizeString(e.ActorEmail, maxActorEmail)
	e.Category = SanitizeString(e.Category, maxCategory)
	e.Action = SanitizeString(e.Action, maxAction)
	e.Status = Status(SanitizeString(string(e.Status), maxStatus))
	e.SubjectType = SanitizeString(e.SubjectType, maxSubjectType)
	e.SubjectID = SanitizeString(e.SubjectID, maxSubjectID)
	e.SubjectLabel = SanitizeString(e.SubjectLabel, maxSubjectLabel)
	e.Message = SanitizeString(e.Message, maxMessage)
	e.RouteName = SanitizeString(e.RouteName, maxRouteName)
	e.HTTPMethod = SanitizeString(e.HTTPMethod, maxHTTPMethod)
	e.IPAddress = SanitizeString(e.IPAddress, maxIPAddress)
	e.UserAgent = SanitizeString(e.UserAgent, maxUserAgent)
	e.RequestID = SanitizeString(e.RequestID, maxRequestID)
}

// ActorKey returns the identity used for distinct-actor stats: email when
// present, else name.
func (e *Entry) ActorKey() string {
	if e.ActorEmail != "" {
		return e.ActorEmail
	}
	return e.ActorName
}

// IsFailure reports whether the entry counts toward the failure statistic.
func (e *Entry) IsFailure() bool {
	for _, status := range FailureStatuses {
		if e.Status == status {
			return true
		}
	}
	return false
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	// Search matches case-insensitive substrings across action, category,
	// message, subject label/ID, route name, request ID, and actor fields.
	Search string
	// Actor matches case-insensitive substrings of actor name or email.
	Actor string

	// Exact matches.
	Category    string
	Action      string
	Status      string
	SubjectType string

	// Inclusive day-granularity date range. Converted to full-day UTC bounds:
	// DateFrom at 00:00:00 UTC, DateTo at 23:59:59.999 UTC.
	DateFrom *time.Time
	DateTo   *time.Time
}

// Bounds returns the effective UTC time range, with either side possibly zero.
func (f Filter) Bounds() (from, to time.Time) {
	if f.DateFrom != nil {
		d := f.DateFrom.UTC()
		from = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	}
	if f.DateTo != nil {
		d := f.DateTo.UTC()
		to = time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 999_000_000, time.UTC)
	}
	return from, to
}

// Pagination defaults and bounds.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Page is a 1-based pagination request.
type Page struct {
	Number int
	Size   int
}

// Clamp normalizes the page request: number ≥ 1, size within [1, MaxPageSize].
func (p Page) Clamp() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// QueryResult is one page of matching entries. Page reflects the effective
// page after clamping to the last available page.
type QueryResult struct {
	Rows       []Entry
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// Options lists the distinct filter vocabularies present in the log, for
// building filter UIs.
type Options struct {
	Categories   []string `json:"categories"`
	Actions      []string `json:"actions"`
	Statuses     []string `json:"statuses"`
	SubjectTypes []string `json:"subject_types"`
}

// Stats aggregates the log for the dashboard header.
type Stats struct {
	Total          int `json:"total"`
	Failures       int `json:"failures"`
	Last24h        int `json:"last_24h"`
	DistinctActors int `json:"distinct_actors"`
}
