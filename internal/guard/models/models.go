// Package models defines the coordination records and results shared by the
// rate limiter, the idempotency coordinator, and the guard facade.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// RateLimitResult is the outcome of a fixed-window rate-limit check.
type RateLimitResult struct {
	Allowed bool
	// Count is the post-increment request count within the current window.
	Count int
	Limit int
	// RetryAfter is whole seconds until the current window ends, minimum 1.
	RetryAfter  int
	WindowStart time.Time
}

// RecordStatus is the idempotency state machine:
// absent → in_progress → {succeeded | failed}.
type RecordStatus string

const (
	StatusInProgress RecordStatus = "in_progress"
	StatusSucceeded  RecordStatus = "succeeded"
	StatusFailed     RecordStatus = "failed"
)

// IdempotencyRecord is the per-key coordination state. Records past ExpiresAt
// are treated as absent even when not yet physically deleted.
type IdempotencyRecord struct {
	Key          string
	Route        string
	ClientID     string
	RequestHash  string
	Status       RecordStatus
	HTTPStatus   int
	ResponseBody json.RawMessage
	ErrorMessage string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// Outcome classifies a Begin decision.
type Outcome string

const (
	// OutcomeProceed: the caller won the key and must run the business logic,
	// then finalize.
	OutcomeProceed Outcome = "proceed"
	// OutcomeReplay: a previous attempt succeeded; serve the cached response.
	OutcomeReplay Outcome = "replay"
	// OutcomeInProgress: a duplicate is still being processed; the client
	// should retry after a short delay.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeConflict: the key was reused with a different payload, client,
	// or route. Flagged as a potential integrity problem.
	OutcomeConflict Outcome = "conflict"
)

// BeginResult carries the Begin decision plus the cached response for replays
// and the reason for conflicts.
type BeginResult struct {
	Outcome Outcome
	Key     string

	// Set for OutcomeReplay.
	HTTPStatus   int
	ResponseBody json.RawMessage

	// Set for OutcomeConflict.
	Reason string
}

// ManualKey scopes a caller-supplied idempotency key to its route.
func ManualKey(route, callerKey string) string {
	return fmt.Sprintf("%s:manual:%s", route, callerKey)
}

// AutoKey derives an idempotency key from the client identity and the
// canonicalized payload hash, for clients that send no explicit key.
func AutoKey(route, clientID, requestHash string) string {
	return fmt.Sprintf("%s:auto:%s:%s", route, clientID, requestHash)
}

// RateKey identifies one fixed window for one client on one route.
func RateKey(route, clientID string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", route, clientID, windowStart.Unix())
}

// ClientIdentity produces a stable, privacy-bounded fingerprint of the
// requester from the client IP and User-Agent. Never the raw IP: the hash
// bounds key cardinality and keeps raw PII out of coordination keys.
func ClientIdentity(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "\x00" + userAgent))
	return hex.EncodeToString(sum[:16])
}

// PayloadHash hashes a canonicalized request payload for auto-derived keys
// and reuse detection.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
