// Package idempotency coordinates duplicate submissions on the public API.
// Each guarded request claims a key before running business logic; duplicates
// arriving while the first attempt runs are parked, duplicates after success
// replay the stored response, and key reuse with a different payload is
// rejected as a conflict.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"enroll/internal/guard/metrics"
	"enroll/internal/guard/models"
	"enroll/pkg/platform/audit"
	"enroll/pkg/platform/sentinel"
	"enroll/pkg/requestcontext"
)

// Store persists idempotency records.
//
// Create claims a key: it succeeds when no live record exists (absent or
// expired records are overwritten) and returns sentinel.ErrConflict when a
// live record holds the key. Get returns sentinel.ErrNotFound for absent or
// expired records. Reclaim is a compare-and-swap on UpdatedAt: it replaces
// the record only if it has not moved since the caller read it, returning
// sentinel.ErrConflict on a lost race.
type Store interface {
	Create(ctx context.Context, rec models.IdempotencyRecord, now time.Time) error
	Get(ctx context.Context, key string, now time.Time) (models.IdempotencyRecord, error)
	Reclaim(ctx context.Context, rec models.IdempotencyRecord, expectUpdatedAt time.Time) error
	Finalize(ctx context.Context, rec models.IdempotencyRecord) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config bounds the record lifecycle.
type Config struct {
	// InProgressTimeout is how long an in_progress claim shields the key
	// before a duplicate may reclaim it from a presumed-dead attempt.
	InProgressTimeout time.Duration
	// SuccessTTL is how long succeeded records serve replays.
	SuccessTTL time.Duration
	// FailureTTL is how long failed records linger before the key frees up
	// naturally. Failed records can also be reclaimed immediately.
	FailureTTL time.Duration
	// SweepEveryN triggers an expired-record sweep on average once per N
	// Begin calls. Zero disables sweeping.
	SweepEveryN int
}

// Coordinator runs the claim/finalize lifecycle over a Store.
type Coordinator struct {
	store   Store
	cfg     Config
	auditor *audit.Logger
	metrics *metrics.Metrics
	log     *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAuditor records replays and conflicts to the activity log.
func WithAuditor(a *audit.Logger) Option {
	return func(c *Coordinator) { c.auditor = a }
}

// WithMetrics publishes Begin outcome counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSlog sets the logger.
func WithSlog(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{store: store, cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin claims the key for this request or classifies the duplicate. Exactly
// one concurrent caller per key receives OutcomeProceed; that caller must
// finalize with FinalizeSuccess or FinalizeFailure. Store failures propagate
// so the caller can fail closed.
func (c *Coordinator) Begin(ctx context.Context, route, clientID, key, requestHash string) (models.BeginResult, error) {
	result, err := c.begin(ctx, route, clientID, key, requestHash)
	if err != nil {
		return models.BeginResult{}, err
	}
	c.metrics.RecordBegin(route, string(result.Outcome))
	c.recordOutcome(ctx, route, result)
	c.maybeSweep(ctx, requestcontext.Now(ctx))
	return result, nil
}

func (c *Coordinator) begin(ctx context.Context, route, clientID, key, requestHash string) (models.BeginResult, error) {
	now := requestcontext.Now(ctx)
	claim := models.IdempotencyRecord{
		Key:         key,
		Route:       route,
		ClientID:    clientID,
		RequestHash: requestHash,
		Status:      models.StatusInProgress,
		// Claims get the success TTL up front; FinalizeFailure shortens it.
		ExpiresAt: now.Add(c.cfg.SuccessTTL),
		UpdatedAt: now,
	}

	err := c.store.Create(ctx, claim, now)
	if err == nil {
		return models.BeginResult{Outcome: models.OutcomeProceed, Key: key}, nil
	}
	if !errors.Is(err, sentinel.ErrConflict) {
		return models.BeginResult{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	existing, err := c.store.Get(ctx, key, now)
	if errors.Is(err, sentinel.ErrNotFound) {
		// The holder expired or finished between our Create and Get. One
		// retry; a second conflict means another duplicate won the re-claim.
		if err := c.store.Create(ctx, claim, now); err == nil {
			return models.BeginResult{Outcome: models.OutcomeProceed, Key: key}, nil
		} else if errors.Is(err, sentinel.ErrConflict) {
			return models.BeginResult{Outcome: models.OutcomeInProgress, Key: key}, nil
		} else {
			return models.BeginResult{}, fmt.Errorf("re-claim idempotency key: %w", err)
		}
	}
	if err != nil {
		return models.BeginResult{}, fmt.Errorf("load idempotency record: %w", err)
	}

	if existing.Route != route || existing.ClientID != clientID {
		return models.BeginResult{
			Outcome: models.OutcomeConflict,
			Key:     key,
			Reason:  "idempotency key reused by a different route or client",
		}, nil
	}
	if existing.RequestHash != requestHash {
		return models.BeginResult{
			Outcome: models.OutcomeConflict,
			Key:     key,
			Reason:  "idempotency key reused with a different payload",
		}, nil
	}

	switch existing.Status {
	case models.StatusSucceeded:
		return models.BeginResult{
			Outcome:      models.OutcomeReplay,
			Key:          key,
			HTTPStatus:   existing.HTTPStatus,
			ResponseBody: existing.ResponseBody,
		}, nil
	case models.StatusInProgress:
		if now.Sub(existing.UpdatedAt) < c.cfg.InProgressTimeout {
			return models.BeginResult{Outcome: models.OutcomeInProgress, Key: key}, nil
		}
	}

	// Stale in_progress claim or failed attempt: take the key over via CAS.
	err = c.store.Reclaim(ctx, claim, existing.UpdatedAt)
	if errors.Is(err, sentinel.ErrConflict) {
		return models.BeginResult{Outcome: models.OutcomeInProgress, Key: key}, nil
	}
	if err != nil {
		return models.BeginResult{}, fmt.Errorf("reclaim idempotency key: %w", err)
	}
	return models.BeginResult{Outcome: models.OutcomeProceed, Key: key}, nil
}

// FinalizeSuccess stores the response for replay and keeps the key claimed
// for the success TTL.
func (c *Coordinator) FinalizeSuccess(ctx context.Context, key string, httpStatus int, body json.RawMessage) error {
	now := requestcontext.Now(ctx)
	err := c.store.Finalize(ctx, models.IdempotencyRecord{
		Key:          key,
		Status:       models.StatusSucceeded,
		HTTPStatus:   httpStatus,
		ResponseBody: body,
		ExpiresAt:    now.Add(c.cfg.SuccessTTL),
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("finalize idempotency success: %w", err)
	}
	return nil
}

// FinalizeFailure marks the attempt failed with a short TTL so the client can
// retry soon.
func (c *Coordinator) FinalizeFailure(ctx context.Context, key string, httpStatus int, errMessage string) error {
	now := requestcontext.Now(ctx)
	err := c.store.Finalize(ctx, models.IdempotencyRecord{
		Key:          key,
		Status:       models.StatusFailed,
		HTTPStatus:   httpStatus,
		ErrorMessage: errMessage,
		ExpiresAt:    now.Add(c.cfg.FailureTTL),
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("finalize idempotency failure: %w", err)
	}
	return nil
}

func (c *Coordinator) recordOutcome(ctx context.Context, route string, result models.BeginResult) {
	if c.auditor == nil {
		return
	}
	switch result.Outcome {
	case models.OutcomeReplay:
		c.auditor.LogSafe(ctx, audit.Record{
			Category: audit.CategorySecurity,
			Action:   "idempotency.replayed",
			Status:   audit.StatusSuccess,
			Message:  fmt.Sprintf("duplicate request on %s served from stored response", route),
			Meta:     map[string]any{"route": route, "idempotency_key": result.Key},
		})
	case models.OutcomeInProgress:
		c.auditor.LogSafe(ctx, audit.Record{
			Category: audit.CategorySecurity,
			Action:   "idempotency.duplicate",
			Status:   audit.StatusBlocked,
			Message:  fmt.Sprintf("duplicate request on %s rejected while the original is still processing", route),
			Meta:     map[string]any{"route": route, "idempotency_key": result.Key},
		})
	case models.OutcomeConflict:
		c.auditor.LogSafe(ctx, audit.Record{
			Category: audit.CategorySecurity,
			Action:   "idempotency.conflict",
			Status:   audit.StatusBlocked,
			Message:  result.Reason,
			Meta:     map[string]any{"route": route, "idempotency_key": result.Key},
		})
	}
}

func (c *Coordinator) maybeSweep(ctx context.Context, now time.Time) {
	if c.cfg.SweepEveryN <= 0 || rand.IntN(c.cfg.SweepEveryN) != 0 {
		return
	}
	go func() {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		deleted, err := c.store.DeleteExpired(sweepCtx, now)
		if err != nil {
			c.log.Error("sweep expired idempotency records", "error", err)
			return
		}
		c.metrics.RecordSweep(deleted)
	}()
}
