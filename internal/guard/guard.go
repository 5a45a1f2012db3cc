// Package guard fronts the public API with rate limiting and idempotent
// request coordination. Handlers call Admit for the rate check and Begin for
// the idempotency claim; both fail closed, so a broken coordination backend
// rejects traffic instead of silently admitting it.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"enroll/internal/guard/idempotency"
	"enroll/internal/guard/models"
	"enroll/internal/guard/ratelimit"
	dErrors "enroll/pkg/domain-errors"
	"enroll/pkg/requestcontext"
)

// RouteLimit is the fixed-window budget for one route.
type RouteLimit struct {
	Limit  int
	Window time.Duration
}

// Guard composes the rate limiter and the idempotency coordinator behind one
// facade keyed on the request context's client identity.
type Guard struct {
	limiter     *ratelimit.Limiter
	coordinator *idempotency.Coordinator
	tracer      trace.Tracer
}

// New creates a Guard.
func New(limiter *ratelimit.Limiter, coordinator *idempotency.Coordinator) *Guard {
	return &Guard{
		limiter:     limiter,
		coordinator: coordinator,
		tracer:      otel.Tracer("enroll/guard"),
	}
}

// ClientID derives the hashed client identity for the current request.
func ClientID(ctx context.Context) string {
	return models.ClientIdentity(requestcontext.ClientIP(ctx), requestcontext.UserAgent(ctx))
}

// Admit counts the request against the route's window. A denied request
// comes back as a coded rate-limit error; the result carries RetryAfter for
// the response header either way. Limiter failures surface as unavailable.
func (g *Guard) Admit(ctx context.Context, route string, rl RouteLimit) (models.RateLimitResult, error) {
	ctx, span := g.tracer.Start(ctx, "guard.admit",
		trace.WithAttributes(attribute.String("guard.route", route)))
	defer span.End()

	result, err := g.limiter.Check(ctx, route, ClientID(ctx), rl.Limit, rl.Window)
	if err != nil {
		return models.RateLimitResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "request could not be admitted")
	}

	span.SetAttributes(
		attribute.Bool("guard.allowed", result.Allowed),
		attribute.Int("guard.request_count", result.Count),
	)
	if !result.Allowed {
		span.AddEvent("rate_limit_exceeded")
		return result, dErrors.New(dErrors.CodeTooManyRequests,
			fmt.Sprintf("too many requests, retry in %d seconds", result.RetryAfter))
	}
	return result, nil
}

// Begin claims the idempotency key for this request. callerKey is the
// client-supplied key, empty for auto-derivation from client identity and
// payload. payload must be the canonicalized request body.
func (g *Guard) Begin(ctx context.Context, route, callerKey string, payload []byte) (models.BeginResult, error) {
	ctx, span := g.tracer.Start(ctx, "guard.begin",
		trace.WithAttributes(attribute.String("guard.route", route)))
	defer span.End()

	clientID := ClientID(ctx)
	requestHash := models.PayloadHash(payload)
	key := models.AutoKey(route, clientID, requestHash)
	if callerKey != "" {
		key = models.ManualKey(route, callerKey)
	}

	result, err := g.coordinator.Begin(ctx, route, clientID, key, requestHash)
	if err != nil {
		return models.BeginResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "request could not be coordinated")
	}
	span.SetAttributes(attribute.String("guard.outcome", string(result.Outcome)))
	return result, nil
}

// FinalizeSuccess stores the winning attempt's response for replay.
func (g *Guard) FinalizeSuccess(ctx context.Context, key string, httpStatus int, body json.RawMessage) error {
	return g.coordinator.FinalizeSuccess(ctx, key, httpStatus, body)
}

// FinalizeFailure releases the key early so the client can retry.
func (g *Guard) FinalizeFailure(ctx context.Context, key string, httpStatus int, errMessage string) error {
	return g.coordinator.FinalizeFailure(ctx, key, httpStatus, errMessage)
}
