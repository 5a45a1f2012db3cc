// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// This package defines context keys and getter/setter functions for values that are
// typically set by middleware but consumed by services. By keeping this package free
// of net/http dependencies, services can import only what they need without pulling
// in HTTP-related code.
//
// Usage in services (read values):
//
//	requestID := requestcontext.RequestID(ctx)
//	ip := requestcontext.ClientIP(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//	ctx = requestcontext.WithClientMetadata(ctx, ip, userAgent)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
//	ctx = requestcontext.WithActor(ctx, actor)
package requestcontext

import (
	"context"
	"time"
)

// Actor identifies who performed an action: a verified admin (from trusted
// upstream auth headers) or nobody for anonymous public traffic. Snapshots are
// denormalized at log time so the audit trail survives later user changes.
type Actor struct {
	UserID string
	Name   string
	Email  string
}

// IsZero reports whether no actor identity was attached to the request.
func (a Actor) IsZero() bool {
	return a.UserID == "" && a.Name == "" && a.Email == ""
}

// Context key types (unexported for encapsulation).
type (
	actorKey         struct{}
	clientIPKey      struct{}
	userAgentKey     struct{}
	deviceSummaryKey struct{}
	requestIDKey     struct{}
	httpMethodKey    struct{}
	routeNameKey     struct{}
	requestTimeKey   struct{}
)

// -----------------------------------------------------------------------------
// Actor identity
// -----------------------------------------------------------------------------

// ActorFrom retrieves the verified actor identity from the context.
// Returns the zero Actor if none was set.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{}
}

// WithActor injects an actor identity into the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// -----------------------------------------------------------------------------
// Client metadata (IP, User-Agent)
// -----------------------------------------------------------------------------

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the User-Agent from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(userAgentKey{}).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
// Useful for service unit tests that don't run the full HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, clientIP)
	ctx = context.WithValue(ctx, userAgentKey{}, userAgent)
	return ctx
}

// DeviceSummary retrieves the coarse browser/OS summary derived from the
// User-Agent. Empty when the UA could not be parsed.
func DeviceSummary(ctx context.Context) string {
	if s, ok := ctx.Value(deviceSummaryKey{}).(string); ok {
		return s
	}
	return ""
}

// WithDeviceSummary injects a device summary into a context.
func WithDeviceSummary(ctx context.Context, summary string) context.Context {
	return context.WithValue(ctx, deviceSummaryKey{}, summary)
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// HTTPMethod retrieves the HTTP method from the context.
func HTTPMethod(ctx context.Context) string {
	if m, ok := ctx.Value(httpMethodKey{}).(string); ok {
		return m
	}
	return ""
}

// WithHTTPMethod injects the HTTP method into the context.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, httpMethodKey{}, method)
}

// RouteName retrieves the logical route name from the context.
func RouteName(ctx context.Context) string {
	if name, ok := ctx.Value(routeNameKey{}).(string); ok {
		return name
	}
	return ""
}

// WithRouteName injects a logical route name into the context.
func WithRouteName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, routeNameKey{}, name)
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (for non-HTTP contexts like sweeps, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Service unit tests that don't run the full HTTP middleware chain
//   - Sweeps that need consistent time within a batch operation
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}
