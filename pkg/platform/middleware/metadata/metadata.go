// Package metadata derives request provenance (client IP, User-Agent, request
// ID) from inbound headers and stores it on the request context for handlers,
// the guard, and the activity logger.
package metadata

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"enroll/pkg/requestcontext"
)

// Header names honored by the extractor. X-Request-ID is set by the edge or
// the client; the identity headers are set exclusively by the upstream auth
// layer, never by clients directly.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
	HeaderRequestID    = "X-Request-ID"
)

// ClientMetadata extracts client IP, User-Agent, a coarse device summary, and
// a request ID from the request and adds them to the context. Every request
// leaves this middleware with a non-empty request ID so audit entries can
// always be correlated.
// This middleware should be applied early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = requestcontext.WithClientMetadata(ctx, ClientIPFromRequest(r), r.Header.Get("User-Agent"))
		ctx = requestcontext.WithDeviceSummary(ctx, DeviceSummaryFromUA(r.Header.Get("User-Agent")))
		ctx = requestcontext.WithRequestID(ctx, RequestIDFromRequest(r))
		ctx = requestcontext.WithHTTPMethod(ctx, r.Method)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RouteName records the logical route name on the context so guard decisions
// and audit entries are keyed by route, not raw URL path.
func RouteName(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithRouteName(r.Context(), name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...).
	// Take the first, which is the original client.
	if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get(HeaderRealIP); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr (direct connection), stripping the port.
	// IPv6 is [::1]:port, IPv4 is 127.0.0.1:port.
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return addr[:idx]
		}
		return addr
	}

	return "unknown"
}

// RequestIDFromRequest returns the edge-supplied request ID, or generates a
// fresh one. Never returns an empty string.
func RequestIDFromRequest(r *http.Request) string {
	if reqID := strings.TrimSpace(r.Header.Get(HeaderRequestID)); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// DeviceSummaryFromUA reduces a raw User-Agent to a short "browser/os" label
// for audit metadata. Raw UA strings are long and high-cardinality; the
// summary is what ends up in log payloads.
func DeviceSummaryFromUA(rawUA string) string {
	if rawUA == "" {
		return ""
	}
	ua := useragent.New(rawUA)
	name, version := ua.Browser()
	if name == "" {
		return ""
	}
	summary := name
	if version != "" {
		summary += "/" + version
	}
	if os := ua.OS(); os != "" {
		summary += " (" + os + ")"
	}
	return summary
}
