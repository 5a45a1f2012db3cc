// Package admin reads the verified admin identity that the upstream auth
// layer attaches to requests. This subsystem never checks credentials itself;
// it only trusts headers the edge strips from client traffic.
package admin

import (
	"net/http"
	"net/url"
	"strings"

	"enroll/pkg/requestcontext"
)

// Identity headers set by the upstream auth layer.
const (
	HeaderAdminUserID = "X-Admin-User-Id"
	HeaderAdminName   = "X-Admin-User-Name"
	HeaderAdminEmail  = "X-Admin-User-Email"
)

// WithActor extracts the trusted admin identity headers and stores the actor
// on the request context. Requests without identity headers pass through with
// no actor attached; enforcement is a routing concern, not this middleware's.
func WithActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := ActorFromHeaders(r.Header)
		if actor.IsZero() {
			next.ServeHTTP(w, r)
			return
		}
		ctx := requestcontext.WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromHeaders builds an Actor from the trusted identity headers.
// The name header is percent-encoded upstream to survive non-ASCII names;
// decode defensively and fall back to the raw value on decode failure.
func ActorFromHeaders(h http.Header) requestcontext.Actor {
	name := strings.TrimSpace(h.Get(HeaderAdminName))
	if decoded, err := url.QueryUnescape(name); err == nil {
		name = decoded
	}
	return requestcontext.Actor{
		UserID: strings.TrimSpace(h.Get(HeaderAdminUserID)),
		Name:   name,
		Email:  strings.TrimSpace(h.Get(HeaderAdminEmail)),
	}
}

// RequireActor rejects requests lacking a verified admin identity. Applied to
// the admin activity-log API behind the auth proxy.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestcontext.ActorFrom(r.Context()).IsZero() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin identity required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
