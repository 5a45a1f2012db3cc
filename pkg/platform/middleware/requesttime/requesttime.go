// Package requesttime pins a single "now" to each HTTP request so every
// operation inside the request (rate-limit windows, idempotency expiry checks,
// audit timestamps) observes the same instant.
package requesttime

import (
	"net/http"
	"time"

	"enroll/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request and stores
// it on the context for requestcontext.Now.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
