package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enroll/pkg/requestcontext"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"first forwarded entry wins", "203.0.113.7, 10.0.0.1, 10.0.0.2", "198.51.100.1", "192.0.2.1:443", "203.0.113.7"},
		{"single forwarded entry", "203.0.113.7", "", "", "203.0.113.7"},
		{"forwarded entry trimmed", "  203.0.113.7  ", "", "", "203.0.113.7"},
		{"real ip fallback", "", "198.51.100.1", "192.0.2.1:443", "198.51.100.1"},
		{"remote addr strips port", "", "", "192.0.2.1:443", "192.0.2.1"},
		{"ipv6 remote addr", "", "", "[::1]:8080", "[::1]"},
		{"nothing known", "", "", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set(HeaderForwardedFor, tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set(HeaderRealIP, tt.realIP)
			}
			assert.Equal(t, tt.want, ClientIPFromRequest(req))
		})
	}
}

func TestRequestIDFromRequest(t *testing.T) {
	t.Run("header honored", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "req-123")
		assert.Equal(t, "req-123", RequestIDFromRequest(req))
	})

	t.Run("generated when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		id := RequestIDFromRequest(req)
		require.NotEmpty(t, id)

		other := RequestIDFromRequest(req)
		assert.NotEqual(t, id, other)
	})
}

func TestDeviceSummaryFromUA(t *testing.T) {
	summary := DeviceSummaryFromUA("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	assert.Contains(t, summary, "Chrome")

	assert.Empty(t, DeviceSummaryFromUA(""))
}

func TestClientMetadataMiddleware(t *testing.T) {
	var gotIP, gotUA, gotID, gotMethod string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		gotIP = requestcontext.ClientIP(ctx)
		gotUA = requestcontext.UserAgent(ctx)
		gotID = requestcontext.RequestID(ctx)
		gotMethod = requestcontext.HTTPMethod(ctx)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/registrations", nil)
	req.Header.Set(HeaderForwardedFor, "203.0.113.7")
	req.Header.Set("User-Agent", "test-agent/2.0")
	ClientMetadata(next).ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "203.0.113.7", gotIP)
	assert.Equal(t, "test-agent/2.0", gotUA)
	assert.NotEmpty(t, gotID)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestRouteNameMiddleware(t *testing.T) {
	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = requestcontext.RouteName(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	RouteName("registration.lookup")(next).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "registration.lookup", got)
}
