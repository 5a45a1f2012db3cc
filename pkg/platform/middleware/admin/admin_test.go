package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"enroll/pkg/requestcontext"
)

func TestActorFromHeaders(t *testing.T) {
	t.Run("percent-encoded name decoded", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderAdminUserID, "admin-1")
		h.Set(HeaderAdminName, "Jos%C3%A9%20Silva")
		h.Set(HeaderAdminEmail, "jose@example.com")

		actor := ActorFromHeaders(h)
		assert.Equal(t, "admin-1", actor.UserID)
		assert.Equal(t, "José Silva", actor.Name)
		assert.Equal(t, "jose@example.com", actor.Email)
	})

	t.Run("undecodable name kept raw", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderAdminName, "bad%zz")

		actor := ActorFromHeaders(h)
		assert.Equal(t, "bad%zz", actor.Name)
	})

	t.Run("no headers means zero actor", func(t *testing.T) {
		assert.True(t, ActorFromHeaders(http.Header{}).IsZero())
	})
}

func TestWithActor(t *testing.T) {
	var got requestcontext.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = requestcontext.ActorFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAdminUserID, "admin-7")
	WithActor(next).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "admin-7", got.UserID)
}

func TestRequireActor(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("anonymous rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireActor(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("actor passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		ctx := requestcontext.WithActor(req.Context(), requestcontext.Actor{UserID: "admin-1"})
		rec := httptest.NewRecorder()
		RequireActor(next).ServeHTTP(rec, req.WithContext(ctx))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
