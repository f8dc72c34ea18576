package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSession() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(FromContext(r.Context())))
	})
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	return nil
}

func TestManager_IssuesAndReusesSession(t *testing.T) {
	m := NewManager("test-secret", time.Hour, false)
	h := m.Handler(echoSession())

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))

	sid := first.Body.String()
	require.NotEmpty(t, sid)
	cookie := sessionCookie(t, first)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)

	assert.Equal(t, sid, second.Body.String())
	assert.Nil(t, sessionCookie(t, second), "valid sessions are not reissued")
}

func TestManager_RejectsForgedCookie(t *testing.T) {
	issuer := NewManager("other-secret", time.Hour, false)
	first := httptest.NewRecorder()
	issuer.Handler(echoSession()).ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	forged := sessionCookie(t, first)
	require.NotNil(t, forged)

	m := NewManager("test-secret", time.Hour, false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(forged)
	rec := httptest.NewRecorder()
	m.Handler(echoSession()).ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Body.String())
	assert.NotEqual(t, first.Body.String(), rec.Body.String())
	assert.NotNil(t, sessionCookie(t, rec))
}

func TestFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", FromContext(req.Context()))
}
