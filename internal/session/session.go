// Package session gives every visitor an anonymous, signed session id.
// Uploads are owned by the session that created them, and unlocked
// password protected files are remembered per session.
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const CookieName = "dropcode_session"

type contextKey string

const sessionContextKey contextKey = "session_id"

type Manager struct {
	tokenAuth *jwtauth.JWTAuth
	ttl       time.Duration
	secure    bool
}

func NewManager(secret string, ttl time.Duration, secure bool) *Manager {
	return &Manager{
		tokenAuth: jwtauth.New("HS256", []byte(secret), nil),
		ttl:       ttl,
		secure:    secure,
	}
}

// Handler verifies the session cookie and issues a fresh session when the
// cookie is missing, expired or forged.
func (m *Manager) Handler(next http.Handler) http.Handler {
	return jwtauth.Verify(m.tokenAuth, tokenFromCookie)(m.ensure(next))
}

func tokenFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (m *Manager) ensure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sid string

		_, claims, err := jwtauth.FromContext(r.Context())
		if err == nil {
			sid, _ = claims["sid"].(string)
		}

		if sid == "" {
			sid, err = m.issue(w)
			if err != nil {
				// Serve the request without a session; ownership checks will fail closed.
				log.Error().Err(err).Msg("failed to issue session")
				next.ServeHTTP(w, r)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), sid)))
	})
}

func (m *Manager) issue(w http.ResponseWriter) (string, error) {
	sid := uuid.NewString()

	claims := map[string]interface{}{"sid": sid}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, m.ttl)

	_, token, err := m.tokenAuth.Encode(claims)
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return sid, nil
}

// FromContext returns the session id, or "" outside the session middleware.
func FromContext(ctx context.Context) string {
	sid, _ := ctx.Value(sessionContextKey).(string)
	return sid
}

func WithID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionContextKey, sid)
}
