package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/engine"
)

const sessionCookie = "session_token"

// Session is the per-request browsing context: the resolved (or freshly
// created) user plus submission provenance.
type Session struct {
	User      domain.User
	IP        string
	UserAgent string
}

type sessionKey struct{}

func withSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// newSessionMiddleware resolves the session cookie on every request,
// falling back to a fresh guest, and refreshes the cookie when the token
// changes. The max age is configurable and defaults to 90 days.
func newSessionMiddleware(e engine.Engine, maxAge time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if c, err := r.Cookie(sessionCookie); err == nil {
				token = c.Value
			}
			u, err := e.Sessions.GetOrCreate(r.Context(), token)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "session unavailable", nil))
				return
			}
			if u.SessionToken != token {
				setSessionCookie(w, u.SessionToken, maxAge)
			}
			s := Session{
				User:      u,
				IP:        clientIP(r),
				UserAgent: r.UserAgent(),
			}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), s)))
		})
	}
}

func setSessionCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientIP prefers the first X-Forwarded-For hop so provenance survives a
// frontend proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
