package channel

import (
	"net/http"

	"github.com/oklog/ulid/v2"
)

const defaultCookieName = "troupe_session"

// sessionCookies issues and reads the browser session id. Each id is a ULID.
type sessionCookies struct {
	name   string
	secure bool
}

func newSessionCookies(name string, secure bool) *sessionCookies {
	if name == "" {
		name = defaultCookieName
	}
	return &sessionCookies{name: name, secure: secure}
}

// ensure returns the request's session id, issuing a fresh cookie when the
// request carries none or a malformed one.
func (s *sessionCookies) ensure(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(s.name); err == nil {
		if _, err := ulid.ParseStrict(c.Value); err == nil {
			return c.Value
		}
	}
	id := ulid.Make().String()
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
