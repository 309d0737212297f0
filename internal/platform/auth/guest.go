package auth

import (
	"crypto/rand"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// GuestSessions issues and reads the anonymous session cookie used to key guest carts.
type GuestSessions struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
	Now        func() time.Time
}

// Middleware attaches the guest id to requests without an identity, issuing a fresh cookie when
// none is present. Authenticated requests pass through untouched.
func (g GuestSessions) Middleware(next http.Handler) http.Handler {
	name := g.CookieName
	if name == "" {
		name = "bazaar_guest"
	}
	now := g.Now
	if now == nil {
		now = time.Now
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}

		var guestID string
		if cookie, err := r.Cookie(name); err == nil {
			guestID = strings.TrimSpace(cookie.Value)
			if _, err := ulid.ParseStrict(guestID); err != nil {
				guestID = ""
			}
		}
		if guestID == "" {
			current := now()
			guestID = ulid.MustNew(ulid.Timestamp(current), rand.Reader).String()
			http.SetCookie(w, &http.Cookie{
				Name:     name,
				Value:    guestID,
				Path:     "/",
				Expires:  current.Add(ttl),
				MaxAge:   int(ttl.Seconds()),
				HttpOnly: true,
				Secure:   g.Secure,
				SameSite: http.SameSiteLaxMode,
			})
		}

		next.ServeHTTP(w, r.WithContext(WithGuestID(r.Context(), guestID)))
	})
}
