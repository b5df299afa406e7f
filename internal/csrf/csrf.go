// Package csrf implements double-submit-cookie protection: the cookie carries a
// keyed hash of a random token, the client echoes the raw token in a header.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"recoverdesk.org/internal/obs"
)

const (
	DefaultCookieName = "csrf_token"
	DefaultHeaderName = "X-CSRF-Token"

	tokenBytes = 32
)

// ErrMissingKey is returned when the guard is built without a hashing key.
var ErrMissingKey = errors.New("csrf: hashing key is not configured")

// Guard issues and verifies CSRF tokens. It keeps no server-side state.
type Guard struct {
	key        []byte
	cookieName string
	headerName string
	secure     bool
	onReject   func(w http.ResponseWriter, r *http.Request)
}

// Option configures a Guard.
type Option func(*Guard)

// WithCookieName overrides the cookie holding the hashed token.
func WithCookieName(name string) Option {
	return func(g *Guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.cookieName = name
		}
	}
}

// WithHeaderName overrides the request header carrying the raw token.
func WithHeaderName(name string) Option {
	return func(g *Guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.headerName = name
		}
	}
}

// WithInsecureCookie drops the Secure attribute, for plain-HTTP local development only.
func WithInsecureCookie() Option {
	return func(g *Guard) { g.secure = false }
}

// WithRejectHandler replaces the default 403 response written by Middleware.
func WithRejectHandler(fn func(w http.ResponseWriter, r *http.Request)) Option {
	return func(g *Guard) {
		if fn != nil {
			g.onReject = fn
		}
	}
}

// New builds a guard. The key keeps a cookie planted by a sibling subdomain from
// matching a token the attacker chose.
func New(key string, opts ...Option) (*Guard, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	g := &Guard{
		key:        []byte(key),
		cookieName: DefaultCookieName,
		headerName: DefaultHeaderName,
		secure:     true,
		onReject: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "forbidden", http.StatusForbidden)
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// HeaderName is the header clients must echo the raw token in.
func (g *Guard) HeaderName() string { return g.headerName }

// Issue generates a fresh token, stores its hash in an HTTP-only cookie and
// returns the raw token for the client to embed in later requests.
func (g *Guard) Issue(w http.ResponseWriter) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    g.hash(raw),
		Path:     "/",
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return raw, nil
}

// Verify reports whether the header token hashes to the cookie value.
// Both must be present.
func (g *Guard) Verify(r *http.Request) bool {
	raw := strings.TrimSpace(r.Header.Get(g.headerName))
	if raw == "" {
		return false
	}
	cookie, err := r.Cookie(g.cookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	expected := []byte(g.hash(raw))
	return hmac.Equal(expected, []byte(cookie.Value))
}

// Middleware rejects state-changing requests that fail Verify. Safe methods pass through.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !StateChanging(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if !g.Verify(r) {
			obs.CSRFFailures.Inc()
			g.onReject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StateChanging reports whether method has create/update/delete semantics.
func StateChanging(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}

func (g *Guard) hash(raw string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
