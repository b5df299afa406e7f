package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issue(t *testing.T, g *Guard) (string, *http.Cookie) {
	t.Helper()
	rr := httptest.NewRecorder()
	raw, err := g.Issue(rr)
	require.NoError(t, err)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	return raw, cookies[0]
}

func TestIssueSetsHashedHTTPOnlyCookie(t *testing.T) {
	g, err := New("csrf-key")
	require.NoError(t, err)

	raw, cookie := issue(t, g)
	assert.NotEmpty(t, raw)
	assert.Equal(t, DefaultCookieName, cookie.Name)
	assert.NotEqual(t, raw, cookie.Value, "cookie must not hold the raw token")
	assert.Len(t, cookie.Value, 64)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)

	raw2, _ := issue(t, g)
	assert.NotEqual(t, raw, raw2)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestMiddlewareDoubleSubmit(t *testing.T) {
	g, err := New("csrf-key")
	require.NoError(t, err)
	raw, cookie := issue(t, g)
	_, otherCookie := issue(t, g)

	reached := false
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		header string
		cookie *http.Cookie
		want   int
	}{
		{"matching pair", http.MethodPost, raw, cookie, http.StatusNoContent},
		{"missing header", http.MethodPost, "", cookie, http.StatusForbidden},
		{"missing cookie", http.MethodPost, raw, nil, http.StatusForbidden},
		{"mismatched pair", http.MethodPost, raw, otherCookie, http.StatusForbidden},
		{"cookie replayed as header", http.MethodDelete, cookie.Value, cookie, http.StatusForbidden},
		{"read-only bypass", http.MethodGet, "", nil, http.StatusNoContent},
		{"put checked", http.MethodPut, "", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(tc.method, "/v1/otp/request", nil)
			if tc.header != "" {
				req.Header.Set(DefaultHeaderName, tc.header)
			}
			if tc.cookie != nil {
				req.AddCookie(tc.cookie)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
			assert.Equal(t, tc.want == http.StatusNoContent, reached)
		})
	}
}

func TestCookieFromAnotherKeyIsRejected(t *testing.T) {
	g1, _ := New("key-one")
	g2, _ := New("key-two")
	raw, cookie := issue(t, g1)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(DefaultHeaderName, raw)
	req.AddCookie(cookie)
	assert.True(t, g1.Verify(req))
	assert.False(t, g2.Verify(req))
}

func TestOptions(t *testing.T) {
	var rejected bool
	g, err := New("k",
		WithCookieName("xsrf"),
		WithHeaderName("X-XSRF"),
		WithInsecureCookie(),
		WithRejectHandler(func(w http.ResponseWriter, r *http.Request) {
			rejected = true
			w.WriteHeader(http.StatusTeapot)
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, "X-XSRF", g.HeaderName())

	raw, cookie := issue(t, g)
	assert.Equal(t, "xsrf", cookie.Name)
	assert.False(t, cookie.Secure)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-XSRF", raw)
	req.AddCookie(cookie)
	assert.True(t, g.Verify(req))

	rr := httptest.NewRecorder()
	g.Middleware(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodPatch, "/", nil))
	assert.True(t, rejected)
	assert.Equal(t, http.StatusTeapot, rr.Code)
}
