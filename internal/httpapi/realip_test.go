package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTrustedProxiesResolve(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7", " "})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cases := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"untrusted peer ignores header", "203.0.113.5:1000", []string{"198.51.100.1"}, "203.0.113.5"},
		{"trusted peer without header", "10.0.0.1:1000", nil, "10.0.0.1"},
		{"trusted peer single hop", "10.0.0.1:1000", []string{"198.51.100.1"}, "198.51.100.1"},
		{"right-most untrusted hop wins", "10.0.0.1:1000", []string{"6.6.6.6, 198.51.100.1, 10.2.0.9"}, "198.51.100.1"},
		{"repeated headers join", "192.0.2.7:1000", []string{"6.6.6.6", "198.51.100.9"}, "198.51.100.9"},
		{"all hops trusted", "10.0.0.1:1000", []string{"10.9.9.9, 10.8.8.8"}, "10.9.9.9"},
		{"garbage hop stops the walk", "10.0.0.1:1000", []string{"198.51.100.1, not-an-ip, 10.3.3.3"}, "10.3.3.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if got := trusted.Resolve(req); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNoTrustedProxiesIgnoresHeader(t *testing.T) {
	var seen string
	h := RealIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientIP(r)
	}), nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "203.0.113.5" {
		t.Fatalf("expected peer address, got %q", seen)
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	for _, in := range []string{"lb.internal", "10.0.0.0/33"} {
		if _, err := ParseTrustedProxies([]string{in}); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
