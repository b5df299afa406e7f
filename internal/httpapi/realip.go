package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// TrustedProxies is the set of peers whose X-Forwarded-For is believed.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies accepts CIDRs and bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("httpapi: invalid trusted proxy %q", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("httpapi: invalid trusted proxy %q: %w", e, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (t TrustedProxies) contains(ip net.IP) bool {
	for _, n := range t {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the client address for r. X-Forwarded-For is consulted only
// when the direct peer is trusted, and then the right-most untrusted hop wins.
func (t TrustedProxies) Resolve(r *http.Request) string {
	peer := remoteHost(r)
	peerIP := net.ParseIP(peer)
	if peerIP == nil || !t.contains(peerIP) {
		return peer
	}
	xff := r.Header.Values("X-Forwarded-For")
	if len(xff) == 0 {
		return peer
	}
	hops := strings.Split(strings.Join(xff, ","), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			break
		}
		client = ip.String()
		if !t.contains(ip) {
			break
		}
	}
	return client
}

// RealIP resolves the client address once per request for the limiter,
// the throttle and the access log.
func RealIP(next http.Handler, trusted TrustedProxies) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, trusted.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
