package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"recoverdesk.org/internal/obs"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get(requestIDHeader) != "abc-123" {
		t.Fatalf("expected inbound id to be kept, got %q / %q", seen, rr.Header().Get(requestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "bad id with spaces\n")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen == "" || strings.Contains(seen, " ") {
		t.Fatalf("expected generated id, got %q", seen)
	}
}

func TestLoggingJSONFields(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })

	h := RequestID(LoggingJSON(okHandler()))
	req := httptest.NewRequest(http.MethodGet, "/v1/csrf", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log line is not JSON: %q: %v", buf.String(), err)
	}
	if line["msg"] != "request_complete" {
		t.Fatalf("unexpected msg: %v", line["msg"])
	}
	for _, key := range []string{"request_id", "method", "path", "status", "duration_ms", "remote_ip"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("log line missing %q: %v", key, line)
		}
	}
	if line["status"] != float64(http.StatusTeapot) || line["remote_ip"] != "198.51.100.7" {
		t.Fatalf("unexpected values: %v", line)
	}
}

func TestThrottleRejectsBurst(t *testing.T) {
	quietLogs(t)
	h := Throttle(okHandler(), 2, 0.5)

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	for i := 0; i < 2; i++ {
		if rr := send("192.0.2.1"); rr.Code != http.StatusTeapot {
			t.Fatalf("request %d: expected pass-through, got %d", i, rr.Code)
		}
	}
	rr := send("192.0.2.1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "3" {
		t.Fatalf("unexpected Retry-After: %q", rr.Header().Get("Retry-After"))
	}
	if rr := send("192.0.2.2"); rr.Code != http.StatusTeapot {
		t.Fatalf("other client throttled: %d", rr.Code)
	}
}

func TestThrottleDisabled(t *testing.T) {
	h := Throttle(okHandler(), 0, 0)
	for i := 0; i < 50; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusTeapot {
			t.Fatalf("request %d throttled", i)
		}
	}
}

func TestCORSAllowList(t *testing.T) {
	h := CORS(okHandler(), []string{"https://desk.example.com/"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://desk.example.com" {
		t.Fatalf("allowed origin not echoed: %v", rr.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("foreign origin must not be allowed")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	quietLogs(t)
	var decodeErr error
	h := MaxBodyBytes(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]string
		decodeErr = decodeJSON(w, r, &v)
	}), 16)

	body := `{"email":"` + strings.Repeat("a", 64) + `"}`
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	if decodeErr == nil || !strings.Contains(decodeErr.Error(), "exceeds 16 bytes") {
		t.Fatalf("expected size error, got %v", decodeErr)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var v loginRequest
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@x.com","admin":true}`))
	if err := decodeJSON(httptest.NewRecorder(), req, &v); err == nil {
		t.Fatal("expected unknown field error")
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@x.com"}{}`))
	if err := decodeJSON(httptest.NewRecorder(), req, &v); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rr.Header().Get(header); got != want {
			t.Fatalf("%s: got %q want %q", header, got, want)
		}
	}
}
