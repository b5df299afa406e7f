// Package httpapi exposes the security core over HTTP: CSRF issuance, agent and
// admin login, passcodes and the agent activity trail.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"recoverdesk.org/internal/audit"
	"recoverdesk.org/internal/auth"
	"recoverdesk.org/internal/csrf"
	"recoverdesk.org/internal/obs"
	"recoverdesk.org/internal/otp"
)

const serviceName = "recoverdesk"

// Check is one named readiness dependency.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ReadyProbe runs every check and fails on the first error.
type ReadyProbe []Check

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, c := range rp {
		if c.Fn == nil {
			continue
		}
		if err := c.Fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}

// Deps are the collaborators the API composes.
type Deps struct {
	Auth    *auth.Service
	OTP     *otp.Service
	CSRF    *csrf.Guard
	Audit   *audit.Chain
	Ready   ReadyProbe
	Version string

	SecureCookies  bool
	AllowedOrigins []string
	TrustedProxies []string
	BodyLimit      int64
	ThrottleRPS    float64
	ThrottleBurst  int
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	deps    Deps
	proxies TrustedProxies
}

func New(deps Deps) (*API, error) {
	if deps.Auth == nil || deps.OTP == nil || deps.CSRF == nil || deps.Audit == nil {
		return nil, errors.New("httpapi: auth, otp, csrf and audit dependencies are required")
	}
	proxies, err := ParseTrustedProxies(deps.TrustedProxies)
	if err != nil {
		return nil, err
	}
	a := &API{mux: http.NewServeMux(), deps: deps, proxies: proxies}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/csrf", a.handleCSRF)
	a.mux.HandleFunc("/v1/agent/login", a.handleAgentLogin)
	a.mux.HandleFunc("/v1/agent/logout", a.handleAgentLogout)
	a.mux.Handle("/v1/agent/me", a.requireAgent(http.HandlerFunc(a.handleAgentMe)))
	a.mux.Handle("/v1/agent/activity", a.requireAgent(http.HandlerFunc(a.handleAgentActivity)))
	a.mux.HandleFunc("/v1/admin/login", a.handleAdminLogin)
	a.mux.HandleFunc("/v1/otp/request", a.handleOTPRequest)
	a.mux.HandleFunc("/v1/otp/verify", a.handleOTPVerify)
	a.mux.HandleFunc("/v1/signup/token", a.handleSignupToken)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a, nil
}

// Handler returns the fully wrapped handler. CSRF runs innermost so rejected
// requests are still logged, counted and throttled.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.deps.CSRF.Middleware(h)
	h = MaxBodyBytes(h, a.deps.BodyLimit)
	h = Throttle(h, a.deps.ThrottleBurst, a.deps.ThrottleRPS)
	h = CORS(h, a.deps.AllowedOrigins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = RealIP(h, a.proxies)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Warn("readiness check failed", map[string]any{"request_id": requestIDFrom(r), "error": err})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) handleCSRF(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tok, err := a.deps.CSRF.Issue(w)
	if err != nil {
		handleError(w, r, fmt.Errorf("issue csrf token: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"csrf_token": tok,
		"header":     a.deps.CSRF.HeaderName(),
	})
}
