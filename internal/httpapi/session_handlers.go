package httpapi

import (
	"net/http"
	"strings"
	"time"

	"recoverdesk.org/internal/audit"
	"recoverdesk.org/internal/auth"
)

const (
	sessionCookie = "agent_session"
	bearerPrefix  = "bearer "
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Credential auth.Projection `json:"credential"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

type activityRequest struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Details  map[string]any `json:"details"`
}

type activityResponse struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	PrevHash  *string   `json:"prev_hash"` // null for the genesis entry
	Timestamp time.Time `json:"timestamp"`
}

func newActivityResponse(e audit.Entry) activityResponse {
	resp := activityResponse{ID: e.ID, Hash: e.Hash, Timestamp: e.Timestamp}
	if e.PrevHash != "" {
		prev := e.PrevHash
		resp.PrevHash = &prev
	}
	return resp
}

func (a *API) login(w http.ResponseWriter, r *http.Request, ns auth.Namespace) (auth.LoginResult, bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return auth.LoginResult{}, false
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return auth.LoginResult{}, false
	}
	res, err := a.deps.Auth.Login(r.Context(), auth.LoginRequest{
		Namespace: ns,
		Email:     req.Email,
		Password:  req.Password,
		ClientIP:  clientIP(r),
	})
	if err != nil {
		handleError(w, r, err)
		return auth.LoginResult{}, false
	}
	return res, true
}

func (a *API) handleAgentLogin(w http.ResponseWriter, r *http.Request) {
	res, ok := a.login(w, r, auth.NamespaceAgent)
	if !ok {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.ExpiresAt,
		MaxAge:   int(a.deps.Auth.SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   a.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, sessionResponse{Credential: res.Credential, ExpiresAt: res.ExpiresAt})
}

func (a *API) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	res, ok := a.login(w, r, auth.NamespaceAdmin)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res.Credential)
}

func (a *API) handleAgentLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   a.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAgentMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleAgentActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	entry, err := a.deps.Audit.Append(r.Context(), p.ID, req.Action, strings.TrimSpace(req.Resource), req.Details)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newActivityResponse(entry))
}

// requireAgent admits requests carrying a valid agent session, from the
// session cookie or an Authorization bearer header.
func (a *API) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := sessionToken(r)
		p, err := a.deps.Auth.Authorize(raw, auth.NamespaceAgent.Role())
		if err != nil {
			handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), p)))
	})
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}
