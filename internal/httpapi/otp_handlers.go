package httpapi

import (
	"net/http"

	"recoverdesk.org/internal/auth"
	"recoverdesk.org/internal/otp"
)

type otpRequest struct {
	Email  string `json:"email"`
	CaseID string `json:"case_id"`
}

type otpVerifyRequest struct {
	Email  string `json:"email"`
	CaseID string `json:"case_id"`
	Code   string `json:"code"`
}

func (a *API) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.OTP.Request(r.Context(), req.Email, req.CaseID, clientIP(r)); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (a *API) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req otpVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.OTP.Verify(r.Context(), req.Email, req.CaseID, req.Code, clientIP(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSignupToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, err := a.deps.Auth.VerifyActionToken(r.URL.Query().Get("token"), otp.PurposeSignupCompletion)
	if err != nil {
		handleError(w, r, auth.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":      claims.String(otp.ClaimEmail),
		"case_id":    claims.String(otp.ClaimCaseID),
		"expires_at": claims.ExpiresAt(),
	})
}
