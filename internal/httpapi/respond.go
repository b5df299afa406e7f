package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"recoverdesk.org/internal/auth"
	"recoverdesk.org/internal/obs"
	"recoverdesk.org/internal/otp"
	"recoverdesk.org/internal/ratelimit"
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, RequestID: requestIDFrom(r)})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// CSRFRejected is the guard's reject handler: a generic 403 in the API's error shape.
func CSRFRejected(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusForbidden, "forbidden")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		default:
			return fmt.Errorf("invalid JSON body: %v", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// handleError maps domain errors to responses. Anything unrecognised is an
// infrastructure fault: logged with detail, answered generically.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrRateLimited), errors.Is(err, otp.ErrRateLimited):
		var rej *ratelimit.Rejection
		if errors.As(err, &rej) && rej.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rej.RetryAfter.Seconds()))))
		}
		writeError(w, r, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, otp.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, inputMessage(err))
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, otp.ErrInvalidCode):
		writeError(w, r, http.StatusBadRequest, "invalid code")
	case errors.Is(err, otp.ErrAlreadyUsed):
		writeError(w, r, http.StatusBadRequest, "code already used")
	case errors.Is(err, otp.ErrExpired):
		writeError(w, r, http.StatusBadRequest, "code expired")
	case errors.Is(err, otp.ErrLocked):
		writeError(w, r, http.StatusTooManyRequests, "too many attempts")
	default:
		obs.Error("request failed", map[string]any{
			"request_id": requestIDFrom(r),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// inputMessage strips the package prefix from a validation error.
func inputMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{auth.ErrInvalidInput, otp.ErrInvalidInput} {
		if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
			return rest
		}
	}
	return "invalid input"
}
