package otp

import (
	"context"
	"time"

	"recoverdesk.org/internal/obs"
)

// Sender delivers a raw passcode to its owner, typically by e-mail.
type Sender interface {
	Send(ctx context.Context, email, caseID, code string, expiresAt time.Time) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, email, caseID, code string, expiresAt time.Time) error

func (f SenderFunc) Send(ctx context.Context, email, caseID, code string, expiresAt time.Time) error {
	return f(ctx, email, caseID, code, expiresAt)
}

// LogSender writes passcodes to the structured log. Development only.
type LogSender struct{}

func (LogSender) Send(_ context.Context, email, caseID, code string, expiresAt time.Time) error {
	obs.Info("otp issued", map[string]any{
		"email":      email,
		"case_id":    caseID,
		"code":       code,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	return nil
}
