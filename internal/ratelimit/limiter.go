// Package ratelimit implements sliding-window request throttling keyed by
// caller-composed identifiers (IP, IP+email, IP+email+action).
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"recoverdesk.org/internal/obs"
)

// ErrLimited is returned by Policy.Check when any rule rejects the request.
var ErrLimited = errors.New("ratelimit: too many requests")

// Limiter admits a request for key when fewer than max requests were admitted
// within the trailing window.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (bool, error)
}

// Rule is one layer of a Policy.
type Rule struct {
	Name   string
	Window time.Duration
	Max    int
	// Parts is how many leading key parts this rule scopes on (1 = IP, 2 = IP+email, ...).
	Parts int
}

// Policy applies its rules in order and stops at the first rejection.
type Policy struct {
	Rules []Rule
}

// Rejection describes which rule denied a request.
type Rejection struct {
	Rule       Rule
	RetryAfter time.Duration
}

func (r *Rejection) Error() string { return ErrLimited.Error() + " (" + r.Rule.Name + ")" }

func (r *Rejection) Unwrap() error { return ErrLimited }

// Check evaluates every rule against the key parts. It returns a *Rejection
// (matching ErrLimited) on denial, or the limiter's own error on infrastructure faults.
func (p Policy) Check(ctx context.Context, l Limiter, parts ...string) error {
	for _, rule := range p.Rules {
		n := rule.Parts
		if n <= 0 || n > len(parts) {
			n = len(parts)
		}
		key := Key(rule.Name, parts[:n]...)
		ok, err := l.Allow(ctx, key, rule.Window, rule.Max)
		if err != nil {
			return err
		}
		if !ok {
			obs.RateLimitRejections.WithLabelValues(rule.Name).Inc()
			return &Rejection{Rule: rule, RetryAfter: rule.Window}
		}
	}
	return nil
}

// Key joins a rule name and normalized parts into a bucket identifier.
func Key(scope string, parts ...string) string {
	var b strings.Builder
	b.WriteString(scope)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(strings.ToLower(strings.TrimSpace(p)))
	}
	return b.String()
}

// LoginPolicy throttles credential checks: 100 per 10 minutes per IP and 5 per minute per IP+email.
func LoginPolicy() Policy {
	return Policy{Rules: []Rule{
		{Name: "login_ip", Window: 10 * time.Minute, Max: 100, Parts: 1},
		{Name: "login_ip_email", Window: time.Minute, Max: 5, Parts: 2},
	}}
}

// OTPRequestPolicy allows 3 passcode deliveries per minute per IP+email.
func OTPRequestPolicy() Policy {
	return Policy{Rules: []Rule{
		{Name: "otp_request_ip", Window: 10 * time.Minute, Max: 100, Parts: 1},
		{Name: "otp_request_ip_email", Window: time.Minute, Max: 3, Parts: 2},
	}}
}

// OTPVerifyPolicy bounds verification calls per IP+email+action.
func OTPVerifyPolicy() Policy {
	return Policy{Rules: []Rule{
		{Name: "otp_verify_ip", Window: 10 * time.Minute, Max: 100, Parts: 1},
		{Name: "otp_verify_ip_email_action", Window: 10 * time.Minute, Max: 10, Parts: 3},
	}}
}
