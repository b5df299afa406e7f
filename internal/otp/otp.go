// Package otp issues and verifies one-time passcodes bound to an e-mail and a
// case identifier.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"recoverdesk.org/internal/auth"
	"recoverdesk.org/internal/obs"
	"recoverdesk.org/internal/ratelimit"
)

const (
	CodeLength         = 6
	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 5
	DefaultTokenTTL    = 24 * time.Hour

	// PurposeSignupCompletion is the action-token purpose minted on success.
	PurposeSignupCompletion = "signup_completion"

	ClaimEmail  = "email"
	ClaimCaseID = "case_id"

	verifyAction     = "verify"
	maxCaseIDLength  = 128
	defaultOpTimeout = 5 * time.Second
)

var (
	ErrInvalidInput = errors.New("otp: invalid input")
	ErrInvalidCode  = errors.New("otp: invalid code")
	ErrAlreadyUsed  = errors.New("otp: code already used")
	ErrExpired      = errors.New("otp: code expired")
	ErrLocked       = errors.New("otp: too many attempts")
	ErrRateLimited  = errors.New("otp: rate limited")
	ErrNotFound     = errors.New("otp: not found")
)

// TokenIssuer mints the action token returned after a successful verification.
type TokenIssuer interface {
	IssueActionToken(purpose string, claims map[string]any, ttl time.Duration) (string, error)
}

// Service runs the passcode lifecycle.
type Service struct {
	store         Store
	sender        Sender
	issuer        TokenIssuer
	limiter       ratelimit.Limiter
	requestPolicy ratelimit.Policy
	verifyPolicy  ratelimit.Policy
	now           func() time.Time
	ttl           time.Duration
	tokenTTL      time.Duration
	maxAttempts   int
	opTimeout     time.Duration
}

type Option func(*Service)

// WithLimiter throttles Request and Verify under the given policies.
func WithLimiter(l ratelimit.Limiter, request, verify ratelimit.Policy) Option {
	return func(s *Service) {
		s.limiter = l
		s.requestPolicy = request
		s.verifyPolicy = verify
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithOpTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

func NewService(store Store, sender Sender, issuer TokenIssuer, opts ...Option) (*Service, error) {
	if store == nil || sender == nil || issuer == nil {
		return nil, errors.New("otp: store, sender and token issuer are required")
	}
	s := &Service{
		store:       store,
		sender:      sender,
		issuer:      issuer,
		now:         time.Now,
		ttl:         DefaultTTL,
		tokenTTL:    DefaultTokenTTL,
		maxAttempts: DefaultMaxAttempts,
		opTimeout:   defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Request generates a fresh code for (email, case), replacing any pending one,
// and hands it to the Sender.
func (s *Service) Request(ctx context.Context, email, caseID, clientIP string) error {
	email, caseID, err := normalizePair(email, caseID)
	if err != nil {
		return err
	}
	if err := s.throttle(ctx, s.requestPolicy, clientIP, email); err != nil {
		return err
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("otp: generate code: %w", err)
	}
	hash, err := hashCode(code)
	if err != nil {
		return fmt.Errorf("otp: hash code: %w", err)
	}
	now := s.now().UTC()
	rec := Record{
		Email:     email,
		CaseID:    caseID,
		CodeHash:  hash,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.store.Upsert(opCtx, rec); err != nil {
		return fmt.Errorf("otp: store: %w", err)
	}
	if err := s.sender.Send(ctx, email, caseID, code, rec.ExpiresAt); err != nil {
		obs.OTPEvents.WithLabelValues("send_failed").Inc()
		return fmt.Errorf("otp: send: %w", err)
	}
	obs.OTPEvents.WithLabelValues("issued").Inc()
	return nil
}

// Result is returned by a successful Verify.
type Result struct {
	Email     string    `json:"email"`
	CaseID    string    `json:"case_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verify checks code against the stored record and consumes it on a match.
func (s *Service) Verify(ctx context.Context, email, caseID, code, clientIP string) (Result, error) {
	email, caseID, err := normalizePair(email, caseID)
	if err != nil {
		return Result{}, err
	}
	code = strings.TrimSpace(code)
	if !validCode(code) {
		return Result{}, fmt.Errorf("%w: code must be %d digits", ErrInvalidInput, CodeLength)
	}
	if err := s.throttle(ctx, s.verifyPolicy, clientIP, email, verifyAction); err != nil {
		return Result{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rec, err := s.store.Get(opCtx, email, caseID)
	if errors.Is(err, ErrNotFound) {
		return Result{}, s.fail("unknown", ErrInvalidCode)
	}
	if err != nil {
		return Result{}, fmt.Errorf("otp: load: %w", err)
	}
	now := s.now().UTC()
	switch {
	case rec.ConsumedAt != nil:
		return Result{}, s.fail("reused", ErrAlreadyUsed)
	case !now.Before(rec.ExpiresAt):
		return Result{}, s.fail("expired", ErrExpired)
	case rec.Attempts >= s.maxAttempts:
		return Result{}, s.fail("locked", ErrLocked)
	}

	reserved, err := s.store.ReserveAttempt(opCtx, email, caseID, s.maxAttempts)
	if errors.Is(err, ErrNotFound) {
		return Result{}, s.fail("unknown", ErrInvalidCode)
	}
	if err != nil {
		return Result{}, fmt.Errorf("otp: record attempt: %w", err)
	}
	if !reserved {
		cur, err := s.store.Get(opCtx, email, caseID)
		switch {
		case errors.Is(err, ErrNotFound):
			return Result{}, s.fail("unknown", ErrInvalidCode)
		case err != nil:
			return Result{}, fmt.Errorf("otp: load: %w", err)
		case cur.ConsumedAt != nil:
			return Result{}, s.fail("reused", ErrAlreadyUsed)
		default:
			return Result{}, s.fail("locked", ErrLocked)
		}
	}

	ok, err := checkCode(rec.CodeHash, code)
	if err != nil {
		return Result{}, fmt.Errorf("otp: %w", err)
	}
	if !ok {
		return Result{}, s.fail("mismatch", ErrInvalidCode)
	}

	consumed, err := s.store.Consume(opCtx, email, caseID, rec.CodeHash, now)
	if err != nil {
		return Result{}, fmt.Errorf("otp: consume: %w", err)
	}
	if !consumed {
		// Either another verifier won, or a new code replaced this one.
		cur, err := s.store.Get(opCtx, email, caseID)
		if err == nil && cur.ConsumedAt != nil && cur.CodeHash == rec.CodeHash {
			return Result{}, s.fail("reused", ErrAlreadyUsed)
		}
		return Result{}, s.fail("mismatch", ErrInvalidCode)
	}

	tok, err := s.issuer.IssueActionToken(PurposeSignupCompletion, map[string]any{
		ClaimEmail:  email,
		ClaimCaseID: caseID,
	}, s.tokenTTL)
	if err != nil {
		return Result{}, fmt.Errorf("otp: issue token: %w", err)
	}
	obs.OTPEvents.WithLabelValues("verified").Inc()
	return Result{Email: email, CaseID: caseID, Token: tok, ExpiresAt: now.Add(s.tokenTTL)}, nil
}

func (s *Service) fail(event string, err error) error {
	obs.OTPEvents.WithLabelValues(event).Inc()
	return err
}

func (s *Service) throttle(ctx context.Context, policy ratelimit.Policy, parts ...string) error {
	if s.limiter == nil {
		return nil
	}
	if err := policy.Check(ctx, s.limiter, parts...); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			obs.OTPEvents.WithLabelValues("rate_limited").Inc()
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return fmt.Errorf("otp: rate limiter: %w", err)
	}
	return nil
}

func normalizePair(email, caseID string) (string, string, error) {
	email, err := auth.NormalizeEmail(email)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidInput, strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error()+": "))
	}
	caseID = strings.TrimSpace(caseID)
	if caseID == "" || len(caseID) > maxCaseIDLength {
		return "", "", fmt.Errorf("%w: case identifier is required", ErrInvalidInput)
	}
	return email, caseID, nil
}

func validCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
