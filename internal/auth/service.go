package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"recoverdesk.org/internal/audit"
	"recoverdesk.org/internal/obs"
	"recoverdesk.org/internal/ratelimit"
	"recoverdesk.org/internal/token"
)

const (
	DefaultSessionTTL = 7 * 24 * time.Hour
	defaultOpTimeout  = 5 * time.Second

	TokenTypeSession = "session"
	ClaimEmail       = "email"
	claimPurpose     = "purpose"
)

// Service is the auth decision layer: it composes the rate limiter, the
// credential store and the token codec into login and authorization decisions.
type Service struct {
	store      CredentialStore
	codec      *token.Codec
	limiter    ratelimit.Limiter
	policy     ratelimit.Policy
	chain      *audit.Chain
	now        func() time.Time
	sessionTTL time.Duration
	opTimeout  time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLimiter enables login throttling under the given policy.
func WithLimiter(l ratelimit.Limiter, policy ratelimit.Policy) ServiceOption {
	return func(s *Service) error {
		if l == nil {
			return errors.New("auth: limiter is nil")
		}
		s.limiter = l
		s.policy = policy
		return nil
	}
}

// WithAuditChain records successful logins and credential changes.
func WithAuditChain(c *audit.Chain) ServiceOption {
	return func(s *Service) error {
		s.chain = c
		return nil
	}
}

// WithSessionTTL configures agent session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithOpTimeout bounds every datastore call.
func WithOpTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.opTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store CredentialStore, codec *token.Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	if codec == nil {
		return nil, token.ErrMissingSecret
	}
	svc := &Service{
		store:      store,
		codec:      codec,
		now:        time.Now,
		sessionTTL: DefaultSessionTTL,
		opTimeout:  defaultOpTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Codec exposes the token codec shared with other issuers.
func (s *Service) Codec() *token.Codec { return s.codec }

// SessionTTL is the lifetime of agent session tokens.
func (s *Service) SessionTTL() time.Duration { return s.sessionTTL }

// LoginRequest is the input to Login.
type LoginRequest struct {
	Namespace Namespace
	Email     string
	Password  string
	ClientIP  string
}

// LoginResult is populated on success. Token is set for the agent namespace only.
type LoginResult struct {
	Credential Projection
	Token      string
	ExpiresAt  time.Time
}

// Login runs received → rate_checked → credential_checked → role_checked → issued.
// Every rejection of the credential itself is ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	ns, err := ParseNamespace(string(req.Namespace))
	if err != nil {
		return LoginResult{}, err
	}
	email, err := NormalizeEmail(req.Email)
	if err != nil {
		return LoginResult{}, err
	}
	if req.Password == "" {
		return LoginResult{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	if s.limiter != nil {
		if err := s.policy.Check(ctx, s.limiter, strings.TrimSpace(req.ClientIP), email); err != nil {
			if errors.Is(err, ratelimit.ErrLimited) {
				obs.LoginAttempts.WithLabelValues(string(ns), "rate_limited").Inc()
				return LoginResult{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
			}
			return LoginResult{}, fmt.Errorf("auth: rate limiter: %w", err)
		}
	}

	cred, err := s.lookup(ctx, ns, email)
	if errors.Is(err, ErrNotFound) {
		_ = VerifyPassword(string(dummyHash), req.Password)
		return LoginResult{}, s.reject(ns)
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: credential lookup: %w", err)
	}
	if err := VerifyPassword(cred.PasswordHash, req.Password); err != nil {
		return LoginResult{}, s.reject(ns)
	}
	if cred.Status != StatusActive || cred.Role != ns.Role() {
		return LoginResult{}, s.reject(ns)
	}

	res := LoginResult{Credential: cred.Projection()}
	if ns == NamespaceAgent {
		res.ExpiresAt = s.now().Add(s.sessionTTL)
		res.Token, err = s.codec.Sign(token.Claims{
			token.ClaimSubject: cred.ID,
			token.ClaimRole:    cred.Role,
			token.ClaimType:    TokenTypeSession,
			ClaimEmail:         cred.Email,
		}, s.sessionTTL)
		if err != nil {
			return LoginResult{}, fmt.Errorf("auth: sign session: %w", err)
		}
	}
	obs.LoginAttempts.WithLabelValues(string(ns), "ok").Inc()
	s.record(ctx, cred.ID, "auth.login", "credential/"+cred.ID, map[string]any{"namespace": string(ns)})
	return res, nil
}

func (s *Service) reject(ns Namespace) error {
	obs.LoginAttempts.WithLabelValues(string(ns), "invalid").Inc()
	return ErrInvalidCredentials
}

// Authorize verifies a session token and checks it was minted for role.
func (s *Service) Authorize(raw, role string) (Principal, error) {
	if strings.TrimSpace(raw) == "" {
		return Principal{}, ErrUnauthorized
	}
	claims, err := s.codec.Verify(raw)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	if claims.Type() != TokenTypeSession || claims.Subject() == "" {
		return Principal{}, ErrUnauthorized
	}
	if role != "" && claims.Role() != role {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		ID:        claims.Subject(),
		Email:     claims.String(ClaimEmail),
		Role:      claims.Role(),
		TokenID:   claims.ID(),
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// IssueActionToken mints a short-lived token scoped to one purpose, such as
// signup_completion.
func (s *Service) IssueActionToken(purpose string, claims map[string]any, ttl time.Duration) (string, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return "", fmt.Errorf("%w: purpose is required", ErrInvalidInput)
	}
	c := make(token.Claims, len(claims)+2)
	for k, v := range claims {
		c[k] = v
	}
	c[token.ClaimType] = "action"
	c[claimPurpose] = purpose
	return s.codec.Sign(c, ttl)
}

// VerifyActionToken returns the claims of an action token minted for purpose.
func (s *Service) VerifyActionToken(raw, purpose string) (token.Claims, error) {
	claims, err := s.codec.Verify(strings.TrimSpace(raw))
	if err != nil {
		return nil, ErrUnauthorized
	}
	if claims.Type() != "action" || claims.String(claimPurpose) != purpose {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (s *Service) lookup(ctx context.Context, ns Namespace, email string) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.store.FindByEmail(ctx, ns, email)
}

// record appends to the audit chain when one is configured. Failures are logged,
// the decision already taken stands.
func (s *Service) record(ctx context.Context, actor, action, resource string, details map[string]any) {
	if s.chain == nil {
		return
	}
	if _, err := s.chain.Append(ctx, actor, action, resource, details); err != nil {
		obs.Error("audit append failed", map[string]any{
			"action":     action,
			"request_id": audit.RequestIDFromContext(ctx),
			"error":      err,
		})
	}
}
