package auth

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoverdesk.org/internal/audit"
	"recoverdesk.org/internal/obs"
	"recoverdesk.org/internal/ratelimit"
	"recoverdesk.org/internal/token"
)

type fixture struct {
	svc   *Service
	store *MemoryStore
	chain *audit.Chain
	audit *audit.MemoryStore
	codec *token.Codec
}

func quietLogs(t *testing.T) {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { logger.SetOutput(original) })
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	quietLogs(t)
	codec, err := token.NewCodec("test-session-secret")
	require.NoError(t, err)
	auditStore := audit.NewMemoryStore()
	chain := audit.NewChain(auditStore)
	store := NewMemoryStore()
	opts = append([]ServiceOption{WithAuditChain(chain)}, opts...)
	svc, err := NewService(store, codec, opts...)
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, chain: chain, audit: auditStore, codec: codec}
}

func (f *fixture) provision(t *testing.T, ns Namespace, email string) Projection {
	t.Helper()
	p, err := f.svc.Provision(context.Background(), ns, email, "correct-horse")
	require.NoError(t, err)
	return p
}

func TestAgentLoginIssuesSession(t *testing.T) {
	f := newFixture(t)
	agent := f.provision(t, NamespaceAgent, "Agent@Example.com")
	assert.Equal(t, "agent@example.com", agent.Email)
	assert.Equal(t, "agent", agent.Role)
	assert.Equal(t, "active", agent.Status)

	res, err := f.svc.Login(context.Background(), LoginRequest{
		Namespace: NamespaceAgent,
		Email:     "  AGENT@example.com ",
		Password:  "correct-horse",
		ClientIP:  "203.0.113.9",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)
	assert.Equal(t, agent, res.Credential)
	assert.WithinDuration(t, time.Now().Add(DefaultSessionTTL), res.ExpiresAt, 5*time.Second)

	p, err := f.svc.Authorize(res.Token, "agent")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, p.ID)
	assert.Equal(t, "agent@example.com", p.Email)
	assert.NotEmpty(t, p.TokenID)

	_, err = f.svc.Authorize(res.Token, "admin")
	assert.ErrorIs(t, err, ErrUnauthorized)

	entries, err := f.audit.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "credential.provision", entries[0].Action)
	assert.Equal(t, "auth.login", entries[1].Action)
	assert.Equal(t, agent.ID, entries[1].Actor)
}

func TestAdminLoginReturnsProjectionOnly(t *testing.T) {
	f := newFixture(t)
	admin := f.provision(t, NamespaceAdmin, "root@example.com")

	res, err := f.svc.Login(context.Background(), LoginRequest{
		Namespace: NamespaceAdmin, Email: "root@example.com", Password: "correct-horse", ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Token)
	assert.Equal(t, admin, res.Credential)
}

func TestNamespacesAreSeparate(t *testing.T) {
	f := newFixture(t)
	f.provision(t, NamespaceAgent, "shared@example.com")

	_, err := f.svc.Login(context.Background(), LoginRequest{
		Namespace: NamespaceAdmin, Email: "shared@example.com", Password: "correct-horse",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	f.provision(t, NamespaceAdmin, "shared@example.com")
	_, err = f.svc.Provision(context.Background(), NamespaceAgent, "SHARED@example.com", "another-pass")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCredentialOutcomeUniformity(t *testing.T) {
	f := newFixture(t)
	active := f.provision(t, NamespaceAgent, "active@example.com")
	suspended := f.provision(t, NamespaceAgent, "suspended@example.com")
	inactive := f.provision(t, NamespaceAgent, "inactive@example.com")
	_, err := f.svc.SetStatus(context.Background(), suspended.ID, StatusSuspended)
	require.NoError(t, err)
	_, err = f.svc.SetStatus(context.Background(), inactive.ID, StatusInactive)
	require.NoError(t, err)

	attempts := []LoginRequest{
		{Email: "nobody@example.com", Password: "correct-horse"},
		{Email: active.Email, Password: "wrong-password"},
		{Email: "suspended@example.com", Password: "correct-horse"},
		{Email: "inactive@example.com", Password: "correct-horse"},
	}
	var messages []string
	for _, req := range attempts {
		req.Namespace = NamespaceAgent
		_, err := f.svc.Login(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidCredentials), "unexpected error %v", err)
		messages = append(messages, err.Error())
	}
	for _, m := range messages[1:] {
		assert.Equal(t, messages[0], m)
	}
}

func TestRoleMismatchIsInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), Credential{
		ID: "cred-x", Namespace: NamespaceAdmin, Email: "odd@example.com",
		PasswordHash: hash, Status: StatusActive, Role: "agent",
	}))

	_, err = f.svc.Login(context.Background(), LoginRequest{
		Namespace: NamespaceAdmin, Email: "odd@example.com", Password: "correct-horse",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginInputValidationPrecedesLookup(t *testing.T) {
	f := newFixture(t, WithLimiter(ratelimit.NewMemory(), ratelimit.LoginPolicy()))
	cases := []LoginRequest{
		{Namespace: NamespaceAgent, Email: "not-an-email", Password: "x"},
		{Namespace: NamespaceAgent, Email: "", Password: "x"},
		{Namespace: NamespaceAgent, Email: "a@example.com", Password: ""},
		{Namespace: "operator", Email: "a@example.com", Password: "x"},
	}
	for _, req := range cases {
		_, err := f.svc.Login(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestLoginRateLimitedPerIdentity(t *testing.T) {
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	lim := ratelimit.NewMemory(ratelimit.WithClock(now))
	f := newFixture(t, WithLimiter(lim, ratelimit.LoginPolicy()))
	f.provision(t, NamespaceAgent, "victim@example.com")

	req := LoginRequest{Namespace: NamespaceAgent, Email: "victim@example.com", Password: "guess", ClientIP: "198.51.100.7"}
	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The correct password is still refused once the identity bucket is full.
	req.Password = "correct-horse"
	_, err := f.svc.Login(context.Background(), req)
	require.ErrorIs(t, err, ErrRateLimited)
	var rej *ratelimit.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "login_ip_email", rej.Rule.Name)
	assert.Equal(t, time.Minute, rej.RetryAfter)

	other := req
	other.ClientIP = "198.51.100.8"
	_, err = f.svc.Login(context.Background(), other)
	assert.NoError(t, err)

	clock = clock.Add(time.Minute + time.Second)
	_, err = f.svc.Login(context.Background(), req)
	assert.NoError(t, err)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Duration, int) (bool, error) {
	return false, errors.New("redis unavailable")
}

type failingStore struct{ *MemoryStore }

func (failingStore) FindByEmail(context.Context, Namespace, string) (Credential, error) {
	return Credential{}, errors.New("connection reset")
}

func TestInfrastructureFaultsAreNotSentinels(t *testing.T) {
	f := newFixture(t, WithLimiter(failingLimiter{}, ratelimit.LoginPolicy()))
	_, err := f.svc.Login(context.Background(), LoginRequest{Namespace: NamespaceAgent, Email: "a@example.com", Password: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrInvalidCredentials))

	codec, _ := token.NewCodec("s")
	svc, err := NewService(failingStore{NewMemoryStore()}, codec)
	require.NoError(t, err)
	_, err = svc.Login(context.Background(), LoginRequest{Namespace: NamespaceAgent, Email: "a@example.com", Password: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidCredentials))
}

func TestAuthorizeRejectsNonSessionTokens(t *testing.T) {
	f := newFixture(t)
	action, err := f.svc.IssueActionToken("signup_completion", map[string]any{"email": "v@example.com", "case": "C-1"}, time.Hour)
	require.NoError(t, err)

	for _, raw := range []string{"", "garbage", action} {
		_, err := f.svc.Authorize(raw, "agent")
		assert.ErrorIs(t, err, ErrUnauthorized)
	}

	expired, err := token.NewCodec("test-session-secret", token.WithClock(func() time.Time {
		return time.Now().Add(-8 * 24 * time.Hour)
	}))
	require.NoError(t, err)
	old, err := expired.Sign(token.Claims{"sub": "a", "role": "agent", "type": TokenTypeSession}, DefaultSessionTTL)
	require.NoError(t, err)
	_, err = f.svc.Authorize(old, "agent")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestActionTokens(t *testing.T) {
	f := newFixture(t)
	raw, err := f.svc.IssueActionToken("signup_completion", map[string]any{"email": "v@example.com", "case": "C-1"}, time.Hour)
	require.NoError(t, err)

	claims, err := f.svc.VerifyActionToken(raw, "signup_completion")
	require.NoError(t, err)
	assert.Equal(t, "v@example.com", claims.String("email"))
	assert.Equal(t, "C-1", claims.String("case"))

	_, err = f.svc.VerifyActionToken(raw, "password_reset")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.IssueActionToken(" ", nil, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCredentialLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := ContextWithPrincipal(context.Background(), Principal{ID: "admin-7", Role: "admin"})
	p, err := f.svc.Provision(ctx, NamespaceAgent, "life@example.com", "first-password")
	require.NoError(t, err)

	_, err = f.svc.Provision(ctx, NamespaceAgent, "short@example.com", "short")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.ErrorIs(t, f.svc.ChangePassword(ctx, p.ID, "wrong-password", "second-password"), ErrInvalidCredentials)
	require.NoError(t, f.svc.ChangePassword(ctx, p.ID, "first-password", "second-password"))

	login := LoginRequest{Namespace: NamespaceAgent, Email: "life@example.com", Password: "second-password"}
	_, err = f.svc.Login(context.Background(), login)
	require.NoError(t, err)

	updated, err := f.svc.SetStatus(ctx, p.ID, "Suspended")
	require.NoError(t, err)
	assert.Equal(t, "suspended", updated.Status)
	_, err = f.svc.SetStatus(ctx, p.ID, "deleted")
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, f.svc.Reset(ctx, p.ID))
	assert.ErrorIs(t, f.svc.Reset(ctx, p.ID), ErrNotFound)
	_, err = f.store.Find(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := f.audit.List(context.Background())
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{
		"credential.provision",
		"credential.password_change",
		"auth.login",
		"credential.status_change",
		"credential.reset",
	}, actions)
	assert.Equal(t, "admin-7", entries[0].Actor)

	rep, err := f.chain.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Valid)
}

func TestNormalizeEmail(t *testing.T) {
	good := map[string]string{
		"User@Example.COM":        "user@example.com",
		"  a.b+tag@mail.example ": "a.b+tag@mail.example",
	}
	for in, want := range good {
		got, err := NormalizeEmail(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "plain", "a@b", "Name <a@b.com>", "a@@b.com"} {
		_, err := NormalizeEmail(in)
		assert.ErrorIs(t, err, ErrInvalidInput, in)
	}
}
