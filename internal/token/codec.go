// Package token signs and verifies the compact HS256 bearer tokens used for
// agent sessions and short-lived action links.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ClaimIssuedAt  = "issued_at"
	ClaimExpiresAt = "expires_at"
	ClaimSubject   = "sub"
	ClaimRole      = "role"
	ClaimType      = "type"
	ClaimTokenID   = "token_id"
)

var (
	// ErrMissingSecret is a configuration fault: the process cannot sign or verify anything.
	ErrMissingSecret = errors.New("token: signing secret is not configured")
	// ErrInvalidToken covers every decode, signature, algorithm or expiry failure.
	ErrInvalidToken = errors.New("token: invalid token")
)

// Claims is the decoded payload of a token.
type Claims map[string]any

// Subject returns the "sub" claim.
func (c Claims) Subject() string { return c.String(ClaimSubject) }

// Role returns the "role" claim.
func (c Claims) Role() string { return c.String(ClaimRole) }

// Type returns the "type" claim that distinguishes sessions from action tokens.
func (c Claims) Type() string { return c.String(ClaimType) }

// ID returns the per-token identifier.
func (c Claims) ID() string { return c.String(ClaimTokenID) }

// String returns a string claim or "" when absent or of another type.
func (c Claims) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// IssuedAt returns the issued_at claim.
func (c Claims) IssuedAt() time.Time {
	sec, _ := toInt64(c[ClaimIssuedAt])
	return time.Unix(sec, 0).UTC()
}

// ExpiresAt returns the expires_at claim.
func (c Claims) ExpiresAt() time.Time {
	sec, _ := toInt64(c[ClaimExpiresAt])
	return time.Unix(sec, 0).UTC()
}

// Codec is safe for concurrent use; the secret never changes after construction.
type Codec struct {
	secret []byte
	now    func() time.Time
	parser *jwt.Parser
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec builds a codec around the process-wide signing secret.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	c := &Codec{
		secret: []byte(secret),
		now:    time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithStrictDecoding(),
			jwt.WithJSONNumber(),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign merges claims with issued_at/expires_at and returns header.payload.signature.
// Caller-supplied issued_at/expires_at values are overwritten.
func (c *Codec) Sign(claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token: ttl must be greater than zero")
	}
	now := c.now().UTC()
	payload := make(jwt.MapClaims, len(claims)+3)
	for k, v := range claims {
		payload[k] = v
	}
	payload[ClaimIssuedAt] = now.Unix()
	payload[ClaimExpiresAt] = now.Add(ttl).Unix()
	if _, ok := payload[ClaimTokenID]; !ok {
		payload[ClaimTokenID] = uuid.NewString()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature in constant time and rejects expired tokens.
// Every failure collapses into ErrInvalidToken.
func (c *Codec) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Count(raw, ".") != 2 {
		return nil, ErrInvalidToken
	}
	parsed, err := c.parser.Parse(raw, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	mapped, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	exp, ok := toInt64(mapped[ClaimExpiresAt])
	if !ok {
		return nil, ErrInvalidToken
	}
	if _, ok := toInt64(mapped[ClaimIssuedAt]); !ok {
		return nil, ErrInvalidToken
	}
	if c.now().Unix() >= exp {
		return nil, ErrInvalidToken
	}
	return normalize(mapped), nil
}

// normalize converts json.Number leaves back into int64/float64 so callers see plain values.
func normalize(in jwt.MapClaims) Claims {
	out := make(Claims, len(in))
	for k, v := range in {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				out[k] = i
				continue
			}
			if f, err := n.Float64(); err == nil {
				out[k] = f
				continue
			}
		}
		out[k] = v
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
