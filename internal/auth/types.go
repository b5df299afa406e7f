package auth

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Namespace separates agent and admin credentials. The same e-mail may hold one
// record in each.
type Namespace string

const (
	NamespaceAgent Namespace = "agent"
	NamespaceAdmin Namespace = "admin"
)

// ParseNamespace normalizes and validates a namespace name.
func ParseNamespace(v string) (Namespace, error) {
	switch ns := Namespace(strings.ToLower(strings.TrimSpace(v))); ns {
	case NamespaceAgent, NamespaceAdmin:
		return ns, nil
	default:
		return "", fmt.Errorf("%w: unsupported namespace %q", ErrInvalidInput, v)
	}
}

// Role is the role a credential in this namespace must carry.
func (n Namespace) Role() string { return string(n) }

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// ParseStatus normalizes and validates a credential status.
func ParseStatus(v string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(v))); st {
	case StatusActive, StatusInactive, StatusSuspended:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, v)
	}
}

// Credential is a persisted login identity.
type Credential struct {
	ID           string
	Namespace    Namespace
	Email        string
	PasswordHash string
	Status       Status
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Projection is the public view of a credential. It never carries the hash.
type Projection struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

func (c Credential) Projection() Projection {
	return Projection{ID: c.ID, Email: c.Email, Role: c.Role, Status: string(c.Status)}
}

// Principal is the identity resolved from a verified session token.
type Principal struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NormalizeEmail lower-cases and trims an address and rejects anything that is
// not a bare address.
func NormalizeEmail(v string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(v))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return email, nil
}
