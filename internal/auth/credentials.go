package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recoverdesk.org/internal/ids"
)

const systemActor = "system"

// Provision creates an active credential in ns. The role always equals the namespace.
func (s *Service) Provision(ctx context.Context, ns Namespace, email, password string) (Projection, error) {
	ns, err := ParseNamespace(string(ns))
	if err != nil {
		return Projection{}, err
	}
	email, err = NormalizeEmail(email)
	if err != nil {
		return Projection{}, err
	}
	if err := validateNewPassword(password); err != nil {
		return Projection{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Projection{}, fmt.Errorf("auth: hash password: %w", err)
	}
	now := s.now().UTC()
	cred := Credential{
		ID:           ids.NewAt(now),
		Namespace:    ns,
		Email:        email,
		PasswordHash: hash,
		Status:       StatusActive,
		Role:         ns.Role(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.store.Create(opCtx, cred); err != nil {
		if errors.Is(err, ErrConflict) {
			return Projection{}, fmt.Errorf("%w: %s credential for %s already exists", ErrConflict, ns, email)
		}
		return Projection{}, fmt.Errorf("auth: create credential: %w", err)
	}
	s.record(ctx, actorFrom(ctx), "credential.provision", "credential/"+cred.ID, map[string]any{
		"namespace": string(ns),
		"email":     email,
	})
	return cred.Projection(), nil
}

// ChangePassword replaces the password after checking the current one.
// A wrong current password yields ErrInvalidCredentials.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if err := validateNewPassword(next); err != nil {
		return err
	}
	cred, err := s.find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if err := VerifyPassword(cred.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.store.UpdatePassword(opCtx, id, hash, s.now().UTC()); err != nil {
		return fmt.Errorf("auth: update password: %w", err)
	}
	s.record(ctx, actorFrom(ctx, id), "credential.password_change", "credential/"+id, nil)
	return nil
}

// SetStatus moves a credential between active, inactive and suspended.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (Projection, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Projection{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	status, err := ParseStatus(string(status))
	if err != nil {
		return Projection{}, err
	}
	cred, err := s.find(ctx, id)
	if err != nil {
		return Projection{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.store.UpdateStatus(opCtx, id, status, s.now().UTC()); err != nil {
		return Projection{}, fmt.Errorf("auth: update status: %w", err)
	}
	s.record(ctx, actorFrom(ctx), "credential.status_change", "credential/"+id, map[string]any{
		"from": string(cred.Status),
		"to":   string(status),
	})
	cred.Status = status
	return cred.Projection(), nil
}

// Reset physically deletes a credential. It is the only deletion path.
func (s *Service) Reset(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	cred, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.store.Delete(opCtx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("auth: delete credential: %w", err)
	}
	s.record(ctx, actorFrom(ctx), "credential.reset", "credential/"+id, map[string]any{
		"namespace": string(cred.Namespace),
		"email":     cred.Email,
	})
	return nil
}

func (s *Service) find(ctx context.Context, id string) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	cred, err := s.store.Find(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Credential{}, fmt.Errorf("auth: find credential: %w", err)
	}
	return cred, err
}

// actorFrom names the principal in ctx, falling back to the first non-empty
// fallback and then to "system".
func actorFrom(ctx context.Context, fallback ...string) string {
	if p, ok := PrincipalFromContext(ctx); ok && p.ID != "" {
		return p.ID
	}
	for _, f := range fallback {
		if f != "" {
			return f
		}
	}
	return systemActor
}
