package auth

import (
	"context"
	"sync"
	"time"
)

// CredentialStore persists credential records.
type CredentialStore interface {
	// Create inserts c, returning ErrConflict when the e-mail already exists in c's namespace.
	Create(ctx context.Context, c Credential) error
	// FindByEmail returns ErrNotFound when no record matches.
	FindByEmail(ctx context.Context, ns Namespace, email string) (Credential, error)
	Find(ctx context.Context, id string) (Credential, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error
	// Delete physically removes a record. Only administrative reset calls it.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process CredentialStore.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Credential
	index map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]Credential{}, index: map[string]string{}}
}

func indexKey(ns Namespace, email string) string { return string(ns) + "|" + email }

func (s *MemoryStore) Create(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := indexKey(c.Namespace, c.Email)
	if _, ok := s.index[key]; ok {
		return ErrConflict
	}
	if _, ok := s.byID[c.ID]; ok {
		return ErrConflict
	}
	s.byID[c.ID] = c
	s.index[key] = c.ID
	return nil
}

func (s *MemoryStore) FindByEmail(_ context.Context, ns Namespace, email string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[indexKey(ns, email)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) Find(_ context.Context, id string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpdatePassword(_ context.Context, id, passwordHash string, at time.Time) error {
	return s.update(id, func(c *Credential) {
		c.PasswordHash = passwordHash
		c.UpdatedAt = at
	})
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, at time.Time) error {
	return s.update(id, func(c *Credential) {
		c.Status = status
		c.UpdatedAt = at
	})
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.index, indexKey(c.Namespace, c.Email))
	return nil
}

func (s *MemoryStore) update(id string, fn func(*Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&c)
	s.byID[id] = c
	return nil
}
