package otp

import (
	"context"
	"sync"
	"time"
)

// Record is the pending or terminal passcode for one (email, case) pair.
type Record struct {
	Email      string
	CaseID     string
	CodeHash   string
	ExpiresAt  time.Time
	Attempts   int
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// Store persists passcode records, one per (email, case) pair.
type Store interface {
	// Upsert replaces any prior record for the pair.
	Upsert(ctx context.Context, rec Record) error
	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, email, caseID string) (Record, error)
	// ReserveAttempt atomically counts one verification attempt if the record
	// is unconsumed and below max, and reports whether it did. A missing
	// record yields ErrNotFound.
	ReserveAttempt(ctx context.Context, email, caseID string, max int) (bool, error)
	// Consume sets consumed_at only if it is still unset and the stored hash is
	// still codeHash, and reports whether it did.
	Consume(ctx context.Context, email, caseID, codeHash string, at time.Time) (bool, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func pairKey(email, caseID string) string { return email + "\x00" + caseID }

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[pairKey(rec.Email, rec.CaseID)] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, email, caseID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pairKey(email, caseID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.ConsumedAt != nil {
		at := *rec.ConsumedAt
		rec.ConsumedAt = &at
	}
	return rec, nil
}

func (s *MemoryStore) ReserveAttempt(_ context.Context, email, caseID string, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(email, caseID)
	rec, ok := s.records[key]
	if !ok {
		return false, ErrNotFound
	}
	if rec.ConsumedAt != nil || rec.Attempts >= max {
		return false, nil
	}
	rec.Attempts++
	s.records[key] = rec
	return true, nil
}

func (s *MemoryStore) Consume(_ context.Context, email, caseID, codeHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(email, caseID)
	rec, ok := s.records[key]
	if !ok {
		return false, ErrNotFound
	}
	if rec.ConsumedAt != nil || rec.CodeHash != codeHash {
		return false, nil
	}
	rec.ConsumedAt = &at
	s.records[key] = rec
	return true, nil
}
