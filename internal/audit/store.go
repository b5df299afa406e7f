package audit

import (
	"context"
	"errors"
	"sync"
)

// ErrConflict reports that the expected predecessor is no longer the chain tail.
var ErrConflict = errors.New("audit: chain conflict")

// Store persists chain entries. It deliberately offers no update or delete.
type Store interface {
	// Tail returns the hash of the most recent entry, or "" for an empty chain.
	Tail(ctx context.Context) (string, error)
	// Insert appends e only if e.PrevHash still equals the tail; otherwise ErrConflict.
	Insert(ctx context.Context, e Entry) error
	// List returns every entry in insertion order.
	List(ctx context.Context) ([]Entry, error)
}

// MemoryStore keeps the chain in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Tail(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].Hash, nil
}

func (s *MemoryStore) Insert(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := ""
	if n := len(s.entries); n > 0 {
		tail = s.entries[n-1].Hash
	}
	if tail != e.PrevHash {
		return ErrConflict
	}
	e.Details = append([]byte(nil), e.Details...)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) List(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}
