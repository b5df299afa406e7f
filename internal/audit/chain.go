// Package audit maintains the tamper-evident, hash-chained audit log.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"recoverdesk.org/internal/ids"
	"recoverdesk.org/internal/obs"
)

const defaultMaxAttempts = 5

// Reasons reported by Verify.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonLinkMismatch = "link_mismatch"
)

// Chain appends entries to a Store while keeping the hash links intact.
type Chain struct {
	store       Store
	now         func() time.Time
	maxAttempts int

	mu sync.Mutex
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Chain) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithMaxAttempts bounds how often Append retries after losing a race to another writer.
func WithMaxAttempts(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func NewChain(store Store, opts ...Option) *Chain {
	c := &Chain{store: store, now: time.Now, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append links a new entry to the current tail and persists it.
func (c *Chain) Append(ctx context.Context, actor, action, resource string, details map[string]any) (Entry, error) {
	actor = strings.TrimSpace(actor)
	action = strings.TrimSpace(action)
	if actor == "" || action == "" {
		return Entry{}, errors.New("audit: actor and action are required")
	}
	fields := make(map[string]any, len(details)+1)
	for k, v := range details {
		fields[k] = v
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	raw, err := canonicalDetails(fields)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encode details: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		prev, err := c.store.Tail(ctx)
		if err != nil {
			obs.AuditAppends.WithLabelValues("error").Inc()
			return Entry{}, fmt.Errorf("audit: read tail: %w", err)
		}
		ts := c.now().UTC().Truncate(time.Microsecond)
		e := Entry{
			ID:        ids.NewAt(ts),
			Actor:     actor,
			Action:    action,
			Resource:  resource,
			Timestamp: ts,
			PrevHash:  prev,
			Details:   raw,
		}
		e.Hash = ComputeHash(e)

		err = c.store.Insert(ctx, e)
		if err == nil {
			obs.AuditAppends.WithLabelValues("ok").Inc()
			if logErr := LogEvent(ctx, action, map[string]any{
				"actor":    actor,
				"resource": resource,
				"hash":     e.Hash,
			}); logErr != nil {
				obs.Warn("audit log line failed", map[string]any{"error": logErr})
			}
			return e, nil
		}
		if !errors.Is(err, ErrConflict) {
			obs.AuditAppends.WithLabelValues("error").Inc()
			return Entry{}, fmt.Errorf("audit: insert: %w", err)
		}
		obs.AuditAppends.WithLabelValues("conflict").Inc()
		lastErr = err
	}
	return Entry{}, lastErr
}

// Report summarises a chain verification.
type Report struct {
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt int    `json:"broken_at"`
	EntryID  string `json:"entry_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify replays the chain from genesis, recomputing every hash and checking every link.
func (c *Chain) Verify(ctx context.Context) (Report, error) {
	entries, err := c.store.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("audit: list: %w", err)
	}
	return VerifyEntries(entries), nil
}

// Entries returns the chain in append order.
func (c *Chain) Entries(ctx context.Context) ([]Entry, error) {
	entries, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return entries, nil
}

// VerifyEntries checks an ordered slice of entries.
func VerifyEntries(entries []Entry) Report {
	rep := Report{Entries: len(entries), Valid: true, BrokenAt: -1}
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return broken(rep, i, e, ReasonLinkMismatch)
		}
		if ComputeHash(e) != e.Hash {
			return broken(rep, i, e, ReasonHashMismatch)
		}
		prev = e.Hash
	}
	return rep
}

func broken(rep Report, i int, e Entry, reason string) Report {
	rep.Valid = false
	rep.BrokenAt = i
	rep.EntryID = e.ID
	rep.Reason = reason
	return rep
}
