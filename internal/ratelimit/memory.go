package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	defaultRetention     = time.Hour
	defaultSweepInterval = 10 * time.Minute
)

// Memory is the single-process sliding-window limiter. Limits are per instance
// and reset on restart; use Redis when several instances share traffic.
type Memory struct {
	mu        sync.Mutex
	buckets   map[string][]time.Time
	now       func() time.Time
	retention time.Duration
}

// MemoryOption configures a Memory limiter.
type MemoryOption func(*Memory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithRetention sets how long an idle bucket survives Cleanup.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.retention = d
		}
	}
}

// NewMemory creates an empty in-process limiter.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		buckets:   make(map[string][]time.Time),
		now:       time.Now,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow prunes timestamps older than now-window and admits only while the
// remaining count is below max.
func (m *Memory) Allow(_ context.Context, key string, window time.Duration, max int) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	now := m.now()
	cutoff := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	stamps := prune(m.buckets[key], cutoff)
	if len(stamps) >= max {
		m.store(key, stamps)
		return false, nil
	}
	m.buckets[key] = append(stamps, now)
	return true, nil
}

// Cleanup drops buckets whose newest timestamp is older than the retention horizon.
func (m *Memory) Cleanup() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, stamps := range m.buckets {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// Len reports the number of live buckets.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *Memory) store(key string, stamps []time.Time) {
	if len(stamps) == 0 {
		delete(m.buckets, key)
		return
	}
	m.buckets[key] = stamps
}

// prune keeps timestamps strictly after cutoff. Timestamps are appended in order,
// so the first survivor marks the split point.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	kept := make([]time.Time, len(stamps)-i)
	copy(kept, stamps[i:])
	return kept
}
