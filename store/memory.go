package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is the process-local [KV] implementation. It backs single-instance
// deployments, tests, and the rate limiter's degraded mode when Redis is
// unreachable. Its state is not shared across instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the value for key. Expired entries read as absent and are
// evicted on access.
func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		return "", false, nil
	}

	return entry.value, true, nil
}

// Set stores value under key with the given ttl. A ttl of zero means no
// expiry.
func (s *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry

	return nil
}

// Increment atomically bumps the counter at key, creating it at 1 with the
// given ttl when absent or expired. Non-numeric existing values reset to 1,
// matching a fresh window.
func (s *Memory) Increment(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	entry, ok := s.entries[key]
	if !ok || entry.expired(now) {
		expiresAt := time.Time{}
		if ttl > 0 {
			expiresAt = now.Add(ttl)
		}
		s.entries[key] = memoryEntry{value: "1", expiresAt: expiresAt}
		return 1, ttl, nil
	}

	count, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		count = 0
	}
	count++
	entry.value = strconv.FormatInt(count, 10)
	s.entries[key] = entry

	remaining := ttl
	if !entry.expiresAt.IsZero() {
		remaining = entry.expiresAt.Sub(now)
	}

	return count, remaining, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)

	return nil
}

// Len reports the number of live entries, evicting expired ones first. Used
// by tests and operational introspection.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
		}
	}

	return len(s.entries)
}
