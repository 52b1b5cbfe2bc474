package repository

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

// MemorySlotLocker is the single-process SlotLocker used when Redis is not
// configured or is down.
type MemorySlotLocker struct {
	mu         sync.Mutex
	locks      map[string]lockEntry
	rateLimits map[string]*rateLimitEntry
	now        func() time.Time
}

func NewMemorySlotLocker() *MemorySlotLocker {
	return &MemorySlotLocker{
		locks:      make(map[string]lockEntry),
		rateLimits: make(map[string]*rateLimitEntry),
		now:        time.Now,
	}
}

func (m *MemorySlotLocker) Lock(_ context.Context, keys []string, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, key := range keys {
		if e, ok := m.locks[key]; ok && now.Before(e.expiresAt) {
			return false, nil
		}
	}
	for _, key := range keys {
		m.locks[key] = lockEntry{owner: owner, expiresAt: now.Add(ttl)}
	}
	return true, nil
}

func (m *MemorySlotLocker) Unlock(_ context.Context, keys []string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if e, ok := m.locks[key]; ok && e.owner == owner {
			delete(m.locks, key)
		}
	}
	return nil
}

func (m *MemorySlotLocker) CheckRateLimit(_ context.Context, client string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.rateLimits[client]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &rateLimitEntry{expiresAt: now.Add(window)}
		m.rateLimits[client] = entry
	}
	entry.count++
	return entry.count <= limit, nil
}
