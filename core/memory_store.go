package core

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the Memory interface.
// It is the default backing when no Redis address is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	store  map[string]memoryEntry
	logger Logger
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store:  make(map[string]memoryEntry),
		logger: &NoOpLogger{},
	}
}

// SetLogger configures the logger for this memory store
func (m *MemoryStore) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Get retrieves a value; expired or missing keys return "".
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.store[key]
	if !exists {
		return "", nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.logger.Debug("Cache entry expired", map[string]interface{}{
			"operation": "cache_get",
			"key":       key,
		})
		return "", nil
	}
	return entry.value, nil
}

// Set stores a value with optional TTL (ttl <= 0 means no expiry).
func (m *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.store[key] = entry
	return nil
}

// Delete removes a value
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}

// Exists checks if a live key exists
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.store[key]
	if !exists {
		return false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return false, nil
	}
	return true, nil
}

// Expire resets the TTL on an existing key.
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.store[key]
	if !exists {
		return nil
	}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	} else {
		entry.expiresAt = time.Time{}
	}
	m.store[key] = entry
	return nil
}

// Keys returns live keys matching a glob pattern ("*" wildcards).
func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var out []string
	for key, entry := range m.store {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}
