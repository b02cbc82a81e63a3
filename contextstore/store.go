// Package contextstore maintains per-session conversation state. A
// process-local map acts as the authoritative read-through cache; an
// optional durable backing (core.Memory, typically Redis) persists the
// serialized session with TTL. When the backing is unavailable the store
// degrades to local-only and logs a warning; it never fails a call for
// backing unavailability.
package contextstore

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/quorra-ai/quorra/core"
)

const (
	// DefaultTTL is applied to every persisted session and refreshed on write.
	DefaultTTL = 30 * time.Minute

	// DefaultMaxHistory bounds the conversation history per session.
	DefaultMaxHistory = 50
)

// Store is the session context store. Writes are serialized per process;
// cross-process consistency is best-effort and bounded by TTL.
type Store struct {
	mu      sync.RWMutex
	cache   map[string]*core.Session
	backing core.Memory // optional

	ttl        time.Duration
	maxHistory int
	logger     core.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBacking attaches a durable backing store.
func WithBacking(backing core.Memory) Option {
	return func(s *Store) { s.backing = backing }
}

// WithTTL overrides the session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxHistory overrides the conversation history bound.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a context store.
func New(opts ...Option) *Store {
	s := &Store{
		cache:      make(map[string]*core.Session),
		ttl:        DefaultTTL,
		maxHistory: DefaultMaxHistory,
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxHistory returns the configured conversation bound.
func (s *Store) MaxHistory() int {
	return s.maxHistory
}

// Get returns a snapshot of the session, or nil when unknown. The local
// cache is authoritative; the backing is only consulted on a cache miss.
// Snapshots stay stable while the cached session keeps mutating; changes
// flow back only through Save or UpdateConversation.
func (s *Store) Get(ctx context.Context, sessionID string) *core.Session {
	return s.snapshot(s.live(ctx, sessionID))
}

// snapshot deep-copies a cached session under the store lock, so the
// copy cannot race with a concurrent Append.
func (s *Store) snapshot(session *core.Session) *core.Session {
	if session == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return session.Clone()
}

// live returns the cached session pointer. Callers other than the
// store's own mutators must not retain or read it without the lock.
func (s *Store) live(ctx context.Context, sessionID string) *core.Session {
	s.mu.RLock()
	session, ok := s.cache[sessionID]
	s.mu.RUnlock()
	if ok {
		return session
	}

	if s.backing == nil {
		return nil
	}
	raw, err := s.backing.Get(ctx, sessionID)
	if err != nil {
		s.warnBacking("load", sessionID, err)
		return nil
	}
	if raw == "" {
		return nil
	}

	var loaded core.Session
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		s.logger.Warn("Discarding corrupt persisted session", map[string]interface{}{
			"operation":  "context_load",
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return nil
	}

	s.mu.Lock()
	// Another goroutine may have populated the cache meanwhile; the cache wins.
	if cached, ok := s.cache[sessionID]; ok {
		s.mu.Unlock()
		return cached
	}
	s.cache[sessionID] = &loaded
	s.mu.Unlock()
	return &loaded
}

// GetOrCreate returns a snapshot of the session, creating it lazily on
// first reference.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, userID string) *core.Session {
	return s.snapshot(s.getOrCreateLive(ctx, sessionID, userID))
}

func (s *Store) getOrCreateLive(ctx context.Context, sessionID, userID string) *core.Session {
	if session := s.live(ctx, sessionID); session != nil {
		return session
	}

	s.mu.Lock()
	if session, ok := s.cache[sessionID]; ok {
		s.mu.Unlock()
		return session
	}
	session := core.NewSession(sessionID, userID)
	s.cache[sessionID] = session
	s.mu.Unlock()

	s.logger.Debug("Session created", map[string]interface{}{
		"operation":  "context_create",
		"session_id": sessionID,
		"user_id":    userID,
	})
	s.persist(ctx, session)
	return session
}

// Save persists the session and refreshes its TTL. The store keeps its
// own copy, so later caller mutations do not leak into the cache.
func (s *Store) Save(ctx context.Context, session *core.Session) {
	if session == nil {
		return
	}
	stored := session.Clone()
	s.mu.Lock()
	stored.UpdatedAt = time.Now()
	s.cache[stored.SessionID] = stored
	s.mu.Unlock()
	s.persist(ctx, stored)
}

// UpdateConversation appends a timestamped message to the session history,
// dropping the oldest entry beyond the bound, and refreshes the TTL.
func (s *Store) UpdateConversation(ctx context.Context, sessionID, role, content string) {
	session := s.getOrCreateLive(ctx, sessionID, "")

	s.mu.Lock()
	session.Append(role, content, s.maxHistory)
	s.mu.Unlock()

	s.persist(ctx, session)
}

// Delete removes the session locally and from the backing.
func (s *Store) Delete(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.cache, sessionID)
	s.mu.Unlock()

	if s.backing == nil {
		return
	}
	if err := s.backing.Delete(ctx, sessionID); err != nil {
		s.warnBacking("delete", sessionID, err)
	}
}

// ExtendTTL pushes out the persisted session's expiry.
func (s *Store) ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) {
	if s.backing == nil {
		return
	}
	if err := s.backing.Expire(ctx, sessionID, ttl); err != nil {
		s.warnBacking("extend_ttl", sessionID, err)
	}
}

// ListSessions returns session ids matching a glob pattern, merging local
// and persisted sessions.
func (s *Store) ListSessions(ctx context.Context, pattern string) []string {
	seen := make(map[string]bool)

	s.mu.RLock()
	for id := range s.cache {
		if ok, _ := path.Match(pattern, id); ok {
			seen[id] = true
		}
	}
	s.mu.RUnlock()

	if s.backing != nil {
		keys, err := s.backing.Keys(ctx, pattern)
		if err != nil {
			s.warnBacking("list", pattern, err)
		}
		for _, id := range keys {
			seen[id] = true
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func (s *Store) persist(ctx context.Context, session *core.Session) {
	if s.backing == nil {
		return
	}
	s.mu.RLock()
	raw, err := json.Marshal(session)
	s.mu.RUnlock()
	if err != nil {
		s.logger.Warn("Failed to serialize session", map[string]interface{}{
			"operation":  "context_persist",
			"session_id": session.SessionID,
			"error":      err.Error(),
		})
		return
	}
	if err := s.backing.Set(ctx, session.SessionID, string(raw), s.ttl); err != nil {
		s.warnBacking("persist", session.SessionID, err)
	}
}

// warnBacking logs a backing failure; the store keeps serving from the
// local cache.
func (s *Store) warnBacking(op, key string, err error) {
	s.logger.Warn("Context backing unavailable, degrading to local-only", map[string]interface{}{
		"operation":  "context_" + op,
		"key":        key,
		"error":      err.Error(),
	})
}
