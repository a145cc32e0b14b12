// Package memory provides the in-process storage backend. It keeps run state
// and sample lists in maps guarded by a single RWMutex and enforces TTLs
// lazily: expired entries are dropped when read, not by a background sweeper.
package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/tripd/internal/clock"
	"pkt.systems/tripd/internal/storage"
)

// Config tunes the in-memory store.
type Config struct {
	// Clock defaults to the real clock; tests inject a manual one to drive
	// TTL expiry.
	Clock clock.Clock
}

// Store implements storage.Backend in process memory.
type Store struct {
	mu    sync.RWMutex
	items map[string]entry
	lists map[string][][]byte
	clock clock.Clock
}

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// New returns a ready to use in-memory store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		items: make(map[string]entry),
		lists: make(map[string][][]byte),
		clock: clk,
	}
}

// Get returns the value stored under key, dropping it first if its TTL lapsed.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	now := s.clock.Now()
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !item.expires.IsZero() && now.After(item.expires) {
		s.mu.Lock()
		if current, still := s.items[key]; still && !current.expires.IsZero() && now.After(current.expires) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

// Set stores value under key with an optional TTL.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

// Append adds value to the tail of the named list.
func (s *Store) Append(_ context.Context, listKey string, value []byte) error {
	s.mu.Lock()
	s.lists[listKey] = append(s.lists[listKey], append([]byte(nil), value...))
	s.mu.Unlock()
	return nil
}

// List returns up to limit values from the head of the named list.
func (s *Store) List(_ context.Context, listKey string, limit int) ([][]byte, error) {
	s.mu.RLock()
	values := s.lists[listKey]
	if limit > 0 && limit < len(values) {
		values = values[:limit]
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = append([]byte(nil), v...)
	}
	s.mu.RUnlock()
	return out, nil
}

// Delete removes a key or list.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	delete(s.lists, key)
	s.mu.Unlock()
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Name identifies the backend kind.
func (s *Store) Name() string {
	return "memory"
}

// Close satisfies storage.Backend; the in-memory store holds no resources.
func (s *Store) Close() error {
	return nil
}
