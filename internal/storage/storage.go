// Package storage defines the key/value and list primitives run state and raw
// probe samples are persisted through. Two backends implement the interface: a
// durable Redis store shared across restarts and an in-process memory store
// used standalone or as the degraded-mode fallback.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested key or list is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnavailable indicates the backend could not be reached. Decorators
	// and the failover store treat it as transient.
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// Backend is the storage contract shared by all implementations. All methods
// must be safe for concurrent use; the controller, phase driver, and watchdog
// read and write the same keys from separate goroutines.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A positive ttl bounds the record's
	// lifetime; zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Append adds value to the tail of the named list, creating it when
	// absent.
	Append(ctx context.Context, listKey string, value []byte) error
	// List returns up to limit values from the head of the named list. A
	// non-positive limit returns the whole list. Missing lists yield an
	// empty result, not an error.
	List(ctx context.Context, listKey string, limit int) ([][]byte, error)
	// Delete removes a key or list. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Name identifies the backend kind ("memory", "redis", ...).
	Name() string
	Close() error
}

// IsUnavailable reports whether err stems from an unreachable backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
