// Package store provides the shared key-value abstraction the coordination
// core runs on. Keys are ordered tuples of strings, writes carry an optional
// per-key TTL, and prefix listing returns entries in key order. Two backends
// implement the interface: an in-process memory store (tests, single-instance
// deployments) and Redis (cross-instance deployments).
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Forever disables expiry for a write.
const Forever time.Duration = 0

// ErrNotFound is returned by Get when no live entry exists under the key.
var ErrNotFound = errors.New("store: key not found")

// Key is an ordered tuple of path components, e.g. {"messages", "synth-a", ulid}.
type Key []string

// NewKey builds a key from its components.
func NewKey(parts ...string) Key {
	return Key(parts)
}

// String renders the key in its wire form, components joined by "/".
func (k Key) String() string {
	return strings.Join(k, "/")
}

// HasPrefix reports whether k starts with every component of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ParseKey splits a wire-form key back into its components.
func ParseKey(s string) Key {
	if s == "" {
		return nil
	}
	return Key(strings.Split(s, "/"))
}

// Item is a single key-value pair returned from List.
type Item struct {
	Key   Key
	Value []byte
}

// Store is the shared KV interface. All writes are single-key; there are no
// multi-key transactions. Overwriting a key resets its TTL. Implementations
// must return items from List sorted by wire-form key, which for ULID-keyed
// message queues yields creation order.
type Store interface {
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Put writes value under key. A non-zero ttl expires the entry after
	// that duration; Forever keeps it until deleted.
	Put(ctx context.Context, key Key, value []byte, ttl time.Duration) error

	// Delete removes the entry under key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key Key) error

	// List returns all live entries whose key starts with prefix, sorted by
	// key.
	List(ctx context.Context, prefix Key) ([]Item, error)

	// Close releases backend resources.
	Close() error
}
