// Package cache provides the shared key-value layer used for quota
// counters, reconciler leases and domain-registry lookups.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found in cache")
	// ErrNotConnected is returned when operations run before Connect.
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the interface all backends satisfy. Values are strings;
// counters are stored as decimal strings, matching memcached semantics.
type Cache interface {
	Connect() error
	Close() error
	IsConnected() bool
	Type() string

	// Get retrieves a value, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional expiration (0 = no expiry).
	Set(ctx context.Context, key, value string, expiration time.Duration) error

	// SetNX stores a value only if the key does not exist. Returns
	// true when the value was written. The lease discipline of the
	// reconciler is built on this.
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment adds amount to a counter, creating it at amount if
	// missing, and returns the new value.
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Expire sets an expiration on an existing key.
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Config selects and configures a cache backend.
type Config struct {
	// Type is one of "memory", "redis", "memcached".
	Type     string `toml:"type"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	Database int    `toml:"database"`
}

// Factory creates a cache from configuration.
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
