package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements Cache on a memcached server. Memcached cannot
// increment a missing key and caps expirations at 30 days; both quirks
// are handled here so callers see uniform semantics.
type Memcached struct {
	config    Config
	client    *memcache.Client
	connected bool
}

// NewMemcached creates a memcached cache. Connect must be called
// before use.
func NewMemcached(config Config) *Memcached {
	if config.Port == 0 {
		config.Port = 11211
	}
	return &Memcached{config: config}
}

func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", m.config.Host, m.config.Port))
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to memcached: %w", err)
	}

	m.connected = true
	return nil
}

func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

func (m *Memcached) IsConnected() bool { return m.connected }

func (m *Memcached) Type() string { return "memcached" }

func (m *Memcached) Get(_ context.Context, key string) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}
	it, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(it.Value), nil
}

func (m *Memcached) Set(_ context.Context, key, value string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}
	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: seconds(expiration),
	})
}

func (m *Memcached) SetNX(_ context.Context, key, value string, expiration time.Duration) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}
	err := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: seconds(expiration),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}
	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (m *Memcached) Increment(_ context.Context, key string, amount int64) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	if amount < 0 {
		n, err := m.client.Decrement(key, uint64(-amount))
		return int64(n), err
	}

	n, err := m.client.Increment(key, uint64(amount))
	if errors.Is(err, memcache.ErrCacheMiss) {
		// Seed the counter on first use.
		addErr := m.client.Add(&memcache.Item{
			Key:   key,
			Value: []byte(strconv.FormatInt(amount, 10)),
		})
		if addErr == nil {
			return amount, nil
		}
		if errors.Is(addErr, memcache.ErrNotStored) {
			// Lost the race; the key exists now.
			n, err = m.client.Increment(key, uint64(amount))
			return int64(n), err
		}
		return 0, addErr
	}
	return int64(n), err
}

func (m *Memcached) Expire(_ context.Context, key string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}
	err := m.client.Touch(key, seconds(expiration))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrNotFound
	}
	return err
}

func seconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	s := int32(d / time.Second)
	if s == 0 {
		s = 1
	}
	return s
}
