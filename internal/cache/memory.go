package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process cache for tests and single-node setups.
type Memory struct {
	mu        sync.Mutex
	items     map[string]memoryItem
	connected bool
	stopCh    chan struct{}
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// NewMemory creates an in-process cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem)}
}

func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	m.connected = true
	m.stopCh = make(chan struct{})

	// Janitor for expired entries.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.deleteExpired()
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	m.connected = false
	close(m.stopCh)
	return nil
}

func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) Type() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now()) {
		delete(m.items, key)
		return "", ErrNotFound
	}
	return it.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.items[key] = newItem(value, expiration)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}

	if it, ok := m.items[key]; ok && !it.expired(time.Now()) {
		return false, nil
	}
	m.items[key] = newItem(value, expiration)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, ErrNotConnected
	}

	var current int64
	expiresAt := time.Time{}
	if it, ok := m.items[key]; ok && !it.expired(time.Now()) {
		n, err := strconv.ParseInt(it.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
		expiresAt = it.expiresAt
	}

	current += amount
	m.items[key] = memoryItem{value: strconv.FormatInt(current, 10), expiresAt: expiresAt}
	return current, nil
}

func (m *Memory) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now()) {
		return ErrNotFound
	}
	it.expiresAt = time.Now().Add(expiration)
	m.items[key] = it
	return nil
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
		}
	}
}

func newItem(value string, expiration time.Duration) memoryItem {
	it := memoryItem{value: value}
	if expiration > 0 {
		it.expiresAt = time.Now().Add(expiration)
	}
	return it
}
