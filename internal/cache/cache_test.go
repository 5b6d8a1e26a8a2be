package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newConnectedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()

	t.Run("SetGet", func(t *testing.T) {
		m := newConnectedMemory(t)
		if err := m.Set(ctx, "k", "v", 0); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		got, err := m.Get(ctx, "k")
		if err != nil || got != "v" {
			t.Errorf("get: (%q, %v)", got, err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		m := newConnectedMemory(t)
		if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Expiration", func(t *testing.T) {
		m := newConnectedMemory(t)
		if err := m.Set(ctx, "ttl", "v", 10*time.Millisecond); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if _, err := m.Get(ctx, "ttl"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected expiry, got %v", err)
		}
	})

	t.Run("SetNX", func(t *testing.T) {
		m := newConnectedMemory(t)
		ok, err := m.SetNX(ctx, "lease", "holder-1", 0)
		if err != nil || !ok {
			t.Fatalf("first setnx: (%v, %v)", ok, err)
		}
		ok, err = m.SetNX(ctx, "lease", "holder-2", 0)
		if err != nil || ok {
			t.Fatalf("second setnx must fail: (%v, %v)", ok, err)
		}
		got, _ := m.Get(ctx, "lease")
		if got != "holder-1" {
			t.Errorf("lease overwritten: %q", got)
		}
	})

	t.Run("Increment", func(t *testing.T) {
		m := newConnectedMemory(t)
		n, err := m.Increment(ctx, "counter", 1)
		if err != nil || n != 1 {
			t.Fatalf("first incr: (%d, %v)", n, err)
		}
		n, err = m.Increment(ctx, "counter", 2)
		if err != nil || n != 3 {
			t.Fatalf("second incr: (%d, %v)", n, err)
		}
	})

	t.Run("NotConnected", func(t *testing.T) {
		m := NewMemory()
		if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestFactory(t *testing.T) {
	cases := []struct {
		cfgType  string
		wantType string
		wantErr  bool
	}{
		{"", "memory", false},
		{"memory", "memory", false},
		{"redis", "redis", false},
		{"memcached", "memcached", false},
		{"etcd", "", true},
	}

	for _, tc := range cases {
		c, err := Factory(Config{Type: tc.cfgType})
		if tc.wantErr {
			if err == nil {
				t.Errorf("Factory(%q): expected error", tc.cfgType)
			}
			continue
		}
		if err != nil {
			t.Errorf("Factory(%q): %v", tc.cfgType, err)
			continue
		}
		if c.Type() != tc.wantType {
			t.Errorf("Factory(%q): got type %q", tc.cfgType, c.Type())
		}
	}
}
