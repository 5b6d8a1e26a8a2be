// Package bounce tracks per-recipient bounce history and blocks
// addresses that keep bouncing, protecting sender reputation.
package bounce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailflowd/mailflow/internal/cache"
)

// blockDurations escalates with the bounce count: 1 day, 7 days,
// 30 days, then effectively forever.
var blockDurations = []time.Duration{
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
	36500 * 24 * time.Hour,
}

// Entry is the recorded bounce history for one address.
type Entry struct {
	Email        string    `json:"email"`
	BounceCount  int       `json:"bounce_count"`
	LastBounceAt time.Time `json:"last_bounce_at"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// History records bounces and answers blocklist lookups. Entries live
// in the shared cache layer under a stable key per address.
type History struct {
	cache  cache.Cache
	logger *slog.Logger
}

// NewHistory creates a bounce history over the given cache.
func NewHistory(c cache.Cache, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		cache:  c,
		logger: logger.With("component", "bounce-history"),
	}
}

func key(email string) string {
	return "mailflow:bounce:" + strings.ToLower(email)
}

// Record adds one bounce for the address and escalates its block
// window.
func (h *History) Record(ctx context.Context, email string) error {
	entry, err := h.get(ctx, email)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	if entry == nil {
		entry = &Entry{Email: strings.ToLower(email)}
	}

	entry.BounceCount++
	entry.LastBounceAt = time.Now().UTC()

	idx := entry.BounceCount - 1
	if idx >= len(blockDurations) {
		idx = len(blockDurations) - 1
	}
	entry.BlockedUntil = entry.LastBounceAt.Add(blockDurations[idx])

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal bounce entry: %w", err)
	}
	if err := h.cache.Set(ctx, key(email), string(body), 0); err != nil {
		return fmt.Errorf("failed to store bounce entry: %w", err)
	}

	h.logger.Info("bounce recorded",
		"email", entry.Email,
		"bounce_count", entry.BounceCount,
		"blocked_until", entry.BlockedUntil,
	)
	return nil
}

// IsBlocked reports whether the address is currently on the blocklist.
// Lookup failures degrade to "not blocked": a broken cache must not
// stall the validation gate.
func (h *History) IsBlocked(ctx context.Context, email string) bool {
	entry, err := h.get(ctx, email)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.logger.Warn("bounce lookup failed", "email", email, "error", err)
		}
		return false
	}
	return time.Now().UTC().Before(entry.BlockedUntil)
}

// Get returns the bounce entry for an address, or cache.ErrNotFound.
func (h *History) Get(ctx context.Context, email string) (*Entry, error) {
	return h.get(ctx, email)
}

func (h *History) get(ctx context.Context, email string) (*Entry, error) {
	body, err := h.cache.Get(ctx, key(email))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(body), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bounce entry: %w", err)
	}
	return &entry, nil
}
