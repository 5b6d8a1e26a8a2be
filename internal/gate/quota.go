package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailflowd/mailflow/internal/cache"
)

// QuotaConfig bounds how much a single domain may send inside one
// rolling window.
type QuotaConfig struct {
	Enabled           bool          `toml:"enabled"`
	Window            time.Duration `toml:"window"`
	MessagesPerWindow int64         `toml:"messages_per_window"`
	BytesPerWindow    int64         `toml:"bytes_per_window"`
}

// DefaultQuotaConfig allows 1000 messages / 100 MiB per domain per
// hour.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		Enabled:           true,
		Window:            time.Hour,
		MessagesPerWindow: 1000,
		BytesPerWindow:    100 << 20,
	}
}

// Quota tracks per-domain send volume in windowed cache counters. The
// window is tumbling: counters are keyed by the window start, so a new
// window begins with fresh counters and old ones expire on their own.
//
// Cache failures fail open. Losing a quota check is preferable to
// refusing all mail while the cache is down.
type Quota struct {
	cache  cache.Cache
	config QuotaConfig
	logger *slog.Logger

	now func() time.Time
}

func NewQuota(c cache.Cache, config QuotaConfig, logger *slog.Logger) *Quota {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	return &Quota{
		cache:  c,
		config: config,
		logger: logger.With("component", "quota"),
		now:    time.Now,
	}
}

func (q *Quota) key(domain, kind string) string {
	windowStart := q.now().Truncate(q.config.Window).Unix()
	return fmt.Sprintf("mailflow:quota:%s:%s:%d", domain, kind, windowStart)
}

// Allow charges one message of the given size against the domain's
// window and reports whether it still fits. The charge is taken before
// the check, so a rejected message still counts toward the window.
func (q *Quota) Allow(ctx context.Context, domain string, size int64) error {
	if !q.config.Enabled || q.cache == nil {
		return nil
	}

	messages, err := q.increment(ctx, domain, "messages", 1)
	if err != nil {
		q.logger.Warn("Quota counter unavailable, allowing message", "domain", domain, "error", err)
		return nil
	}
	if q.config.MessagesPerWindow > 0 && messages > q.config.MessagesPerWindow {
		return fmt.Errorf("%w: %d messages in window (limit %d)",
			ErrQuotaExceeded, messages, q.config.MessagesPerWindow)
	}

	bytes, err := q.increment(ctx, domain, "bytes", size)
	if err != nil {
		q.logger.Warn("Quota counter unavailable, allowing message", "domain", domain, "error", err)
		return nil
	}
	if q.config.BytesPerWindow > 0 && bytes > q.config.BytesPerWindow {
		return fmt.Errorf("%w: %d bytes in window (limit %d)",
			ErrQuotaExceeded, bytes, q.config.BytesPerWindow)
	}

	return nil
}

func (q *Quota) increment(ctx context.Context, domain, kind string, amount int64) (int64, error) {
	key := q.key(domain, kind)
	total, err := q.cache.Increment(ctx, key, amount)
	if err != nil {
		return 0, err
	}
	// Expiry covers the remainder of the window plus slack for clock
	// skew between nodes. Re-setting it on every hit is harmless.
	if err := q.cache.Expire(ctx, key, q.config.Window*2); err != nil {
		q.logger.Debug("Failed to set quota counter expiry", "key", key, "error", err)
	}
	return total, nil
}
