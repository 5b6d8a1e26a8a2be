// Package publisher moves accepted messages from the store onto the
// broker queue. It runs as a periodic sweep over messages due for
// publishing, plus an immediate push path for urgent messages and
// operator actions. Publishing is at-least-once: the transition to
// Queued is only recorded after the broker acknowledged the entry, so
// a crash in between re-publishes on the next sweep and the agents
// deduplicate on the message id.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mailflowd/mailflow/internal/broker"
	"github.com/mailflowd/mailflow/internal/message"
	"github.com/mailflowd/mailflow/internal/metrics"
	"github.com/mailflowd/mailflow/internal/store"
)

// ErrNotPushable is returned when a push is requested for a message
// whose status does not allow publishing.
var ErrNotPushable = errors.New("message is not in a pushable state")

// Config tunes the publish sweep.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration `toml:"interval"`
	// BatchSize caps how many messages one sweep picks up.
	BatchSize int `toml:"batch_size"`
	// ChunkSize caps recipients per queue entry. Large recipient
	// lists fan out into several entries so no single delivery
	// attempt grows unbounded.
	ChunkSize int `toml:"chunk_size"`
	// BreakerTimeout is how long the circuit stays open after the
	// broker starts failing.
	BreakerTimeout time.Duration `toml:"breaker_timeout"`
}

// DefaultConfig sweeps every 30 seconds, 100 messages a batch, 50
// recipients an entry.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		BatchSize:      100,
		ChunkSize:      50,
		BreakerTimeout: time.Minute,
	}
}

// Publisher sweeps due messages out of the store and onto the broker.
type Publisher struct {
	store   store.Store
	broker  broker.Broker
	router  *Router
	breaker *gobreaker.CircuitBreaker
	config  Config
	logger  *slog.Logger
}

func New(st store.Store, b broker.Broker, router *Router, config Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "publisher")
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultConfig().ChunkSize
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = DefaultConfig().BreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker-publish",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Publish circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Publisher{
		store:   st,
		broker:  b,
		router:  router,
		breaker: cb,
		config:  config,
		logger:  logger,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Info("Publisher started", "interval", p.config.Interval, "batch_size", p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Publisher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil {
				p.logger.Error("Publish sweep failed", "error", err)
			}
		}
	}
}

// Sweep publishes every message currently due and reports how many
// went out. Individual failures are recorded on the message and do not
// abort the sweep.
func (p *Publisher) Sweep(ctx context.Context) (int, error) {
	batch, err := p.store.DuePublishBatch(ctx, p.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load publish batch: %w", err)
	}

	published := 0
	for _, m := range batch {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if err := p.Push(ctx, m); err != nil {
			p.logger.Warn("Publish failed", "id", m.ID, "error", err)
			continue
		}
		published++
	}
	if published > 0 {
		p.logger.Info("Publish sweep complete", "published", published, "batch", len(batch))
	}
	return published, nil
}

// PushByID publishes a single message right away, bypassing the sweep.
// Serves the urgent-priority fast path and the operator push actions.
func (p *Publisher) PushByID(ctx context.Context, id string) error {
	m, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !message.CanFire(m.Status, message.EventPublishStarted) {
		return fmt.Errorf("%w: %s is %s", ErrNotPushable, id, m.Status)
	}
	return p.Push(ctx, m)
}

// ForcePush re-publishes a message that already reached the queue,
// for operator intervention when a handoff seems lost. A deferred
// message returns to Queued; an already queued one only gains a fresh
// broker entry. The agents' replay handling absorbs the duplicate.
func (p *Publisher) ForcePush(ctx context.Context, id string) error {
	m, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch m.Status {
	case message.StatusQueued, message.StatusDeferred:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotPushable, id, m.Status)
	}

	if err := p.publishEntries(ctx, m); err != nil {
		return err
	}
	if m.Status == message.StatusDeferred {
		if _, err := p.store.Transition(ctx, id, message.EventRequeued, "force pushed"); err != nil {
			return err
		}
	}
	p.logger.Info("Message force pushed", "id", id, "status", m.Status)
	return nil
}

// Push moves one message through Queuing onto the broker and marks it
// Queued. On a broker failure the message is returned to Failed with
// its retry backoff advanced.
func (p *Publisher) Push(ctx context.Context, m *message.Message) error {
	start := time.Now()
	metrics.Get().PublishAttempts.Inc()

	if _, err := p.store.Transition(ctx, m.ID, message.EventPublishStarted, ""); err != nil {
		return err
	}

	if err := p.publishEntries(ctx, m); err != nil {
		metrics.Get().PublishFailures.Inc()
		if _, terr := p.store.Transition(ctx, m.ID, message.EventPublishFailed, err.Error()); terr != nil {
			p.logger.Error("Failed to record publish failure", "id", m.ID, "error", terr)
		}
		return err
	}

	if _, err := p.store.Transition(ctx, m.ID, message.EventPublishAcked, ""); err != nil {
		return err
	}
	metrics.Get().PublishDuration.Observe(time.Since(start).Seconds())
	p.logger.Debug("Message published", "id", m.ID, "priority", m.Priority)
	return nil
}

func (p *Publisher) publishEntries(ctx context.Context, m *message.Message) error {
	recipients := m.DeliverableRecipients()
	if len(recipients) == 0 {
		return errors.New("no deliverable recipients")
	}

	group := ""
	if p.router != nil {
		group = p.router.Pick(m)
	}

	now := time.Now().UTC()
	for start := 0; start < len(recipients); start += p.config.ChunkSize {
		end := start + p.config.ChunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		entry := broker.Entry{
			MessageID:   m.ID,
			Sender:      m.Sender,
			Recipients:  recipients[start:end],
			Raw:         m.Raw,
			Priority:    int(m.Priority),
			AgentGroup:  group,
			PublishedAt: now,
		}
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, broker.PublishEntry(ctx, p.broker, entry)
		})
		if err != nil {
			return fmt.Errorf("failed to publish entry for %s: %w", m.ID, err)
		}
	}
	return nil
}
