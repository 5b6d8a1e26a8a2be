// Package reconciler drains the status queue and applies delivery
// outcomes back to the message store. Only one reconciler runs a drain
// at a time, guarded by a cache lease, so concurrent instances never
// double-apply. Outcomes themselves are idempotent: replaying an event
// the store already holds changes nothing, which makes the
// at-least-once queue safe to drain after crashes.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mailflowd/mailflow/internal/bounce"
	"github.com/mailflowd/mailflow/internal/broker"
	"github.com/mailflowd/mailflow/internal/cache"
	"github.com/mailflowd/mailflow/internal/logging"
	"github.com/mailflowd/mailflow/internal/message"
	"github.com/mailflowd/mailflow/internal/metrics"
	"github.com/mailflowd/mailflow/internal/store"
)

const leaseKey = "mailflow:reconciler:lease"

// Config tunes the reconcile loop.
type Config struct {
	// Interval between reconcile rounds.
	Interval time.Duration `toml:"interval"`
	// Lease is how long the single-flight lock is held at most. It
	// must exceed the expected drain time; a crashed holder blocks
	// other instances until it expires.
	Lease time.Duration `toml:"lease"`
	// BatchMax caps events applied per round.
	BatchMax int `toml:"batch_max"`
}

// DefaultConfig reconciles every 30 seconds with a 5 minute lease.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Lease:    5 * time.Minute,
		BatchMax: 1000,
	}
}

// Reconciler applies agent status events to the store.
type Reconciler struct {
	store     store.Store
	broker    broker.Broker
	cache     cache.Cache
	bounces   *bounce.History
	stats     metrics.StatsRecorder
	lifecycle *logging.Lifecycle
	config    Config
	logger    *slog.Logger

	// instance distinguishes this reconciler in the lease value, for
	// debugging stuck leases.
	instance string
}

// New assembles a reconciler. cache may be nil for single-instance
// deployments; bounces may be nil to skip bounce bookkeeping; stats
// may be nil to skip the shared statistics store.
func New(st store.Store, b broker.Broker, c cache.Cache, bounces *bounce.History, stats metrics.StatsRecorder, config Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Lease <= 0 {
		config.Lease = DefaultConfig().Lease
	}
	if config.BatchMax <= 0 {
		config.BatchMax = DefaultConfig().BatchMax
	}
	return &Reconciler{
		store:     st,
		broker:    b,
		cache:     c,
		bounces:   bounces,
		stats:     stats,
		lifecycle: logging.NewLifecycle(logger),
		config:    config,
		logger:    logger.With("component", "reconciler"),
		instance:  uuid.NewString(),
	}
}

// Run reconciles on the configured interval until the context is
// canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Reconciler started", "interval", r.config.Interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconcile round failed", "error", err)
			}
		}
	}
}

// Reconcile runs one round: take the lease, drain the status queue,
// release. It reports how many events were applied. A round that loses
// the lease race applies nothing and is not an error.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	release, ok, err := r.acquireLease(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		r.logger.Debug("Another reconciler holds the lease, skipping round")
		return 0, nil
	}
	defer release()

	// With nothing awaiting status there is nothing on the queue
	// worth waiting for.
	unsynced, err := r.store.HasUnsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to check for unsynced messages: %w", err)
	}
	if !unsynced {
		return 0, nil
	}

	start := time.Now()
	applied, err := r.drain(ctx)
	metrics.Get().ReconcileDuration.Observe(time.Since(start).Seconds())
	return applied, err
}

func (r *Reconciler) acquireLease(ctx context.Context) (release func(), ok bool, err error) {
	if r.cache == nil {
		return func() {}, true, nil
	}
	ok, err = r.cache.SetNX(ctx, leaseKey, r.instance, r.config.Lease)
	if err != nil {
		// A broken cache must not stop reconciliation; outcomes are
		// idempotent even when two instances race.
		r.logger.Warn("Lease cache unavailable, proceeding without lock", "error", err)
		return func() {}, true, nil
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := r.cache.Delete(context.WithoutCancel(ctx), leaseKey); err != nil {
			r.logger.Warn("Failed to release reconciler lease", "error", err)
		}
	}, true, nil
}

func (r *Reconciler) drain(ctx context.Context) (int, error) {
	applied := 0
	for applied < r.config.BatchMax {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}

		delivery, err := r.broker.Receive(ctx, broker.StatusQueue, "reconciler")
		if err != nil {
			return applied, fmt.Errorf("failed to receive status event: %w", err)
		}
		if delivery == nil {
			break
		}

		ev, err := broker.DecodeStatus(delivery)
		if err != nil {
			metrics.Get().StatusEventsDropped.Inc()
			r.logger.Error("Dropping undecodable status event", "error", err)
			if ackErr := delivery.Ack(ctx); ackErr != nil {
				r.logger.Error("Failed to ack poison event", "error", ackErr)
			}
			continue
		}

		if err := r.apply(ctx, ev); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// No message will ever match; keeping the event only
				// clogs the queue.
				metrics.Get().StatusEventsDropped.Inc()
				r.logger.Warn("Status event for unknown message dropped",
					"message_id", ev.MessageID, "queue_id", ev.QueueID)
				if ackErr := delivery.Ack(ctx); ackErr != nil {
					r.logger.Error("Failed to ack orphan event", "error", ackErr)
				}
				continue
			}
			// Store trouble: put the event back and retry next round.
			if nackErr := delivery.Nack(ctx); nackErr != nil {
				r.logger.Error("Failed to nack status event", "error", nackErr)
			}
			return applied, fmt.Errorf("failed to apply status event for %s: %w", ev.MessageID, err)
		}

		if err := delivery.Ack(ctx); err != nil {
			r.logger.Error("Failed to ack status event", "message_id", ev.MessageID, "error", err)
		}
		metrics.Get().StatusEventsApplied.Inc()
		applied++
	}

	if applied > 0 {
		r.logger.Info("Reconcile round complete", "applied", applied)
	}
	return applied, nil
}

// apply writes one status event to the store. The write happens before
// the ack, so a crash in between replays the event and the idempotent
// outcome handling absorbs the duplicate.
func (r *Reconciler) apply(ctx context.Context, ev broker.StatusEvent) error {
	id := ev.MessageID
	if id == "" {
		m, err := r.store.FindByQueueID(ctx, ev.QueueID)
		if err != nil {
			return err
		}
		id = m.ID
	}

	if ev.Outcome == broker.OutcomeQueued {
		if err := r.store.SetAgentRef(ctx, id, ev.Agent, ev.QueueID); err != nil {
			return err
		}
		if _, err := r.store.Transition(ctx, id, message.EventAgentQueued, ev.Detail); err != nil {
			// A replayed handoff meets a message already past Queued.
			var invalid *message.InvalidTransitionError
			if errors.As(err, &invalid) {
				r.logger.Debug("Ignoring stale handoff event", "id", id, "status", invalid.Status)
				return nil
			}
			return err
		}
		return nil
	}

	status, ok := recipientStatusFor(ev.Outcome)
	if !ok {
		r.logger.Warn("Ignoring status event with unknown outcome", "id", id, "outcome", ev.Outcome)
		return nil
	}

	before, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	for _, rcpt := range ev.Recipients {
		out := store.RecipientOutcome{
			Email:    rcpt.Email,
			Status:   status,
			Retries:  ev.Retries,
			ActionAt: ts,
			Response: rcpt.Response,
			Detail:   ev.Detail,
		}
		changed, err := r.store.ApplyRecipientOutcome(ctx, id, out)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		metrics.Get().RecipientOutcomes.WithLabelValues(string(ev.Outcome)).Inc()
		if status == message.RecipientBounced {
			if r.bounces != nil {
				if err := r.bounces.Record(ctx, rcpt.Email); err != nil {
					r.logger.Warn("Failed to record bounce", "recipient", rcpt.Email, "error", err)
				}
			}
			if r.stats != nil {
				detail := rcpt.Response
				if detail == "" {
					detail = ev.Detail
				}
				if err := r.stats.AddRecentError(ctx, id, rcpt.Email, detail); err != nil {
					r.logger.Warn("Failed to record delivery error", "recipient", rcpt.Email, "error", err)
				}
			}
		}
	}

	after, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if after.Status != before.Status {
		r.recordOutcome(ctx, after)
	}
	return nil
}

// recordOutcome bumps the outcome counters once per aggregate status
// change, and emits the lifecycle record when the message reaches a
// terminal status.
func (r *Reconciler) recordOutcome(ctx context.Context, m *message.Message) {
	var name string
	switch m.Status {
	case message.StatusSent:
		metrics.Get().MessagesSent.Inc()
		name = "sent"
	case message.StatusPartiallySent:
		metrics.Get().MessagesPartial.Inc()
		name = "partially_sent"
	case message.StatusBounced:
		metrics.Get().MessagesBounced.Inc()
		name = "bounced"
	case message.StatusDeferred:
		metrics.Get().MessagesDeferred.Inc()
		name = "deferred"
	default:
		return
	}
	if r.stats != nil {
		if err := r.stats.Incr(ctx, name); err != nil {
			r.logger.Warn("Failed to bump stats counter", "counter", name, "error", err)
		}
	}
	if m.Status != message.StatusDeferred {
		r.lifecycle.Finalized(m)
	}
}

func recipientStatusFor(o broker.Outcome) (message.RecipientStatus, bool) {
	switch o {
	case broker.OutcomeSent:
		return message.RecipientSent, true
	case broker.OutcomeDeferred:
		return message.RecipientDeferred, true
	case broker.OutcomeBounced:
		return message.RecipientBounced, true
	}
	return "", false
}
