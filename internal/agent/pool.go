// Package agent consumes queued delivery attempts and hands them to a
// local transfer agent. A received entry is acknowledged only after
// the transfer agent accepted responsibility; until then the broker's
// visibility timeout guarantees redelivery, so handoffs are
// at-least-once and the reconciler deduplicates on the message id.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mailflowd/mailflow/internal/broker"
)

// Config tunes the consumer pool.
type Config struct {
	// Name identifies this agent instance in status events and broker
	// consumer registration.
	Name string `toml:"name"`
	// Group is the agent group this instance serves. Each group
	// drains its own queue.
	Group string `toml:"group"`
	// Workers is the number of concurrent consumers.
	Workers int `toml:"workers"`
	// MaxReceiveBackoff caps the retry delay after broker errors.
	MaxReceiveBackoff time.Duration `toml:"max_receive_backoff"`
}

// Pool runs a fixed set of workers draining the outgoing queue.
type Pool struct {
	broker   broker.Broker
	transfer Transfer
	config   Config
	logger   *slog.Logger
}

func NewPool(b broker.Broker, transfer Transfer, config Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Name == "" {
		config.Name = "agent"
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxReceiveBackoff <= 0 {
		config.MaxReceiveBackoff = 30 * time.Second
	}
	return &Pool{
		broker:   b,
		transfer: transfer,
		config:   config,
		logger:   logger.With("component", "agent", "agent", config.Name),
	}
}

// Run blocks until the context is canceled, consuming with the
// configured number of workers.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Agent pool started", "workers", p.config.Workers, "group", p.config.Group)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		consumer := fmt.Sprintf("%s-%d", p.config.Name, i)
		g.Go(func() error {
			return p.consume(ctx, consumer)
		})
	}
	err := g.Wait()
	p.logger.Info("Agent pool stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, consumer string) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = p.config.MaxReceiveBackoff
	// Separate schedule for transient handoff failures, so a relay
	// outage does not turn redelivery into a hot loop.
	handoffRetry := backoff.NewExponentialBackOff()
	handoffRetry.MaxInterval = p.config.MaxReceiveBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delivery, err := p.broker.Receive(ctx, broker.OutgoingQueueFor(p.config.Group), consumer)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sleep := retry.NextBackOff()
			if sleep == backoff.Stop {
				sleep = p.config.MaxReceiveBackoff
			}
			p.logger.Warn("Receive failed, backing off", "consumer", consumer, "delay", sleep, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			continue
		}
		retry.Reset()

		if delivery == nil {
			continue
		}
		if p.handle(ctx, delivery) {
			handoffRetry.Reset()
			continue
		}
		sleep := handoffRetry.NextBackOff()
		if sleep == backoff.Stop {
			sleep = p.config.MaxReceiveBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// handle processes one delivery. It reports whether the entry made
// progress; false means the entry was requeued for a later retry and
// the caller should back off before receiving again.
func (p *Pool) handle(ctx context.Context, delivery *broker.Delivery) bool {
	entry, err := broker.DecodeEntry(delivery)
	if err != nil {
		// A payload that cannot decode will never decode. Drop it
		// instead of poisoning the queue.
		p.logger.Error("Dropping undecodable queue entry", "error", err)
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			p.logger.Error("Failed to ack poison entry", "error", ackErr)
		}
		return true
	}

	res, err := p.transfer.Handoff(ctx, entry)
	if err != nil {
		if IsPermanent(err) {
			// Retrying cannot change a permanent refusal. Report the
			// bounce and settle the entry.
			p.logger.Warn("Handoff permanently refused",
				"message_id", entry.MessageID, "error", err)
			refused := make([]Refusal, 0, len(entry.Recipients))
			for _, rcpt := range entry.Recipients {
				refused = append(refused, Refusal{Email: rcpt, Response: err.Error()})
			}
			return p.resolve(ctx, delivery, entry, Result{Refused: refused})
		}
		p.logger.Warn("Handoff failed, entry stays queued",
			"message_id", entry.MessageID, "error", err)
		p.nack(ctx, delivery, entry.MessageID)
		return false
	}
	return p.resolve(ctx, delivery, entry, res)
}

// resolve publishes the status events for a completed handoff and
// settles the delivery. A failed publish requeues the entry; the
// reconciler absorbs the resulting duplicates.
func (p *Pool) resolve(ctx context.Context, delivery *broker.Delivery, entry broker.Entry, res Result) bool {
	now := time.Now().UTC()

	if len(res.Refused) > 0 {
		recipients := make([]broker.RecipientResult, 0, len(res.Refused))
		for _, r := range res.Refused {
			recipients = append(recipients, broker.RecipientResult{Email: r.Email, Response: r.Response})
		}
		ev := broker.StatusEvent{
			MessageID:  entry.MessageID,
			Agent:      p.config.Name,
			Outcome:    broker.OutcomeBounced,
			Recipients: recipients,
			Timestamp:  now,
		}
		if err := broker.PublishStatus(ctx, p.broker, ev); err != nil {
			p.logger.Error("Failed to publish bounced status",
				"message_id", entry.MessageID, "error", err)
			p.nack(ctx, delivery, entry.MessageID)
			return false
		}
	}

	if res.QueueID != "" {
		ev := broker.StatusEvent{
			MessageID: entry.MessageID,
			QueueID:   res.QueueID,
			Agent:     p.config.Name,
			Outcome:   broker.OutcomeQueued,
			Timestamp: now,
		}
		if err := broker.PublishStatus(ctx, p.broker, ev); err != nil {
			p.logger.Error("Failed to publish queued status",
				"message_id", entry.MessageID, "error", err)
			p.nack(ctx, delivery, entry.MessageID)
			return false
		}
	}

	if err := delivery.Ack(ctx); err != nil {
		p.logger.Error("Failed to ack entry", "message_id", entry.MessageID, "error", err)
	}
	return true
}

func (p *Pool) nack(ctx context.Context, delivery *broker.Delivery, messageID string) {
	if err := delivery.Nack(ctx); err != nil {
		p.logger.Error("Failed to nack entry", "message_id", messageID, "error", err)
	}
}
