// Package broker is the queueing boundary between message acceptance
// and delivery. Publishing is at-least-once: a crash between a publish
// and the store-side acknowledgment may duplicate queue entries, so
// consumers must be idempotent per (message id, recipient).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Well-known queue names, mirrored by the transfer agents.
const (
	// OutgoingQueue carries accepted messages toward the agent pool.
	OutgoingQueue = "mailflow::outgoing_mails"
	// StatusQueue carries delivery outcomes back from the agents.
	StatusQueue = "mailflow_agent::outgoing_mails_status"
)

// MaxPriority is the highest priority the queues honor. Priority is a
// best-effort sort hint, not an ordering guarantee.
const MaxPriority = 3

// OutgoingQueueFor returns the outgoing queue serving an agent group.
// Each group drains its own queue; the empty group shares the default
// one.
func OutgoingQueueFor(group string) string {
	if group == "" {
		return OutgoingQueue
	}
	return OutgoingQueue + "::" + group
}

// Entry is one queued delivery attempt: the message payload plus the
// recipient chunk this attempt covers.
type Entry struct {
	MessageID   string    `json:"message_id"`
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients"`
	Raw         []byte    `json:"message"`
	Priority    int       `json:"priority"`
	AgentGroup  string    `json:"agent_group,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Outcome is the delivery result code reported by an agent.
type Outcome string

const (
	// OutcomeQueued means the transfer agent accepted responsibility
	// for the message (its own queue id is attached).
	OutcomeQueued Outcome = "queued"
	// OutcomeSent means the recipient servers accepted the mail.
	OutcomeSent Outcome = "sent"
	// OutcomeDeferred means a transient failure, eligible for retry.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeBounced means a permanent failure.
	OutcomeBounced Outcome = "bounced"
)

// RecipientResult is one recipient covered by a status event, with the
// remote server's response where one exists.
type RecipientResult struct {
	Email    string `json:"email"`
	Response string `json:"response,omitempty"`
}

// StatusEvent is one delivery outcome pushed by an agent onto the
// status queue. A single event may cover several recipients sharing the
// same outcome.
type StatusEvent struct {
	MessageID  string            `json:"message_id"`
	QueueID    string            `json:"queue_id,omitempty"`
	Agent      string            `json:"agent"`
	Outcome    Outcome           `json:"outcome"`
	Recipients []RecipientResult `json:"recipients,omitempty"`
	Retries    int               `json:"retries,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Delivery is one received queue payload awaiting acknowledgment.
// Acking confirms processing; nacking (or doing nothing until the
// visibility timeout lapses) makes the broker redeliver.
type Delivery struct {
	Body []byte

	AckFn  func(ctx context.Context) error
	NackFn func(ctx context.Context) error
}

// Ack confirms the delivery was fully processed.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.AckFn == nil {
		return nil
	}
	return d.AckFn(ctx)
}

// Nack returns the delivery for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.NackFn == nil {
		return nil
	}
	return d.NackFn(ctx)
}

// Broker moves opaque payloads through named priority queues with
// ack/nack semantics and visibility-timeout redelivery.
type Broker interface {
	// Publish appends a payload to the queue. Priority 0..MaxPriority.
	Publish(ctx context.Context, queue string, payload []byte, priority int) error

	// Receive returns the next payload, preferring higher priorities.
	// It returns (nil, nil) when the queue stays empty for the
	// backend's block interval, so callers can re-check their context.
	Receive(ctx context.Context, queue, consumer string) (*Delivery, error)

	// Close releases connections.
	Close() error
}

// PublishEntry marshals and publishes a delivery-attempt entry onto
// its agent group's queue.
func PublishEntry(ctx context.Context, b Broker, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	return b.Publish(ctx, OutgoingQueueFor(e.AgentGroup), body, e.Priority)
}

// PublishStatus marshals and publishes a status event.
func PublishStatus(ctx context.Context, b Broker, ev StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	return b.Publish(ctx, StatusQueue, body, MaxPriority)
}

// DecodeEntry unmarshals a received outgoing-queue payload.
func DecodeEntry(d *Delivery) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(d.Body, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal queue entry: %w", err)
	}
	return e, nil
}

// DecodeStatus unmarshals a received status-queue payload.
func DecodeStatus(d *Delivery) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return StatusEvent{}, fmt.Errorf("failed to unmarshal status event: %w", err)
	}
	return ev, nil
}
