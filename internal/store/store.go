// Package store is the durable record of every outbound message's
// lifecycle. It is the single source of truth: all status transitions
// go through it, serialized per message id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mailflowd/mailflow/internal/message"
)

// ErrNotFound is returned when no message exists for the given id.
var ErrNotFound = errors.New("message not found")

// ErrConcurrentUpdate is returned when an optimistic-concurrency check
// fails after exhausting retries.
var ErrConcurrentUpdate = errors.New("concurrent update on message")

// RecipientOutcome is one delivery-status event applied to a single
// recipient of a message.
type RecipientOutcome struct {
	Email    string
	Status   message.RecipientStatus
	Retries  int
	ActionAt time.Time
	Response string
	Detail   string
}

// Filter narrows List queries. Zero values mean "any".
type Filter struct {
	ID         string
	Statuses   []message.Status
	Domain     string
	Sender     string
	Recipient  string
	AgentGroup string
	Priority   *message.Priority
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Store persists outbound messages and serializes concurrent
// transitions on the same message id while unrelated messages proceed
// in parallel.
type Store interface {
	// Create persists a new message. The id must be unused.
	Create(ctx context.Context, m *message.Message) error

	// Get returns the message with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*message.Message, error)

	// List returns messages matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*message.Message, error)

	// Transition atomically fires ev against the message and persists
	// the result. It returns the new status, or the state-machine error
	// unchanged when the event is not allowed.
	Transition(ctx context.Context, id string, ev message.Event, detail string) (message.Status, error)

	// ApplyRecipientOutcome atomically records a per-recipient outcome
	// and recomputes the aggregate message status. Replaying an
	// identical outcome is a no-op; changed reports whether anything
	// was written.
	ApplyRecipientOutcome(ctx context.Context, id string, out RecipientOutcome) (changed bool, err error)

	// SetAgentRef records which transfer agent took responsibility for
	// the message and its broker-side queue id.
	SetAgentRef(ctx context.Context, id, agentGroup, queueID string) error

	// FindByQueueID resolves a message by the transfer agent's queue
	// id, for status events that lost the message id.
	FindByQueueID(ctx context.Context, queueID string) (*message.Message, error)

	// DuePublishBatch returns up to limit messages eligible for a
	// publish sweep: Accepted, or Failed within the retry budget and
	// past their retry-after. Ordered by priority (urgent first) then
	// creation time.
	DuePublishBatch(ctx context.Context, limit int) ([]*message.Message, error)

	// HasUnsynced reports whether any message still awaits delivery
	// status (queued, queuing or deferred).
	HasUnsynced(ctx context.Context) (bool, error)

	// Close releases backing resources.
	Close() error
}

// MatchFilter reports whether m satisfies f. Shared by backends that
// filter in memory; the SQL backend pushes most of this into WHERE
// clauses and uses it only for recipient matching.
func MatchFilter(m *message.Message, f Filter) bool {
	if f.ID != "" && m.ID != f.ID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if m.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Domain != "" && m.Domain != f.Domain {
		return false
	}
	if f.Sender != "" && m.Sender != f.Sender {
		return false
	}
	if f.AgentGroup != "" && m.AgentGroup != f.AgentGroup {
		return false
	}
	if f.Priority != nil && m.Priority != *f.Priority {
		return false
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.CreatedAt.After(f.To) {
		return false
	}
	if f.Recipient != "" && m.Recipient(f.Recipient) == nil {
		return false
	}
	return true
}
