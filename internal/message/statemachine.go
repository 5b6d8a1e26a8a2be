package message

import (
	"fmt"
	"time"
)

// DefaultMaxFailedCount is the publish retry budget applied when the
// configuration does not set one.
const DefaultMaxFailedCount = 5

// Event drives a status transition on a message.
type Event string

const (
	// EventValidationPassed moves a draft past the validation gate.
	EventValidationPassed Event = "validation_passed"
	// EventPolicyBlocked records a policy failure (quota, domain,
	// blocklist). Operator-recoverable.
	EventPolicyBlocked Event = "policy_blocked"
	// EventSpamRejected records a spam classification. Terminal.
	EventSpamRejected Event = "spam_rejected"
	// EventPublishStarted marks the beginning of a broker publish.
	EventPublishStarted Event = "publish_started"
	// EventPublishAcked records the broker acknowledgment.
	EventPublishAcked Event = "publish_acked"
	// EventPublishFailed records a failed publish attempt and burns one
	// unit of the failed-count budget.
	EventPublishFailed Event = "publish_failed"
	// EventAgentQueued records the handoff to a transfer agent. The
	// message stays queued; only the audit trail changes.
	EventAgentQueued Event = "agent_queued"
	// EventDeferred records a transient delivery failure.
	EventDeferred Event = "deferred"
	// EventRequeued returns a deferred message to the queued state for
	// a scheduled retry.
	EventRequeued Event = "requeued"
	// EventDelivered finalizes delivery when all recipients are sent.
	EventDelivered Event = "delivered"
	// EventPartiallyDelivered finalizes delivery with a mixed outcome.
	EventPartiallyDelivered Event = "partially_delivered"
	// EventBounced finalizes delivery when all recipients bounced.
	EventBounced Event = "bounced"
	// EventForceAccept is the privileged override out of Draft/Blocked.
	EventForceAccept Event = "force_accept"
	// EventRetryFailed returns a failed message to accepted, provided
	// the failed-count budget is not exhausted.
	EventRetryFailed Event = "retry_failed"
	// EventRetryBounced is the privileged override out of Bounced.
	EventRetryBounced Event = "retry_bounced"
	// EventCanceled withdraws a message before it reaches the queue.
	// Modelled as a policy block so an operator can still resurrect it.
	EventCanceled Event = "canceled"
)

// transitions maps each event to the statuses it may fire from and the
// status it lands on.
var transitions = map[Event]struct {
	from []Status
	to   Status
}{
	EventValidationPassed:   {from: []Status{StatusDraft}, to: StatusAccepted},
	EventPolicyBlocked:      {from: []Status{StatusDraft}, to: StatusBlocked},
	EventSpamRejected:       {from: []Status{StatusDraft}, to: StatusRejected},
	EventPublishStarted:     {from: []Status{StatusAccepted, StatusFailed}, to: StatusQueuing},
	EventPublishAcked:       {from: []Status{StatusQueuing}, to: StatusQueued},
	EventPublishFailed:      {from: []Status{StatusQueuing}, to: StatusFailed},
	EventAgentQueued:        {from: []Status{StatusQueued}, to: StatusQueued},
	EventDeferred:           {from: []Status{StatusQueued, StatusDeferred}, to: StatusDeferred},
	EventRequeued:           {from: []Status{StatusDeferred}, to: StatusQueued},
	EventDelivered:          {from: []Status{StatusQueued, StatusDeferred}, to: StatusSent},
	EventPartiallyDelivered: {from: []Status{StatusQueued, StatusDeferred}, to: StatusPartiallySent},
	EventBounced:            {from: []Status{StatusQueued, StatusDeferred}, to: StatusBounced},
	EventForceAccept:        {from: []Status{StatusDraft, StatusBlocked}, to: StatusAccepted},
	EventRetryFailed:        {from: []Status{StatusFailed}, to: StatusAccepted},
	EventRetryBounced:       {from: []Status{StatusBounced}, to: StatusAccepted},
	EventCanceled:           {from: []Status{StatusDraft, StatusAccepted}, to: StatusBlocked},
}

// InvalidTransitionError reports an event fired from a status it is not
// allowed to leave.
type InvalidTransitionError struct {
	ID     string
	Status Status
	Event  Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("message %s: event %q not allowed from status %q", e.ID, e.Event, e.Status)
}

// RetryBudgetError reports an automatic or self-service retry refused
// because the failed-count budget is exhausted.
type RetryBudgetError struct {
	ID          string
	FailedCount int
	Max         int
}

func (e *RetryBudgetError) Error() string {
	return fmt.Sprintf("message %s: failed %d times, budget of %d exhausted; privileged override required",
		e.ID, e.FailedCount, e.Max)
}

// CanFire reports whether ev may fire from status s.
func CanFire(s Status, ev Event) bool {
	t, ok := transitions[ev]
	if !ok {
		return false
	}
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

// Apply fires ev against the message, mutating status and the audit
// trail. maxFailed bounds the retry budget for EventRetryFailed and for
// republishing a Failed message. Callers are responsible for persisting
// the result atomically.
func (m *Message) Apply(ev Event, detail string, maxFailed int) error {
	if !CanFire(m.Status, ev) {
		return &InvalidTransitionError{ID: m.ID, Status: m.Status, Event: ev}
	}

	now := time.Now().UTC()

	switch ev {
	case EventValidationPassed, EventForceAccept:
		m.LastError = ""
		m.ProcessedAt = now
	case EventPolicyBlocked, EventSpamRejected, EventCanceled:
		m.LastError = detail
	case EventPublishStarted:
		if m.Status == StatusFailed && m.FailedCount >= maxFailed {
			return &RetryBudgetError{ID: m.ID, FailedCount: m.FailedCount, Max: maxFailed}
		}
		m.TransferStartedAt = now
	case EventPublishAcked:
		m.TransferCompletedAt = now
		m.RetryAfter = time.Time{}
	case EventPublishFailed:
		m.FailedCount++
		m.LastError = detail
		// 2, 6, 12, 20, 30 ... minutes, quadratic in the failure count.
		m.RetryAfter = now.Add(time.Duration(m.FailedCount*(m.FailedCount+1)) * time.Minute)
	case EventRetryFailed:
		if m.FailedCount >= maxFailed {
			return &RetryBudgetError{ID: m.ID, FailedCount: m.FailedCount, Max: maxFailed}
		}
		m.LastError = ""
	case EventRetryBounced:
		m.LastError = ""
	case EventDeferred, EventBounced, EventPartiallyDelivered:
		if detail != "" {
			m.LastError = detail
		}
	}

	m.Status = transitions[ev].to
	m.UpdatedAt = now
	return nil
}

// EventForAggregate maps an aggregate status computed from recipient
// outcomes to the message-level event that realizes it. ok is false for
// aggregates that do not move the message (still blocked, still queued).
func EventForAggregate(s Status) (Event, bool) {
	switch s {
	case StatusSent:
		return EventDelivered, true
	case StatusPartiallySent:
		return EventPartiallyDelivered, true
	case StatusBounced:
		return EventBounced, true
	case StatusDeferred:
		return EventDeferred, true
	}
	return "", false
}
