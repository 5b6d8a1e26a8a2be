package store

import (
	"time"

	"github.com/mailflowd/mailflow/internal/message"
)

// applyOutcome mutates m with one recipient outcome and recomputes the
// aggregate status. Returns false when the event is a replay and nothing
// changed. Idempotence rule: an outcome with the same status and the
// same action timestamp as the recorded one is a duplicate.
func applyOutcome(m *message.Message, out RecipientOutcome, maxFailed int) bool {
	rcpt := m.Recipient(out.Email)
	if rcpt == nil {
		return false
	}

	if rcpt.Status == out.Status && rcpt.ActionAt.Equal(out.ActionAt) {
		return false
	}

	// A recipient already sent stays sent; late duplicate bounces for
	// the same attempt must not regress the outcome.
	if rcpt.Status == message.RecipientSent && out.Status != message.RecipientSent {
		return false
	}

	rcpt.Status = out.Status
	rcpt.Retries = out.Retries
	rcpt.ActionAt = out.ActionAt
	rcpt.Response = out.Response
	rcpt.Detail = out.Detail

	if agg, ok := m.AggregateStatus(); ok && agg != m.Status {
		if ev, ok := message.EventForAggregate(agg); ok && message.CanFire(m.Status, ev) {
			// Error is impossible here: CanFire was checked and none of
			// the aggregate events consult the retry budget.
			_ = m.Apply(ev, out.Detail, maxFailed)
		}
	} else {
		m.UpdatedAt = time.Now().UTC()
	}

	return true
}

// publishDue reports whether the publisher sweep should pick m up:
// accepted, or failed within budget and past its retry-after.
func publishDue(m *message.Message, maxFailed int) bool {
	switch m.Status {
	case message.StatusAccepted:
		return true
	case message.StatusFailed:
		if m.FailedCount >= maxFailed {
			return false
		}
		return m.RetryAfter.IsZero() || !m.RetryAfter.After(time.Now().UTC())
	}
	return false
}
