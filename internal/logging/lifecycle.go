package logging

import (
	"log/slog"
	"time"

	"github.com/mailflowd/mailflow/internal/message"
)

// Lifecycle emits one structured record per message lifecycle event,
// forming a grep-able audit trail alongside the store's status fields.
type Lifecycle struct {
	logger *slog.Logger
}

func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger.With("component", "message-lifecycle")}
}

// Submitted logs the arrival of a message, whatever the gate decided.
func (l *Lifecycle) Submitted(m *message.Message) {
	l.logger.Info("message_submitted",
		"event_type", "submission",
		"message_id", m.ID,
		"sender", m.Sender,
		"domain", m.Domain,
		"recipient_count", len(m.Recipients),
		"subject", Sanitize(m.Subject),
		"size", m.Size,
		"priority", int(m.Priority),
		"newsletter", m.IsNewsletter,
		"status", string(m.Status),
		"spam_score", m.SpamScore,
		"error", Sanitize(m.LastError),
	)
}

// Action logs an operator or sender action against a message.
func (l *Lifecycle) Action(m *message.Message, action, actor string) {
	l.logger.Info("message_action",
		"event_type", "action",
		"message_id", m.ID,
		"action", action,
		"actor", actor,
		"status", string(m.Status),
	)
}

// Finalized logs a message reaching a terminal delivery status.
func (l *Lifecycle) Finalized(m *message.Message) {
	sent, bounced := 0, 0
	for _, r := range m.Recipients {
		switch r.Status {
		case message.RecipientSent:
			sent++
		case message.RecipientBounced:
			bounced++
		}
	}

	transferTime := time.Duration(0)
	if !m.TransferCompletedAt.IsZero() && !m.TransferStartedAt.IsZero() {
		transferTime = m.TransferCompletedAt.Sub(m.TransferStartedAt)
	}

	l.logger.Info("message_finalized",
		"event_type", "finalized",
		"message_id", m.ID,
		"status", string(m.Status),
		"sender", m.Sender,
		"recipient_count", len(m.Recipients),
		"sent", sent,
		"bounced", bounced,
		"failed_count", m.FailedCount,
		"transfer_time_ms", transferTime.Milliseconds(),
		"agent_group", m.AgentGroup,
		"queue_id", m.QueueID,
		"error", Sanitize(m.LastError),
	)
}
