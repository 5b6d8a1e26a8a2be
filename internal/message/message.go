// Package message defines the outbound mail entity and its lifecycle
// state machine.
package message

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an outbound message.
type Status string

const (
	// StatusDraft is the initial state of a submitted message, before
	// the validation gate has run.
	StatusDraft Status = "draft"
	// StatusAccepted means the message passed validation and is
	// eligible for queueing.
	StatusAccepted Status = "accepted"
	// StatusQueuing is the transient state while a publish to the
	// broker is in flight.
	StatusQueuing Status = "queuing"
	// StatusQueued means the broker acknowledged the publish.
	StatusQueued Status = "queued"
	// StatusDeferred means at least one recipient hit a transient
	// MTA failure and will be retried.
	StatusDeferred Status = "deferred"
	// StatusSent means every recipient was delivered.
	StatusSent Status = "sent"
	// StatusPartiallySent means some recipients were delivered and the
	// rest bounced or were blocked.
	StatusPartiallySent Status = "partially_sent"
	// StatusBounced means every deliverable recipient bounced.
	StatusBounced Status = "bounced"
	// StatusBlocked means validation failed on policy grounds
	// (quota, domain, blocklist). Recoverable by operator override.
	StatusBlocked Status = "blocked"
	// StatusRejected means the message was classified as spam. Terminal.
	StatusRejected Status = "rejected"
	// StatusFailed means a publish to the broker failed. Retryable
	// until the failed-count budget is exhausted.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further automatic transition is possible
// from this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusPartiallySent, StatusBounced, StatusRejected:
		return true
	}
	return false
}

// Active reports whether the message is somewhere between acceptance and
// a delivery outcome, i.e. the reconciler still expects events for it.
func (s Status) Active() bool {
	switch s {
	case StatusQueuing, StatusQueued, StatusDeferred:
		return true
	}
	return false
}

// RecipientStatus is the per-recipient delivery outcome.
type RecipientStatus string

const (
	// RecipientPending means no outcome has been reported yet.
	RecipientPending RecipientStatus = ""
	// RecipientBlocked means the recipient was filtered out by the
	// validation gate (bounce blocklist).
	RecipientBlocked RecipientStatus = "blocked"
	// RecipientSent means the recipient's server accepted the mail.
	RecipientSent RecipientStatus = "sent"
	// RecipientDeferred means a transient failure; eligible for retry.
	RecipientDeferred RecipientStatus = "deferred"
	// RecipientBounced means a permanent failure. Terminal per recipient.
	RecipientBounced RecipientStatus = "bounced"
)

// Recipient is one destination address of a message together with its
// delivery outcome.
type Recipient struct {
	Email    string          `json:"email"`
	Kind     string          `json:"kind,omitempty"` // to, cc, bcc
	Status   RecipientStatus `json:"status"`
	Retries  int             `json:"retries,omitempty"`
	ActionAt time.Time       `json:"action_at,omitempty"`
	Response string          `json:"response,omitempty"`
	Detail   string          `json:"error_message,omitempty"`
}

// Priority is a best-effort sort hint consumed by the broker queue.
// Valid range is 0..3; 3 is the most urgent.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Clamp returns the priority forced into the valid 0..3 range.
func (p Priority) Clamp() Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityUrgent {
		return PriorityUrgent
	}
	return p
}

// Message is the central outbound mail entity. It is owned exclusively
// by the store for its whole lifecycle; other components hold transient
// working copies.
type Message struct {
	ID         string      `json:"id"`
	Sender     string      `json:"sender"`
	Domain     string      `json:"domain"`
	Recipients []Recipient `json:"recipients"`

	// Raw is the full MIME payload, headers included. The DKIM
	// signature arrives inside it; this pipeline never signs.
	Raw []byte `json:"-"`

	Subject      string   `json:"subject,omitempty"`
	MessageID    string   `json:"message_id,omitempty"` // RFC 5322 Message-ID header
	Priority     Priority `json:"priority"`
	IsNewsletter bool     `json:"is_newsletter,omitempty"`
	Size         int64    `json:"size"`

	Status      Status  `json:"status"`
	FailedCount int     `json:"failed_count"`
	LastError   string  `json:"last_error,omitempty"`
	SpamScore   float64 `json:"spam_score,omitempty"`

	// AgentGroup and QueueID correlate the message with the transfer
	// agent that took responsibility for it.
	AgentGroup string `json:"agent_group,omitempty"`
	QueueID    string `json:"queue_id,omitempty"`

	// Audit / timing trail.
	CreatedAt           time.Time `json:"created_at"`
	ProcessedAt         time.Time `json:"processed_at,omitempty"`
	TransferStartedAt   time.Time `json:"transfer_started_at,omitempty"`
	TransferCompletedAt time.Time `json:"transfer_completed_at,omitempty"`
	RetryAfter          time.Time `json:"retry_after,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`

	// Version guards concurrent transitions on the same id.
	Version int64 `json:"version"`
}

// New builds a Draft message for the given envelope. Recipient addresses
// are deduplicated, preserving first occurrence order.
func New(sender string, recipients []string, raw []byte, priority Priority) (*Message, error) {
	if sender == "" {
		return nil, errors.New("sender is required")
	}
	if len(recipients) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	if len(raw) == 0 {
		return nil, errors.New("message payload is required")
	}

	addr, err := mail.ParseAddress(sender)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", sender, err)
	}

	domain := addressDomain(addr.Address)
	if domain == "" {
		return nil, fmt.Errorf("sender address %q has no domain", sender)
	}

	now := time.Now().UTC()
	m := &Message{
		ID:        uuid.NewString(),
		Sender:    addr.Address,
		Domain:    domain,
		Raw:       raw,
		Priority:  priority.Clamp(),
		Size:      int64(len(raw)),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		parsed, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient address %q: %w", r, err)
		}
		key := strings.ToLower(parsed.Address)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		m.Recipients = append(m.Recipients, Recipient{Email: parsed.Address, Kind: "to"})
	}
	if len(m.Recipients) == 0 {
		return nil, errors.New("no valid recipients")
	}

	return m, nil
}

// Recipient returns the recipient entry for the given address, or nil.
// Matching is case-insensitive per RFC 5321 domain rules; local parts
// are compared case-insensitively as well since receiving MTAs almost
// universally treat them so.
func (m *Message) Recipient(email string) *Recipient {
	for i := range m.Recipients {
		if strings.EqualFold(m.Recipients[i].Email, email) {
			return &m.Recipients[i]
		}
	}
	return nil
}

// DeliverableRecipients returns the addresses that are not blocked.
func (m *Message) DeliverableRecipients() []string {
	out := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		if r.Status != RecipientBlocked {
			out = append(out, r.Email)
		}
	}
	return out
}

// AggregateStatus derives the message-level status from the recipient
// statuses. It returns ("", false) when every recipient is still pending,
// in which case the message status must not change.
func (m *Message) AggregateStatus() (Status, bool) {
	var pending, blocked, deferred, bounced, sent int
	for _, r := range m.Recipients {
		switch r.Status {
		case RecipientPending:
			pending++
		case RecipientBlocked:
			blocked++
		case RecipientDeferred:
			deferred++
		case RecipientBounced:
			bounced++
		case RecipientSent:
			sent++
		}
	}

	total := len(m.Recipients)
	switch {
	case total == 0 || pending == total:
		return "", false
	case blocked == total:
		return StatusBlocked, true
	case deferred > 0:
		return StatusDeferred, true
	case sent == total:
		return StatusSent, true
	case sent > 0:
		return StatusPartiallySent, true
	case bounced > 0:
		return StatusBounced, true
	}

	// Only blocked plus pending recipients remain; keep the current
	// status until the rest report.
	return "", false
}

func addressDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at == -1 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
