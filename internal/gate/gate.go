// Package gate validates outbound messages before they are accepted
// into the delivery pipeline. Checks run in a fixed order and the
// first failure decides the message's fate: structural problems and
// policy failures block the message where the sender can see why, spam
// classification rejects it outright.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/mailflowd/mailflow/internal/antispam"
	"github.com/mailflowd/mailflow/internal/bounce"
	"github.com/mailflowd/mailflow/internal/message"
	"github.com/mailflowd/mailflow/internal/metrics"
)

var (
	// ErrDomainUnknown means the sender's domain is not registered.
	ErrDomainUnknown = errors.New("sending domain is not registered")
	// ErrDomainDisabled means the domain exists but sending is off.
	ErrDomainDisabled = errors.New("sending domain is disabled")
	// ErrMessageTooLarge means the payload exceeds the domain's limit.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	// ErrQuotaExceeded means the domain used up its send window.
	ErrQuotaExceeded = errors.New("sending quota exceeded")
	// ErrDKIMInvalid means the DKIM signature failed verification.
	ErrDKIMInvalid = errors.New("DKIM signature verification failed")
	// ErrAllRecipientsBlocked means every recipient sits on the
	// bounce blocklist.
	ErrAllRecipientsBlocked = errors.New("all recipients are blocked")
	// ErrSpamRejected means the content scanner classified the
	// message as spam.
	ErrSpamRejected = errors.New("message classified as spam")
)

// Config tunes the gate's checks.
type Config struct {
	// VerifyDKIM enables cryptographic verification of the payload's
	// DKIM signature on top of the mandatory presence check. Needs
	// DNS access to the signing domain's selector records.
	VerifyDKIM bool `toml:"verify_dkim"`
	// SpamThreshold overrides the scanner's verdict threshold when
	// positive.
	SpamThreshold float64 `toml:"spam_threshold"`
	// MaxFailedCount mirrors the pipeline-wide retry budget.
	MaxFailedCount int `toml:"max_failed_count"`

	Quota QuotaConfig `toml:"quota"`
}

// Gate runs the acceptance checks for newly submitted messages.
type Gate struct {
	registry *Registry
	quota    *Quota
	bounces  *bounce.History
	scanner  antispam.Scanner
	config   Config
	logger   *slog.Logger
}

// New assembles a gate. Any of bounces and scanner may be nil to
// disable the corresponding check.
func New(registry *Registry, quota *Quota, bounces *bounce.History, scanner antispam.Scanner, config Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxFailedCount <= 0 {
		config.MaxFailedCount = message.DefaultMaxFailedCount
	}
	return &Gate{
		registry: registry,
		quota:    quota,
		bounces:  bounces,
		scanner:  scanner,
		config:   config,
		logger:   logger.With("component", "gate"),
	}
}

// Check runs the acceptance checks against a draft message and applies
// the resulting transition in place. On success the message is
// Accepted; on failure it is Blocked or Rejected and the returned
// error says why. The caller persists the message afterwards either
// way, so senders can inspect what happened to a refused submission.
func (g *Gate) Check(ctx context.Context, m *message.Message) error {
	metrics.Get().MessagesSubmitted.Inc()
	metrics.Get().MessageSize.Observe(float64(m.Size))

	if err := m.EnrichFromPayload(); err != nil {
		return g.block(m, err)
	}

	if err := g.checkDomain(m); err != nil {
		return g.block(m, err)
	}

	if g.quota != nil {
		if err := g.quota.Allow(ctx, m.Domain, m.Size); err != nil {
			return g.block(m, err)
		}
	}

	if g.config.VerifyDKIM {
		if err := g.verifySignature(m); err != nil {
			return g.block(m, err)
		}
	}

	if err := g.markBlockedRecipients(ctx, m); err != nil {
		return g.block(m, err)
	}

	if err := g.scan(ctx, m); err != nil {
		if errors.Is(err, ErrSpamRejected) {
			return g.reject(m, err)
		}
		return g.block(m, err)
	}

	if err := m.Apply(message.EventValidationPassed, "", g.config.MaxFailedCount); err != nil {
		return err
	}
	metrics.Get().MessagesAccepted.Inc()
	g.logger.Info("Message accepted",
		"id", m.ID,
		"domain", m.Domain,
		"recipients", len(m.Recipients),
		"priority", m.Priority)
	return nil
}

func (g *Gate) block(m *message.Message, cause error) error {
	if err := m.Apply(message.EventPolicyBlocked, cause.Error(), g.config.MaxFailedCount); err != nil {
		return err
	}
	metrics.Get().MessagesBlocked.Inc()
	g.logger.Warn("Message blocked", "id", m.ID, "domain", m.Domain, "reason", cause)
	return cause
}

func (g *Gate) reject(m *message.Message, cause error) error {
	if err := m.Apply(message.EventSpamRejected, cause.Error(), g.config.MaxFailedCount); err != nil {
		return err
	}
	metrics.Get().MessagesRejected.Inc()
	g.logger.Warn("Message rejected as spam", "id", m.ID, "domain", m.Domain, "score", m.SpamScore)
	return cause
}

func (g *Gate) checkDomain(m *message.Message) error {
	d, ok := g.registry.Lookup(m.Domain)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDomainUnknown, m.Domain)
	}
	if !d.Enabled {
		return fmt.Errorf("%w: %s", ErrDomainDisabled, m.Domain)
	}
	if d.MaxMessageSize > 0 && m.Size > d.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, m.Size, d.MaxMessageSize)
	}
	if m.AgentGroup == "" {
		m.AgentGroup = d.AgentGroup
	}
	return nil
}

func (g *Gate) verifySignature(m *message.Message) error {
	verifications, err := dkim.Verify(bytes.NewReader(m.Raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDKIMInvalid, err)
	}
	if len(verifications) == 0 {
		return message.ErrMissingDKIM
	}
	for _, v := range verifications {
		if v.Err != nil {
			return fmt.Errorf("%w: domain %s: %v", ErrDKIMInvalid, v.Domain, v.Err)
		}
	}
	return nil
}

// markBlockedRecipients flags recipients with an active bounce block
// so the agent never attempts them. When every recipient is blocked
// there is nothing left to deliver and the whole message is refused.
func (g *Gate) markBlockedRecipients(ctx context.Context, m *message.Message) error {
	if g.bounces == nil {
		return nil
	}
	blocked := 0
	for i := range m.Recipients {
		rcpt := &m.Recipients[i]
		if !g.bounces.IsBlocked(ctx, rcpt.Email) {
			continue
		}
		rcpt.Status = message.RecipientBlocked
		rcpt.ActionAt = time.Now().UTC()
		rcpt.Detail = "recipient blocked after repeated bounces"
		blocked++
	}
	if blocked == len(m.Recipients) {
		return ErrAllRecipientsBlocked
	}
	if blocked > 0 {
		g.logger.Info("Recipients skipped via bounce blocklist", "id", m.ID, "blocked", blocked)
	}
	return nil
}

func (g *Gate) scan(ctx context.Context, m *message.Message) error {
	if g.scanner == nil {
		return nil
	}
	result, err := g.scanner.Scan(ctx, m.Raw)
	if err != nil {
		// An unreachable scanner must not stall the pipeline.
		g.logger.Warn("Spam scan unavailable, accepting unscanned", "id", m.ID, "error", err)
		return nil
	}

	m.SpamScore = result.Score
	if result.HasSymbol("DKIM_INVALID") {
		return fmt.Errorf("%w: scanner flagged DKIM_INVALID", ErrDKIMInvalid)
	}

	threshold := result.Threshold
	if g.config.SpamThreshold > 0 {
		threshold = g.config.SpamThreshold
	}
	if result.Score > threshold {
		return fmt.Errorf("%w: score %.2f over threshold %.2f", ErrSpamRejected, result.Score, threshold)
	}
	return nil
}
