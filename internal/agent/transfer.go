package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailflowd/mailflow/internal/broker"
)

// Refusal is one recipient the relay turned away with a permanent
// error.
type Refusal struct {
	Email    string
	Response string
}

// Result is the outcome of one handoff. QueueID is set when the relay
// accepted the message for at least one recipient; Refused lists the
// recipients it permanently rejected.
type Result struct {
	QueueID string
	Refused []Refusal
}

// Transfer hands a queued delivery attempt to the local transfer
// agent. The queue id identifies the handoff in later status events.
// A non-nil error means nothing was handed off; the caller classifies
// it with IsPermanent.
type Transfer interface {
	Handoff(ctx context.Context, entry broker.Entry) (Result, error)
}

// IsPermanent reports whether err is a permanent SMTP failure (5xx).
// Retrying a permanent failure cannot change the answer; the attempt
// must be bounced, not requeued.
func IsPermanent(err error) bool {
	var proto *textproto.Error
	return errors.As(err, &proto) && proto.Code >= 500 && proto.Code < 600
}

// SMTPConfig points at the transfer agent's submission endpoint,
// normally an MTA on the same host.
type SMTPConfig struct {
	Address string        `toml:"address"`
	Hello   string        `toml:"hello"`
	Timeout time.Duration `toml:"timeout"`
}

// SMTPTransfer relays entries over SMTP. It speaks plain SMTP with no
// auth: the endpoint is expected to be a trusted local relay, not an
// open submission port.
type SMTPTransfer struct {
	config SMTPConfig
	logger *slog.Logger
}

func NewSMTPTransfer(config SMTPConfig, logger *slog.Logger) *SMTPTransfer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Address == "" {
		config.Address = "localhost:25"
	}
	if config.Hello == "" {
		config.Hello = "localhost"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPTransfer{
		config: config,
		logger: logger.With("component", "smtp-transfer"),
	}
}

// Handoff runs one SMTP transaction for the entry. Recipients refused
// with a 5xx are collected in the result and the transaction proceeds
// for the rest; a 4xx anywhere aborts the attempt so the whole entry
// can be retried. The queue id is minted locally since the client API
// does not expose the relay's response text.
func (t *SMTPTransfer) Handoff(ctx context.Context, entry broker.Entry) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	client, err := t.connect(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = client.Close() }()

	if err := client.Mail(entry.Sender); err != nil {
		return Result{}, fmt.Errorf("MAIL FROM failed: %w", err)
	}

	var res Result
	accepted := 0
	for _, rcpt := range entry.Recipients {
		err := client.Rcpt(rcpt)
		switch {
		case err == nil:
			accepted++
		case IsPermanent(err):
			t.logger.Info("Relay refused recipient",
				"message_id", entry.MessageID, "recipient", rcpt, "response", err.Error())
			res.Refused = append(res.Refused, Refusal{Email: rcpt, Response: err.Error()})
		default:
			return Result{}, fmt.Errorf("RCPT TO failed for %s: %w", rcpt, err)
		}
	}
	if accepted == 0 {
		// Every recipient refused; nothing to send.
		if err := client.Quit(); err != nil {
			t.logger.Warn("QUIT command failed", "error", err)
		}
		return res, nil
	}

	writer, err := client.Data()
	if err != nil {
		return Result{}, fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := writer.Write(entry.Raw); err != nil {
		return Result{}, fmt.Errorf("failed to write message data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("relay refused message data: %w", err)
	}

	if err := client.Quit(); err != nil {
		t.logger.Warn("QUIT command failed", "error", err)
	}

	res.QueueID = uuid.NewString()
	t.logger.Info("Message handed to transfer agent",
		"message_id", entry.MessageID,
		"queue_id", res.QueueID,
		"recipients", accepted,
		"refused", len(res.Refused))
	return res, nil
}

func (t *SMTPTransfer) connect(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: t.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.config.Address, err)
	}

	client, err := smtp.NewClient(conn, strings.Split(t.config.Address, ":")[0])
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if err := client.Hello(t.config.Hello); err != nil {
		client.Close()
		return nil, fmt.Errorf("HELLO command failed: %w", err)
	}
	return client, nil
}
