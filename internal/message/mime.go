package message

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
)

// ErrMissingDKIM is returned when the payload carries no DKIM-Signature
// header. Messages reach this pipeline already signed; an unsigned
// payload is a client error, not something to fix here.
var ErrMissingDKIM = errors.New("message does not contain a DKIM signature")

// EnrichFromPayload parses the MIME headers of the raw payload and
// fills the derived fields: subject, Message-ID, priority hint and
// newsletter flag. It fails when the payload is not parseable mail or
// lacks a DKIM-Signature header.
func (m *Message) EnrichFromPayload() error {
	parsed, err := mail.ReadMessage(bytes.NewReader(m.Raw))
	if err != nil {
		return fmt.Errorf("failed to parse message payload: %w", err)
	}

	if parsed.Header.Get("DKIM-Signature") == "" {
		return ErrMissingDKIM
	}

	m.Subject = parsed.Header.Get("Subject")
	m.MessageID = strings.Trim(parsed.Header.Get("Message-ID"), "<>")

	if p := parsed.Header.Get("X-Priority"); p != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			m.Priority = Priority(n).Clamp()
		}
	}
	if n := parsed.Header.Get("X-Newsletter"); n != "" {
		m.IsNewsletter = n != "0" && !strings.EqualFold(n, "false")
	}

	return nil
}
