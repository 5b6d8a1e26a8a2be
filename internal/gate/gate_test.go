package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mailflowd/mailflow/internal/antispam"
	"github.com/mailflowd/mailflow/internal/bounce"
	"github.com/mailflowd/mailflow/internal/cache"
	"github.com/mailflowd/mailflow/internal/message"
)

const signedPayload = "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; bh=x; b=y\r\n" +
	"From: alice@example.com\r\n" +
	"To: bob@dest.test\r\n" +
	"Subject: greetings\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"\r\n" +
	"hello\r\n"

func testCache(t *testing.T) cache.Cache {
	t.Helper()
	c := cache.NewMemory()
	if err := c.Connect(); err != nil {
		t.Fatalf("connecting cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testRegistry() *Registry {
	return NewRegistry([]Domain{
		{Name: "example.com", Enabled: true, AgentGroup: "primary"},
		{Name: "paused.test", Enabled: false},
		{Name: "tiny.test", Enabled: true, MaxMessageSize: 10},
	}, nil, nil)
}

func testGate(t *testing.T, scanner antispam.Scanner, bounces *bounce.History) *Gate {
	t.Helper()
	return New(testRegistry(), nil, bounces, scanner, Config{}, nil)
}

func draft(t *testing.T, sender string, recipients ...string) *message.Message {
	t.Helper()
	m, err := message.New(sender, recipients, []byte(signedPayload), message.PriorityNormal)
	if err != nil {
		t.Fatalf("building draft: %v", err)
	}
	return m
}

func TestCheckAccepts(t *testing.T) {
	g := testGate(t, nil, nil)
	m := draft(t, "alice@example.com", "bob@dest.test")

	if err := g.Check(context.Background(), m); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if m.Status != message.StatusAccepted {
		t.Errorf("status = %q, want %q", m.Status, message.StatusAccepted)
	}
	if m.Subject != "greetings" {
		t.Errorf("subject not extracted, got %q", m.Subject)
	}
	if m.AgentGroup != "primary" {
		t.Errorf("agent group = %q, want primary", m.AgentGroup)
	}
}

func TestCheckBlocksUnsignedPayload(t *testing.T) {
	g := testGate(t, nil, nil)
	m, err := message.New("alice@example.com", []string{"bob@dest.test"},
		[]byte("From: alice@example.com\r\n\r\nno signature\r\n"), message.PriorityNormal)
	if err != nil {
		t.Fatalf("building draft: %v", err)
	}

	if err := g.Check(context.Background(), m); !errors.Is(err, message.ErrMissingDKIM) {
		t.Fatalf("err = %v, want ErrMissingDKIM", err)
	}
	if m.Status != message.StatusBlocked {
		t.Errorf("status = %q, want %q", m.Status, message.StatusBlocked)
	}
}

func TestCheckDomainPolicy(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		want   error
	}{
		{"Unknown", "eve@nowhere.test", ErrDomainUnknown},
		{"Disabled", "carol@paused.test", ErrDomainDisabled},
		{"TooLarge", "dan@tiny.test", ErrMessageTooLarge},
	}
	g := testGate(t, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := draft(t, tt.sender, "bob@dest.test")
			err := g.Check(context.Background(), m)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if m.Status != message.StatusBlocked {
				t.Errorf("status = %q, want %q", m.Status, message.StatusBlocked)
			}
		})
	}
}

func TestCheckQuota(t *testing.T) {
	quota := NewQuota(testCache(t), QuotaConfig{
		Enabled:           true,
		Window:            time.Hour,
		MessagesPerWindow: 2,
	}, nil)
	g := New(testRegistry(), quota, nil, nil, Config{}, nil)

	for i := 0; i < 2; i++ {
		m := draft(t, "alice@example.com", fmt.Sprintf("r%d@dest.test", i))
		if err := g.Check(context.Background(), m); err != nil {
			t.Fatalf("message %d refused: %v", i, err)
		}
	}

	m := draft(t, "alice@example.com", "late@dest.test")
	if err := g.Check(context.Background(), m); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if m.Status != message.StatusBlocked {
		t.Errorf("status = %q, want %q", m.Status, message.StatusBlocked)
	}
	if !strings.Contains(m.LastError, "quota") {
		t.Errorf("last error %q does not mention the quota", m.LastError)
	}
}

func TestCheckBlockedRecipients(t *testing.T) {
	history := bounce.NewHistory(testCache(t), nil)
	ctx := context.Background()
	if err := history.Record(ctx, "dead@dest.test"); err != nil {
		t.Fatalf("recording bounce: %v", err)
	}

	t.Run("PartialBlockStillAccepts", func(t *testing.T) {
		g := testGate(t, nil, history)
		m := draft(t, "alice@example.com", "dead@dest.test", "ok@dest.test")
		if err := g.Check(ctx, m); err != nil {
			t.Fatalf("check failed: %v", err)
		}
		if got := m.Recipient("dead@dest.test").Status; got != message.RecipientBlocked {
			t.Errorf("blocked recipient status = %q", got)
		}
		if got := m.Recipient("ok@dest.test").Status; got != message.RecipientPending {
			t.Errorf("clean recipient status = %q", got)
		}
	})

	t.Run("AllBlockedRefused", func(t *testing.T) {
		g := testGate(t, nil, history)
		m := draft(t, "alice@example.com", "dead@dest.test")
		if err := g.Check(ctx, m); !errors.Is(err, ErrAllRecipientsBlocked) {
			t.Fatalf("err = %v, want ErrAllRecipientsBlocked", err)
		}
		if m.Status != message.StatusBlocked {
			t.Errorf("status = %q, want %q", m.Status, message.StatusBlocked)
		}
	})
}

func TestCheckSpam(t *testing.T) {
	t.Run("RejectsOverThreshold", func(t *testing.T) {
		scanner := &antispam.Static{Result: antispam.ScanResult{Score: 12, Threshold: 6}}
		g := testGate(t, scanner, nil)
		m := draft(t, "alice@example.com", "bob@dest.test")

		if err := g.Check(context.Background(), m); !errors.Is(err, ErrSpamRejected) {
			t.Fatalf("err = %v, want ErrSpamRejected", err)
		}
		if m.Status != message.StatusRejected {
			t.Errorf("status = %q, want %q", m.Status, message.StatusRejected)
		}
		if m.SpamScore != 12 {
			t.Errorf("spam score = %.1f, want 12", m.SpamScore)
		}
	})

	t.Run("BlocksOnInvalidSignatureSymbol", func(t *testing.T) {
		scanner := &antispam.Static{Result: antispam.ScanResult{
			Score:     1,
			Threshold: 6,
			Symbols:   []string{"DKIM_INVALID"},
		}}
		g := testGate(t, scanner, nil)
		m := draft(t, "alice@example.com", "bob@dest.test")

		if err := g.Check(context.Background(), m); !errors.Is(err, ErrDKIMInvalid) {
			t.Fatalf("err = %v, want ErrDKIMInvalid", err)
		}
		if m.Status != message.StatusBlocked {
			t.Errorf("status = %q, want %q", m.Status, message.StatusBlocked)
		}
	})

	t.Run("ScannerOutageFailsOpen", func(t *testing.T) {
		scanner := &antispam.Static{Err: errors.New("connection refused")}
		g := testGate(t, scanner, nil)
		m := draft(t, "alice@example.com", "bob@dest.test")

		if err := g.Check(context.Background(), m); err != nil {
			t.Fatalf("check failed: %v", err)
		}
		if m.Status != message.StatusAccepted {
			t.Errorf("status = %q, want %q", m.Status, message.StatusAccepted)
		}
	})
}

func TestRegistryRefresh(t *testing.T) {
	calls := 0
	loader := func(context.Context) ([]Domain, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("upstream down")
		}
		return []Domain{{Name: "new.test", Enabled: true}}, nil
	}
	r := NewRegistry([]Domain{{Name: "old.test", Enabled: true}}, loader, nil)

	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected first refresh to fail")
	}
	if _, ok := r.Lookup("old.test"); !ok {
		t.Error("failed refresh must keep the cached set")
	}

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, ok := r.Lookup("NEW.test"); !ok {
		t.Error("lookup after refresh should match case insensitively")
	}
	if _, ok := r.Lookup("old.test"); ok {
		t.Error("replaced domain still present")
	}
}
