package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mailflowd/mailflow/internal/broker"
	"github.com/mailflowd/mailflow/internal/gate"
	"github.com/mailflowd/mailflow/internal/message"
	"github.com/mailflowd/mailflow/internal/publisher"
	"github.com/mailflowd/mailflow/internal/store"
)

// fakeStats counts Incr calls by name.
type fakeStats struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeStats) Incr(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[name]++
	return nil
}

func (f *fakeStats) AddRecentError(context.Context, string, string, string) error { return nil }

func (f *fakeStats) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

const signedPayload = "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; bh=x; b=y\r\n" +
	"From: alice@example.com\r\n" +
	"Subject: hello\r\n" +
	"\r\nbody\r\n"

func newService(t *testing.T) (*Service, store.Store, *broker.Memory) {
	t.Helper()
	st := store.NewMemory(0)
	b := broker.NewMemory(time.Minute)
	registry := gate.NewRegistry([]gate.Domain{{Name: "example.com", Enabled: true}}, nil, nil)
	g := gate.New(registry, nil, nil, nil, gate.Config{}, nil)
	pub := publisher.New(st, b, nil, publisher.Config{}, nil)
	return New(st, g, pub, nil, nil), st, b
}

func submit(t *testing.T, svc *Service, priority int) *message.Message {
	t.Helper()
	m, err := svc.Submit(context.Background(), SubmitRequest{
		Sender:     "alice@example.com",
		Recipients: []string{"bob@dest.test"},
		Raw:        []byte(signedPayload),
		Priority:   priority,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return m
}

func TestSubmitAcceptsAndPersists(t *testing.T) {
	svc, st, b := newService(t)
	m := submit(t, svc, int(message.PriorityNormal))

	stored, err := st.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != message.StatusAccepted {
		t.Errorf("status = %q, want %q", stored.Status, message.StatusAccepted)
	}
	// Normal priority waits for the sweep.
	if depth := b.Depth(broker.OutgoingQueue); depth != 0 {
		t.Errorf("queue depth = %d, want 0 before sweep", depth)
	}
}

func TestSubmitUrgentFastPath(t *testing.T) {
	svc, st, b := newService(t)
	m := submit(t, svc, int(message.PriorityUrgent))

	stored, err := st.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != message.StatusQueued {
		t.Errorf("status = %q, want %q after fast path", stored.Status, message.StatusQueued)
	}
	if depth := b.Depth(broker.OutgoingQueue); depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestSubmitBlockedStaysInspectable(t *testing.T) {
	svc, st, _ := newService(t)
	m, err := svc.Submit(context.Background(), SubmitRequest{
		Sender:     "mallory@unknown.test",
		Recipients: []string{"bob@dest.test"},
		Raw:        []byte(signedPayload),
	})
	if !errors.Is(err, gate.ErrDomainUnknown) {
		t.Fatalf("err = %v, want ErrDomainUnknown", err)
	}
	if m == nil {
		t.Fatal("blocked submissions must still return the message")
	}

	stored, err := st.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != message.StatusBlocked {
		t.Errorf("status = %q, want %q", stored.Status, message.StatusBlocked)
	}
}

func TestSubmitCountsVerdicts(t *testing.T) {
	st := store.NewMemory(0)
	b := broker.NewMemory(time.Minute)
	registry := gate.NewRegistry([]gate.Domain{{Name: "example.com", Enabled: true}}, nil, nil)
	g := gate.New(registry, nil, nil, nil, gate.Config{}, nil)
	pub := publisher.New(st, b, nil, publisher.Config{}, nil)
	stats := &fakeStats{}
	svc := New(st, g, pub, stats, nil)

	submit(t, svc, int(message.PriorityNormal))
	if _, err := svc.Submit(context.Background(), SubmitRequest{
		Sender:     "mallory@unknown.test",
		Recipients: []string{"bob@dest.test"},
		Raw:        []byte(signedPayload),
	}); !errors.Is(err, gate.ErrDomainUnknown) {
		t.Fatalf("err = %v, want ErrDomainUnknown", err)
	}

	if got := stats.count("submitted"); got != 2 {
		t.Errorf("submitted = %d, want 2", got)
	}
	if got := stats.count("accepted"); got != 1 {
		t.Errorf("accepted = %d, want 1", got)
	}
	if got := stats.count("blocked"); got != 1 {
		t.Errorf("blocked = %d, want 1", got)
	}
}

func TestActForceAccept(t *testing.T) {
	svc, st, _ := newService(t)
	m, _ := svc.Submit(context.Background(), SubmitRequest{
		Sender:     "mallory@unknown.test",
		Recipients: []string{"bob@dest.test"},
		Raw:        []byte(signedPayload),
	})

	// The sender role may not force-accept.
	err := svc.Act(context.Background(), m.ID, message.ActionForceAccept, message.RoleSender, "mallory")
	if !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("err = %v, want ErrActionNotAllowed", err)
	}

	if err := svc.Act(context.Background(), m.ID, message.ActionForceAccept, message.RoleOperator, "ops@example.com"); err != nil {
		t.Fatalf("operator force accept failed: %v", err)
	}
	stored, _ := st.Get(context.Background(), m.ID)
	if stored.Status != message.StatusAccepted {
		t.Errorf("status = %q, want %q", stored.Status, message.StatusAccepted)
	}
}

func TestActCancel(t *testing.T) {
	svc, st, _ := newService(t)
	m := submit(t, svc, int(message.PriorityNormal))

	if err := svc.Act(context.Background(), m.ID, message.ActionCancel, message.RoleSender, "alice@example.com"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	stored, _ := st.Get(context.Background(), m.ID)
	if stored.Status != message.StatusBlocked {
		t.Errorf("status = %q, want %q", stored.Status, message.StatusBlocked)
	}

	// Once queued there is nothing to withdraw.
	m2 := submit(t, svc, int(message.PriorityUrgent))
	err := svc.Act(context.Background(), m2.ID, message.ActionCancel, message.RoleSender, "alice@example.com")
	if !errors.Is(err, ErrActionNotAllowed) {
		t.Errorf("err = %v, want ErrActionNotAllowed for queued message", err)
	}
}

func TestActionsReflectRole(t *testing.T) {
	svc, _, _ := newService(t)
	m := submit(t, svc, int(message.PriorityNormal))

	senderActions, err := svc.Actions(context.Background(), m.ID, message.RoleSender)
	if err != nil {
		t.Fatalf("actions failed: %v", err)
	}
	operatorActions, err := svc.Actions(context.Background(), m.ID, message.RoleOperator)
	if err != nil {
		t.Fatalf("actions failed: %v", err)
	}
	if len(operatorActions) <= len(senderActions) {
		t.Errorf("operator should see more actions: sender=%v operator=%v", senderActions, operatorActions)
	}
}
