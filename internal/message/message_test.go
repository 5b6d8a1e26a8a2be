package message

import (
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	raw := []byte("From: a@x.com\r\nTo: b@y.com\r\n\r\nbody")

	t.Run("ValidMessage", func(t *testing.T) {
		m, err := New("a@x.com", []string{"b@y.com", "c@z.com"}, raw, PriorityNormal)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if m.ID == "" {
			t.Error("expected a generated id")
		}
		if m.Status != StatusDraft {
			t.Errorf("expected draft status, got %q", m.Status)
		}
		if m.Domain != "x.com" {
			t.Errorf("expected domain x.com, got %q", m.Domain)
		}
		if len(m.Recipients) != 2 {
			t.Errorf("expected 2 recipients, got %d", len(m.Recipients))
		}
		if m.Size != int64(len(raw)) {
			t.Errorf("expected size %d, got %d", len(raw), m.Size)
		}
	})

	t.Run("DeduplicatesRecipients", func(t *testing.T) {
		m, err := New("a@x.com", []string{"b@y.com", "B@Y.com", "b@y.com"}, raw, PriorityNormal)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if len(m.Recipients) != 1 {
			t.Errorf("expected 1 recipient after dedup, got %d", len(m.Recipients))
		}
	})

	t.Run("ClampsPriority", func(t *testing.T) {
		m, err := New("a@x.com", []string{"b@y.com"}, raw, Priority(9))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if m.Priority != PriorityUrgent {
			t.Errorf("expected priority clamped to %d, got %d", PriorityUrgent, m.Priority)
		}
	})

	t.Run("RejectsInvalidSender", func(t *testing.T) {
		if _, err := New("not-an-address", []string{"b@y.com"}, raw, PriorityNormal); err == nil {
			t.Error("expected error for invalid sender")
		}
	})

	t.Run("RejectsEmptyRecipients", func(t *testing.T) {
		if _, err := New("a@x.com", nil, raw, PriorityNormal); err == nil {
			t.Error("expected error for empty recipients")
		}
	})
}

func TestAggregateStatus(t *testing.T) {
	mk := func(statuses ...RecipientStatus) *Message {
		m := &Message{}
		for i, s := range statuses {
			m.Recipients = append(m.Recipients, Recipient{
				Email:  string(rune('a'+i)) + "@x.com",
				Status: s,
			})
		}
		return m
	}

	cases := []struct {
		name     string
		statuses []RecipientStatus
		want     Status
		ok       bool
	}{
		{"AllPending", []RecipientStatus{RecipientPending, RecipientPending}, "", false},
		{"AllBlocked", []RecipientStatus{RecipientBlocked, RecipientBlocked}, StatusBlocked, true},
		{"AnyDeferred", []RecipientStatus{RecipientSent, RecipientDeferred}, StatusDeferred, true},
		{"AllSent", []RecipientStatus{RecipientSent, RecipientSent}, StatusSent, true},
		{"MixedSentBounced", []RecipientStatus{RecipientSent, RecipientBounced}, StatusPartiallySent, true},
		{"AllBounced", []RecipientStatus{RecipientBounced, RecipientBounced}, StatusBounced, true},
		{"BouncedAndBlocked", []RecipientStatus{RecipientBounced, RecipientBlocked}, StatusBounced, true},
		{"SentAndBlocked", []RecipientStatus{RecipientSent, RecipientBlocked}, StatusPartiallySent, true},
		{"BlockedAndPending", []RecipientStatus{RecipientBlocked, RecipientPending}, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := mk(tc.statuses...).AggregateStatus()
			if ok != tc.ok || got != tc.want {
				t.Errorf("got (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestApply(t *testing.T) {
	const maxFailed = 5

	t.Run("HappyPath", func(t *testing.T) {
		m := &Message{ID: "m1", Status: StatusDraft}
		steps := []struct {
			ev   Event
			want Status
		}{
			{EventValidationPassed, StatusAccepted},
			{EventPublishStarted, StatusQueuing},
			{EventPublishAcked, StatusQueued},
			{EventDeferred, StatusDeferred},
			{EventRequeued, StatusQueued},
			{EventDelivered, StatusSent},
		}
		for _, s := range steps {
			if err := m.Apply(s.ev, "", maxFailed); err != nil {
				t.Fatalf("apply %s: %v", s.ev, err)
			}
			if m.Status != s.want {
				t.Fatalf("after %s: got %q, want %q", s.ev, m.Status, s.want)
			}
		}
	})

	t.Run("InvalidTransition", func(t *testing.T) {
		m := &Message{ID: "m2", Status: StatusDraft}
		err := m.Apply(EventPublishAcked, "", maxFailed)
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("expected InvalidTransitionError, got %v", err)
		}
	})

	t.Run("QueuedOnlyAfterAccepted", func(t *testing.T) {
		if CanFire(StatusDraft, EventPublishStarted) {
			t.Error("publish must not fire from draft")
		}
		if CanFire(StatusRejected, EventForceAccept) {
			t.Error("rejected is terminal, force accept must not fire")
		}
	})

	t.Run("PublishFailureIncrementsCount", func(t *testing.T) {
		m := &Message{ID: "m3", Status: StatusQueuing}
		if err := m.Apply(EventPublishFailed, "broker unreachable", maxFailed); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if m.FailedCount != 1 {
			t.Errorf("expected failed count 1, got %d", m.FailedCount)
		}
		if m.RetryAfter.IsZero() {
			t.Error("expected retry-after to be scheduled")
		}
		if m.LastError != "broker unreachable" {
			t.Errorf("unexpected last error %q", m.LastError)
		}
	})

	t.Run("RetryBudgetExhausted", func(t *testing.T) {
		m := &Message{ID: "m4", Status: StatusFailed, FailedCount: maxFailed}
		err := m.Apply(EventRetryFailed, "", maxFailed)
		var rbe *RetryBudgetError
		if !errors.As(err, &rbe) {
			t.Fatalf("expected RetryBudgetError, got %v", err)
		}
		if m.Status != StatusFailed {
			t.Errorf("status must not change on refused retry, got %q", m.Status)
		}
	})

	t.Run("RetryFailedWithinBudget", func(t *testing.T) {
		m := &Message{ID: "m5", Status: StatusFailed, FailedCount: 2}
		if err := m.Apply(EventRetryFailed, "", maxFailed); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if m.Status != StatusAccepted {
			t.Errorf("expected accepted, got %q", m.Status)
		}
	})

	t.Run("PrivilegedRetryBounced", func(t *testing.T) {
		m := &Message{ID: "m6", Status: StatusBounced}
		if err := m.Apply(EventRetryBounced, "", maxFailed); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if m.Status != StatusAccepted {
			t.Errorf("expected accepted, got %q", m.Status)
		}
	})

	t.Run("CancelOnlyBeforeQueueing", func(t *testing.T) {
		if !CanFire(StatusDraft, EventCanceled) || !CanFire(StatusAccepted, EventCanceled) {
			t.Error("cancel must fire from draft and accepted")
		}
		if CanFire(StatusQueued, EventCanceled) {
			t.Error("cancel must not fire once queued")
		}
	})
}

func TestAvailableActions(t *testing.T) {
	has := func(actions []Action, a Action) bool {
		for _, x := range actions {
			if x == a {
				return true
			}
		}
		return false
	}

	t.Run("OperatorOnBlocked", func(t *testing.T) {
		actions := AvailableActions(StatusBlocked, RoleOperator)
		if !has(actions, ActionForceAccept) {
			t.Error("operator should see force_accept on blocked")
		}
	})

	t.Run("SenderOnBlocked", func(t *testing.T) {
		if len(AvailableActions(StatusBlocked, RoleSender)) != 0 {
			t.Error("sender should have no actions on blocked")
		}
	})

	t.Run("ForcePushOnlyFromQueuedFamily", func(t *testing.T) {
		for _, s := range []Status{StatusQueued, StatusDeferred} {
			if !has(AvailableActions(s, RoleOperator), ActionForcePushToQueue) {
				t.Errorf("operator should see force_push_to_queue on %q", s)
			}
		}
		for _, s := range []Status{StatusAccepted, StatusSent, StatusFailed} {
			if has(AvailableActions(s, RoleOperator), ActionForcePushToQueue) {
				t.Errorf("force_push_to_queue must not be offered on %q", s)
			}
		}
	})

	t.Run("SenderRetryFailed", func(t *testing.T) {
		if !has(AvailableActions(StatusFailed, RoleSender), ActionRetryFailed) {
			t.Error("sender should see retry_failed on failed")
		}
	})

	t.Run("TerminalStatesNoActions", func(t *testing.T) {
		for _, s := range []Status{StatusSent, StatusRejected} {
			if len(AvailableActions(s, RoleOperator)) != 0 {
				t.Errorf("no actions expected on %q", s)
			}
		}
	})
}
