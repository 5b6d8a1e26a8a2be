// Package service orchestrates the pipeline's outward operations:
// submission through the validation gate, status reads, reports, and
// the explicit sender/operator actions. The HTTP layer and the CLI
// both sit on top of this package.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mailflowd/mailflow/internal/gate"
	"github.com/mailflowd/mailflow/internal/logging"
	"github.com/mailflowd/mailflow/internal/message"
	"github.com/mailflowd/mailflow/internal/metrics"
	"github.com/mailflowd/mailflow/internal/publisher"
	"github.com/mailflowd/mailflow/internal/store"
)

// ErrActionNotAllowed is returned when an action is not available for
// the message's status and the caller's role.
var ErrActionNotAllowed = errors.New("action not available")

// SubmitRequest is one message submission.
type SubmitRequest struct {
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Raw        []byte   `json:"message"`
	Priority   int      `json:"priority"`
}

// Service ties the store, gate and publisher together.
type Service struct {
	store     store.Store
	gate      *gate.Gate
	publisher *publisher.Publisher
	stats     metrics.StatsRecorder
	lifecycle *logging.Lifecycle
	logger    *slog.Logger
}

// New assembles the service. stats may be nil to skip the shared
// statistics store.
func New(st store.Store, g *gate.Gate, pub *publisher.Publisher, stats metrics.StatsRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		gate:      g,
		publisher: pub,
		stats:     stats,
		lifecycle: logging.NewLifecycle(logger),
		logger:    logger.With("component", "service"),
	}
}

// Submit runs a submission through the gate and persists the result.
// The message is stored whatever the gate decided, so refused
// submissions stay inspectable; the gate's verdict comes back as the
// error. Urgent mail that passed the gate skips the sweep and is
// pushed at once.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*message.Message, error) {
	m, err := message.New(req.Sender, req.Recipients, req.Raw, message.Priority(req.Priority))
	if err != nil {
		return nil, err
	}

	verdict := s.gate.Check(ctx, m)

	if err := s.store.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	s.lifecycle.Submitted(m)
	s.countSubmission(ctx, m)

	if verdict != nil {
		return m, verdict
	}

	if m.Priority == message.PriorityUrgent && s.publisher != nil {
		// Failure here is not fatal; the next sweep picks it up.
		if err := s.publisher.PushByID(ctx, m.ID); err != nil {
			s.logger.Warn("Urgent fast-path push failed, deferring to sweep", "id", m.ID, "error", err)
		}
	}
	return m, nil
}

// countSubmission records the gate's verdict in the shared statistics
// store. Counter trouble never fails a submission.
func (s *Service) countSubmission(ctx context.Context, m *message.Message) {
	if s.stats == nil {
		return
	}
	names := []string{"submitted"}
	switch m.Status {
	case message.StatusAccepted:
		names = append(names, "accepted")
	case message.StatusBlocked:
		names = append(names, "blocked")
	case message.StatusRejected:
		names = append(names, "rejected")
	}
	for _, name := range names {
		if err := s.stats.Incr(ctx, name); err != nil {
			s.logger.Warn("Failed to bump stats counter", "counter", name, "error", err)
		}
	}
}

// Get returns a message by id.
func (s *Service) Get(ctx context.Context, id string) (*message.Message, error) {
	return s.store.Get(ctx, id)
}

// List returns messages matching the filter.
func (s *Service) List(ctx context.Context, f store.Filter) ([]*message.Message, error) {
	return s.store.List(ctx, f)
}

// Actions lists the actions the role may currently invoke on the
// message.
func (s *Service) Actions(ctx context.Context, id string, role message.Role) ([]message.Action, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return message.AvailableActions(m.Status, role), nil
}

// Act dispatches an explicit action against a message. Availability is
// checked against the message's current status and the caller's role;
// every action lands in the audit log with the actor identity.
func (s *Service) Act(ctx context.Context, id string, action message.Action, role message.Role, actor string) error {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if !actionAvailable(m.Status, role, action) {
		return fmt.Errorf("%w: %s on %s message for role %s", ErrActionNotAllowed, action, m.Status, role)
	}

	switch action {
	case message.ActionForceAccept:
		_, err = s.store.Transition(ctx, id, message.EventForceAccept, "force accepted by "+actor)
	case message.ActionPushToQueue:
		err = s.publisher.PushByID(ctx, id)
	case message.ActionForcePushToQueue:
		err = s.publisher.ForcePush(ctx, id)
	case message.ActionRetryFailed:
		_, err = s.store.Transition(ctx, id, message.EventRetryFailed, "")
	case message.ActionRetryBounced:
		_, err = s.store.Transition(ctx, id, message.EventRetryBounced, "retry requested by "+actor)
	case message.ActionCancel:
		_, err = s.store.Transition(ctx, id, message.EventCanceled, "canceled by "+actor)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrActionNotAllowed, action)
	}
	if err != nil {
		return err
	}

	if m, err = s.store.Get(ctx, id); err == nil {
		s.lifecycle.Action(m, string(action), actor)
	}
	return nil
}

func actionAvailable(status message.Status, role message.Role, action message.Action) bool {
	if action.Privileged() && role != message.RoleOperator {
		return false
	}
	for _, a := range message.AvailableActions(status, role) {
		if a == action {
			return true
		}
	}
	return false
}
