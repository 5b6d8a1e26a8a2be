package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mailflowd/mailflow/internal/message"
)

// Memory is an in-process store used by tests and single-node dev
// setups. All operations are serialized by a single lock; the dataset
// is small enough that per-id locking would buy nothing here.
type Memory struct {
	mu        sync.RWMutex
	messages  map[string]*message.Message
	maxFailed int
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store. maxFailed bounds the
// publish retry budget.
func NewMemory(maxFailed int) *Memory {
	if maxFailed <= 0 {
		maxFailed = message.DefaultMaxFailedCount
	}
	return &Memory{
		messages:  make(map[string]*message.Message),
		maxFailed: maxFailed,
	}
}

func (s *Memory) Create(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[m.ID]; exists {
		return ErrConcurrentUpdate
	}
	cp := cloneMessage(m)
	s.messages[m.ID] = cp
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Memory) List(_ context.Context, f Filter) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*message.Message
	for _, m := range s.messages {
		if MatchFilter(m, f) {
			out = append(out, cloneMessage(m))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) Transition(_ context.Context, id string, ev message.Event, detail string) (message.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return "", ErrNotFound
	}
	if err := m.Apply(ev, detail, s.maxFailed); err != nil {
		return m.Status, err
	}
	m.Version++
	return m.Status, nil
}

func (s *Memory) ApplyRecipientOutcome(_ context.Context, id string, out RecipientOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}

	changed := applyOutcome(m, out, s.maxFailed)
	if changed {
		m.Version++
	}
	return changed, nil
}

func (s *Memory) SetAgentRef(_ context.Context, id, agentGroup, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.AgentGroup = agentGroup
	m.QueueID = queueID
	m.Version++
	return nil
}

func (s *Memory) FindByQueueID(_ context.Context, queueID string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages {
		if m.QueueID != "" && m.QueueID == queueID {
			return cloneMessage(m), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) DuePublishBatch(_ context.Context, limit int) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*message.Message
	for _, m := range s.messages {
		if publishDue(m, s.maxFailed) {
			out = append(out, cloneMessage(m))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) HasUnsynced(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages {
		if m.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) Close() error { return nil }

func cloneMessage(m *message.Message) *message.Message {
	cp := *m
	cp.Recipients = make([]message.Recipient, len(m.Recipients))
	copy(cp.Recipients, m.Recipients)
	if m.Raw != nil {
		cp.Raw = make([]byte, len(m.Raw))
		copy(cp.Raw, m.Raw)
	}
	return &cp
}
