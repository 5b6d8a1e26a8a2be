package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process broker for tests and single-node dev setups.
// It honors priorities, ack/nack, and visibility-timeout redelivery.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	visible time.Duration
	seq     int64
	closed  bool
}

type memQueue struct {
	ready   []memItem
	pending map[int64]memItem
}

type memItem struct {
	id       int64
	body     []byte
	priority int
	seq      int64
	deadline time.Time
}

// NewMemory creates an in-process broker. visibility is how long an
// unacked delivery stays invisible before it is redelivered.
func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Memory{
		queues:  make(map[string]*memQueue),
		visible: visibility,
	}
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{pending: make(map[int64]memItem)}
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Publish(_ context.Context, queue string, payload []byte, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	item := memItem{
		id:       m.seq,
		body:     append([]byte(nil), payload...),
		priority: priority,
		seq:      m.seq,
	}

	q := m.queue(queue)
	// Insert keeping ready sorted by (priority desc, seq asc).
	idx := len(q.ready)
	for i, it := range q.ready {
		if item.priority > it.priority {
			idx = i
			break
		}
	}
	q.ready = append(q.ready, memItem{})
	copy(q.ready[idx+1:], q.ready[idx:])
	q.ready[idx] = item
	return nil
}

func (m *Memory) Receive(ctx context.Context, queue, _ string) (*Delivery, error) {
	deadline := time.Now().Add(200 * time.Millisecond)
	for {
		if d := m.tryReceive(queue); d != nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) tryReceive(queue string) *Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	now := time.Now()

	// Reclaim expired pending deliveries first.
	for id, it := range q.pending {
		if now.After(it.deadline) {
			delete(q.pending, id)
			q.ready = append(q.ready, it)
		}
	}

	if len(q.ready) == 0 {
		return nil
	}

	item := q.ready[0]
	q.ready = q.ready[1:]
	item.deadline = now.Add(m.visible)
	q.pending[item.id] = item

	id := item.id
	return &Delivery{
		Body: item.body,
		AckFn: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(q.pending, id)
			return nil
		},
		NackFn: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if it, ok := q.pending[id]; ok {
				delete(q.pending, id)
				q.ready = append(q.ready, it)
			}
			return nil
		},
	}
}

// Depth returns the number of ready payloads in a queue. Test helper.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue(queue).ready)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
