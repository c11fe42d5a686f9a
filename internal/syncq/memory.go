package syncq

import (
	"context"
	"sync"
)

// Memory is a non-durable Queue; pending operations are lost on restart.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]PendingOperation
}

func NewMemory() *Memory {
	return &Memory{queues: map[string][]PendingOperation{}}
}

func (m *Memory) Push(_ context.Context, op PendingOperation, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(m.queues[op.Tag], op)
	dropped := 0
	if max > 0 && len(q) > max {
		dropped = len(q) - max
		q = append([]PendingOperation(nil), q[dropped:]...)
	}
	m.queues[op.Tag] = q
	return dropped, nil
}

func (m *Memory) Peek(_ context.Context, tag string) (PendingOperation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[tag]
	if len(q) == 0 {
		return PendingOperation{}, false, nil
	}
	return q[0], true, nil
}

func (m *Memory) Remove(_ context.Context, tag, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[tag]
	if len(q) > 0 && q[0].ID == id {
		m.queues[tag] = q[1:]
	}
	return nil
}

func (m *Memory) Discard(_ context.Context, tag, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[tag]
	for i, op := range q {
		if op.ID == id {
			m.queues[tag] = append(q[:i:i], q[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) List(_ context.Context, tag string) ([]PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PendingOperation(nil), m.queues[tag]...), nil
}

func (m *Memory) Close() error { return nil }
