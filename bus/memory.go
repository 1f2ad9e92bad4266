package bus

import (
	"sync"

	"dm-relay/errors"
)

const subscriberBuffer = 256

// Memory is an in-process bus for single-node runs and tests.
// Each subscriber drains its own buffered channel on a dedicated goroutine,
// which preserves per-publisher ordering while keeping Publish non-blocking.
// A subscriber that falls subscriberBuffer events behind loses events; live
// pushes are a hint and history remains the source of truth.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]chan []byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan []byte)}
}

func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.ErrBusUnavailable
	}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- payload:
		default:
			// Blocking here would hold the lock and deadlock Close.
		}
	}
	return nil
}

func (m *Memory) Subscribe(topic string, handler func(payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrBusUnavailable
	}
	ch := make(chan []byte, subscriberBuffer)
	m.subs[topic] = append(m.subs[topic], ch)
	go func() {
		for payload := range ch {
			handler(payload)
		}
	}()
	return nil
}

// Close stops all subscriber goroutines. Publishing after Close fails with
// ErrBusUnavailable.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, channels := range m.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	m.subs = nil
}
