package broker

import (
	"context"
	"sync"
)

// Memory is an in-process Broker. It backs single-instance deployments that
// have no external broker configured, and tests that wire several publisher/
// subscriber pairs to one transport. Handlers run synchronously in publish
// order.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewMemory() *Memory {
	return &Memory{handlers: make(map[string][]Handler)}
}

func (m *Memory) Publish(ctx context.Context, channel, _ string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers[channel]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = append(m.handlers[channel], handler)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[string][]Handler)
	return nil
}
