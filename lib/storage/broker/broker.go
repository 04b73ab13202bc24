// Package broker provides the pub/sub fabric used for cache invalidation
// and lock release expediting across gateway nodes.
package broker

import (
	"context"
	"sync"
)

// Broker publishes and subscribes to named channels. Delivery is
// best-effort: the broker expedites work that is otherwise correct without
// it (cache TTLs, advisory lock timeouts).
type Broker interface {
	// Publish sends payload on the named channel.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe registers interest in channel. Payloads arrive on the
	// returned receive channel until unsubscribe is called. A slow
	// receiver drops messages rather than blocking the fabric.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

// subscriberBufferSize bounds each subscriber queue; invalidation payloads
// are tiny and losing one only delays a cache refresh.
const subscriberBufferSize = 16

// Memory is an in-process Broker used by tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan string
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan string)}
}

// Publish implements Broker.
func (m *Memory) Publish(ctx context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe implements Broker.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan string, subscriberBufferSize)
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan string)
	}
	m.subs[channel][id] = ch

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subs[channel]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.subs, channel)
			}
		}
	}
	return ch, unsubscribe, nil
}
