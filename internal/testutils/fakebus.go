package testutils

import (
	"sync"
	"time"

	"github.com/edgekit/blegate/internal/bus"
)

// FakeBus is an in-memory PubSub with exact-topic matching. Published
// messages are recorded and delivered synchronously to subscribers, so
// tests can inject control requests and await responses.
type FakeBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]bus.Handler
	messages map[string][][]byte
}

// NewFakeBus returns an empty bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		handlers: make(map[string]map[int]bus.Handler),
		messages: make(map[string][][]byte),
	}
}

func (b *FakeBus) Publish(topic string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	b.mu.Lock()
	b.messages[topic] = append(b.messages[topic], cp)
	handlers := make([]bus.Handler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, cp)
	}
	return nil
}

func (b *FakeBus) Subscribe(topic string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]bus.Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = h
	return &fakeSubscription{bus: b, topic: topic, id: id}, nil
}

func (b *FakeBus) Close() error {
	return nil
}

// Inject delivers a message as if a remote publisher sent it.
func (b *FakeBus) Inject(topic string, payload []byte) {
	_ = b.Publish(topic, payload)
}

// Messages returns a copy of everything published on topic.
func (b *FakeBus) Messages(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.messages[topic]))
	copy(out, b.messages[topic])
	return out
}

// Subscribed reports whether topic has at least one live subscription.
func (b *FakeBus) Subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[topic]) > 0
}

// WaitForMessage polls until at least n+1 messages exist on topic,
// returning the n-th (zero based) or nil on timeout.
func (b *FakeBus) WaitForMessage(topic string, n int, timeout time.Duration) []byte {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msgs := b.Messages(topic); len(msgs) > n {
			return msgs[n]
		}
		time.Sleep(2 * time.Millisecond)
	}
	if msgs := b.Messages(topic); len(msgs) > n {
		return msgs[n]
	}
	return nil
}

type fakeSubscription struct {
	bus   *FakeBus
	topic string
	id    int
}

func (s *fakeSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers[s.topic], s.id)
	return nil
}
