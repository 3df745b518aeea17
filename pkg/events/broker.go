package events

import (
	"context"
	"sync"

	"github.com/kite-ci/kite/pkg/types"
)

const bufferSize = 128

// Broker is an in-process Bus used by tests and single-binary runs.
// Each subscriber gets a buffered channel; a subscriber that falls
// more than bufferSize events behind loses the oldest ones, matching
// the at-least-once posture of the real transport (services must
// reconcile against the store, never trust the bus alone).
type Broker struct {
	mu     sync.RWMutex
	topics map[string][]*brokerSub
	closed bool
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string][]*brokerSub)}
}

// Publish implements Bus.
func (b *Broker) Publish(_ context.Context, topic string, ev types.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full, drop.
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *Broker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &brokerSub{
		broker: b,
		topic:  topic,
		ch:     make(chan types.Event, bufferSize),
		done:   make(chan struct{}),
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub, nil
}

// Close implements Bus.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.done) })
		}
	}
	b.topics = make(map[string][]*brokerSub)
	return nil
}

// SubscriberCount reports active subscriptions on a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

type brokerSub struct {
	broker    *Broker
	topic     string
	ch        chan types.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *brokerSub) Receive(ctx context.Context) (types.Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		return types.Event{}, ErrClosed
	case <-ctx.Done():
		return types.Event{}, ctx.Err()
	}
}

func (s *brokerSub) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	subs := s.broker.topics[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.broker.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
