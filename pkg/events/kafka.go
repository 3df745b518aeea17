package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kite-ci/kite/pkg/types"
)

// KafkaBus implements Bus over Kafka topics. One writer is shared for
// all publishes; each subscription owns a reader in the configured
// consumer group so replicated services split the work.
type KafkaBus struct {
	brokers []string
	group   string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// NewKafkaBus connects to the given brokers. group names the consumer
// group for subscriptions; each service passes its own group so every
// service sees every event exactly once per replica set.
func NewKafkaBus(brokers []string, group string) *KafkaBus {
	return &KafkaBus{
		brokers: brokers,
		group:   group,
		writers: make(map[string]*kafka.Writer),
	}
}

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(b.brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		}
		b.writers[topic] = w
	}
	return w
}

// Publish implements Bus. Events for the same node key to the same
// partition so per-node ordering survives partitioning.
func (b *KafkaBus) Publish(ctx context.Context, topic string, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.ID), Value: payload}
	if err := b.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *KafkaBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  b.group,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})
	return &kafkaSub{reader: r}, nil
}

// Close implements Bus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	var firstErr error
	for _, w := range b.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.writers = make(map[string]*kafka.Writer)
	return firstErr
}

type kafkaSub struct {
	reader *kafka.Reader
}

func (s *kafkaSub) Receive(ctx context.Context) (types.Event, error) {
	msg, err := s.reader.ReadMessage(ctx)
	if err != nil {
		return types.Event{}, fmt.Errorf("reading event: %w", err)
	}
	var ev types.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return types.Event{}, fmt.Errorf("decoding event: %w", err)
	}
	return ev, nil
}

func (s *kafkaSub) Close() error {
	return s.reader.Close()
}
