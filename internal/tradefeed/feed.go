// Package tradefeed publishes executions and completed escrow trades to
// downstream consumers such as reporting and post-completion hooks.
package tradefeed

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nathanyu/p2p-exchange/internal/domain"
	"github.com/nathanyu/p2p-exchange/internal/telemetry"
)

// Publisher writes domain events to the feed.
type Publisher interface {
	Publish(ctx context.Context, events ...domain.Event) error
	Close() error
}

// KafkaPublisher writes enveloped events to one Kafka topic, keyed by the
// event key so one trade or asset stays on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a synchronous, fully acknowledged writer.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...domain.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		data, err := domain.SerializeEvent(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Key()),
			Value: data,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(ev.GetType())},
			},
		})
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	result := "ok"
	if err != nil {
		result = "error"
	}
	for _, ev := range events {
		telemetry.FeedMessagesPublished.WithLabelValues(ev.GetType(), result).Inc()
	}
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...domain.Event) error { return nil }
func (Nop) Close() error                                   { return nil }

// Memory keeps published events in process.
type Memory struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *Memory) Publish(_ context.Context, events ...domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published.
func (m *Memory) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}
