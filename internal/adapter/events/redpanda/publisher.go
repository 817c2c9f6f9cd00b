// Package redpanda publishes job lifecycle events to a Redpanda/Kafka
// topic. Publishing is fire-and-forget: a broker outage never blocks job
// progress.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/verifact/provider-validator/internal/domain"
)

// TopicEvents is the lifecycle event topic.
const TopicEvents = "provider-validation-events"

// Publisher wraps a Kafka producer and implements domain.EventPublisher.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the given brokers.
func NewPublisher(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events: kafka client: %w", err)
	}
	slog.Info("event publisher connected", slog.Any("brokers", brokers))
	return &Publisher{client: client, topic: TopicEvents}, nil
}

// Publish sends one event keyed by job id so per-job ordering holds.
func (p *Publisher) Publish(ctx context.Context, ev domain.JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	rec := &kgo.Record{Topic: p.topic, Key: []byte(ev.JobID), Value: body}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	return nil
}

// Close flushes and releases the client.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
