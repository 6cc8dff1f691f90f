// Package events publishes provisioning outcomes for downstream consumers
// (notifications, reconciliation jobs). Publishing is best effort.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Outcome values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// OutcomeEvent is the JSON payload written to the topic, keyed by fqdn.
type OutcomeEvent struct {
	OrderID            string    `json:"order_id"`
	Domain             string    `json:"domain"`
	Outcome            string    `json:"outcome"`
	AlreadyProvisioned bool      `json:"already_provisioned,omitempty"`
	TokenID            string    `json:"token_id,omitempty"`
	TokenIDUncertain   bool      `json:"token_id_uncertain,omitempty"`
	ContentID          string    `json:"content_id,omitempty"`
	FailedStep         string    `json:"failed_step,omitempty"`
	ErrorKind          string    `json:"error_kind,omitempty"`
	Completed          []string  `json:"completed_steps"`
	RequestID          string    `json:"request_id,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, OutcomeEvent) error { return nil }
func (Nop) Close()                                      {}

// KafkaPublisher produces outcome events synchronously.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafka connects a producer to brokers.
func NewKafka(brokers []string, topic string) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

// Publish writes e and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, e OutcomeEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outcome event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.Domain),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "outcome", Value: []byte(e.Outcome)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce outcome event: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// EnsureTopic creates the outcome topic if it does not exist yet.
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions int32, replication int16) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, partitions, replication, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !isTopicExists(r.Err) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}
