package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"enrollmentPipeline/models"
	"enrollmentPipeline/retry"
)

// Publisher emits lifecycle events at-least-once. The message key is the
// job id, so downstream consumers deduplicate redeliveries on it.
type Publisher interface {
	Publish(ctx context.Context, event *models.StudentEvent) error
	Close() error
}

type publisher struct {
	producer sarama.SyncProducer
	topic    string
	policy   retry.Policy
	logger   *zap.Logger
}

func NewPublisher(brokers []string, topic string, policy retry.Policy, logger *zap.Logger) (Publisher, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}

	return &publisher{producer: p, topic: topic, policy: policy, logger: logger}, nil
}

// NewPublisherWithProducer wires an existing producer; tests pass a mock.
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, policy retry.Policy, logger *zap.Logger) Publisher {
	return &publisher{producer: producer, topic: topic, policy: policy, logger: logger}
}

func (p *publisher) Publish(ctx context.Context, event *models.StudentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.JobID),
		Value: sarama.ByteEncoder(data),
	}

	err = p.policy.Do(ctx, func(ctx context.Context) error {
		_, _, err := p.producer.SendMessage(msg)
		return err
	})
	if err != nil {
		return fmt.Errorf("publish %s for job %s: %w", event.EventType, event.JobID, err)
	}

	p.logger.Info("Event published",
		zap.String("event_type", event.EventType),
		zap.String("job_id", event.JobID),
		zap.String("student_id", event.StudentID),
	)
	return nil
}

func (p *publisher) Close() error {
	return p.producer.Close()
}
