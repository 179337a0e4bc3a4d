package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"enrollmentPipeline/models"
)

// BatchHandler processes one batch-submission announcement. An error ends the
// claim with the message unmarked, so the session restarts from the
// uncommitted offset and the message is redelivered.
type BatchHandler func(ctx context.Context, msg *models.BatchMessage) error

// Consumer reads batch submissions from the submissions topic. The request
// layer publishes a BatchMessage once it has staged the raw CSV in object
// storage.
type Consumer struct {
	consumer sarama.ConsumerGroup
	logger   *zap.Logger
}

func NewConsumer(brokers []string, groupID string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	c, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Consumer{consumer: c, logger: logger}, nil
}

type batchGroupHandler struct {
	fn     BatchHandler
	logger *zap.Logger
}

func (h *batchGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *batchGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *batchGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var batchMsg models.BatchMessage
		if err := json.Unmarshal(msg.Value, &batchMsg); err != nil {
			h.logger.Error("Dropping malformed batch message",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			session.MarkMessage(msg, "")
			continue
		}

		if err := h.fn(session.Context(), &batchMsg); err != nil {
			// Marking a later message would implicitly commit this
			// one; ending the claim keeps the offset uncommitted so
			// the message is redelivered.
			h.logger.Error("Batch handling failed, restarting claim",
				zap.String("batch_id", batchMsg.BatchID),
				zap.Error(err),
			)
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// Consume blocks, dispatching batch messages to handler until ctx is
// cancelled.
func (c *Consumer) Consume(ctx context.Context, topic string, handler BatchHandler) error {
	h := &batchGroupHandler{fn: handler, logger: c.logger}
	for {
		err := c.consumer.Consume(ctx, []string{topic}, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// A handler error or rebalance ended the session; rejoin
			// and resume from the last committed offset.
			c.logger.Warn("Consumer session ended, rejoining",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
