package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"roster-service/common/metrics"
	"roster-service/internal/audit"
	"roster-service/internal/events"

	"github.com/IBM/sarama"
)

const auditGroup = "roster-audit"

// Consumer feeds the audit trail from the student events topic.
type Consumer struct {
	consumer sarama.ConsumerGroup
	topic    string
	handler  *ConsumerGroupHandler
	logger   *slog.Logger
}

func NewConsumer(brokers []string, topic string, repository audit.Repository, logger *slog.Logger, m *metrics.MessagingMetrics) (*Consumer, error) {
	config := sarama.NewConfig()
	config.ClientID = "roster-service-audit"
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	consumerGroup, err := sarama.NewConsumerGroup(brokers, auditGroup, config)
	if err != nil {
		return nil, err
	}
	m.RecordConnectionChange(context.Background(), system, 1)

	return &Consumer{
		consumer: consumerGroup,
		topic:    topic,
		handler: &ConsumerGroupHandler{
			Repository: repository,
			Logger:     logger,
			Metrics:    m,
		},
		logger: logger,
	}, nil
}

// Start consumes until ctx is cancelled. Consume returns on every rebalance,
// so it is called in a loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("kafka consumer starting", "topic", c.topic, "group", auditGroup)
	for {
		if err := c.consumer.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("error consuming messages", "error", err)
			return err
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	c.handler.Metrics.RecordConnectionChange(context.Background(), system, -1)
	return c.consumer.Close()
}

// ConsumerGroupHandler implements sarama.ConsumerGroupHandler interface
type ConsumerGroupHandler struct {
	Repository audit.Repository
	Logger     *slog.Logger
	Metrics    *metrics.MessagingMetrics
}

func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim stores each event and marks it. Undecodable and failed
// messages are marked too; the trail is best effort and must not stall the
// partition.
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		start := time.Now()

		var event events.StudentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			h.Metrics.RecordConsume(session.Context(), system, msg.Topic, time.Since(start), err)
			h.Logger.Error("failed to unmarshal student event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			session.MarkMessage(msg, "")
			continue
		}

		ctx, cancel := context.WithTimeout(session.Context(), 5*time.Second)
		stored, err := h.Repository.Record(ctx, audit.FromStudentEvent(event))
		cancel()

		h.Metrics.RecordConsume(session.Context(), system, msg.Topic, time.Since(start), err)
		if err != nil {
			h.Logger.Error("failed to store student event", "event_id", event.ID, "error", err)
		} else if stored {
			h.Logger.Info("student event stored",
				"event_id", event.ID,
				"type", event.Type,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		session.MarkMessage(msg, "")
	}

	return nil
}
