package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

const (
	defaultMaxAttempts = 3
	defaultAttemptTTL  = 10 * time.Minute
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
	}, nil
}

// WithDLQ parks messages that fail permanently, or more than maxAttempts times, on topic.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, defaultAttemptTTL),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			h.retryTracker.clear(msg)
			session.MarkMessage(msg, "")
			continue
		}

		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)

		var dlqErr *DLQError
		attempts := h.retryTracker.inc(msg)
		if !errors.As(err, &dlqErr) && attempts < h.retryTracker.max {
			// leave unmarked so the message is redelivered after rebalance or restart
			continue
		}
		reason := "max_attempts"
		if dlqErr != nil {
			reason = dlqErr.Reason
		}
		if h.dlqPublisher != nil && h.dlqTopic != "" {
			payload := BuildDLQPayload(msg, err, reason, attempts)
			if _, _, pubErr := h.dlqPublisher.PublishJSON(session.Context(), h.dlqTopic, string(msg.Key), payload); pubErr != nil {
				h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
				continue
			}
		}
		h.retryTracker.clear(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

type retryTracker struct {
	mu       sync.Mutex
	max      int
	ttl      time.Duration
	attempts map[string]retryState
}

type retryState struct {
	count   int
	updated time.Time
}

func newRetryTracker(max int, ttl time.Duration) *retryTracker {
	if max <= 0 {
		max = defaultMaxAttempts
	}
	return &retryTracker{max: max, ttl: ttl, attempts: map[string]retryState{}}
}

func trackerKey(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (t *retryTracker) inc(msg *sarama.ConsumerMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for key, state := range t.attempts {
		if now.Sub(state.updated) > t.ttl {
			delete(t.attempts, key)
		}
	}
	key := trackerKey(msg)
	state := t.attempts[key]
	state.count++
	state.updated = now
	t.attempts[key] = state
	return state.count
}

func (t *retryTracker) clear(msg *sarama.ConsumerMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, trackerKey(msg))
}
