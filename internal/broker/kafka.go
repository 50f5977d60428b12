package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// Kafka is a Broker backed by Kafka topics, one topic per channel. Every
// instance subscribes under its own consumer group id so each instance sees
// every envelope; sharing a group would split envelopes across the fleet.
type Kafka struct {
	brokers  []string
	groupID  string
	producer sarama.SyncProducer
	logger   *slog.Logger

	mu        sync.Mutex
	groups    []sarama.ConsumerGroup
	closeOnce sync.Once
}

func NewKafka(brokers []string, groupID string, logger *slog.Logger) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_1_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sync producer: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Kafka{
		brokers:  brokers,
		groupID:  groupID,
		producer: producer,
		logger:   logger,
	}, nil
}

// Publish sends payload to the channel's topic, keyed so that all envelopes
// for one target land on one partition and keep their publish order. The send
// runs off the caller's goroutine so ctx bounds how long the caller waits.
func (k *Kafka) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: channel,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	done := make(chan error, 1)
	go func() {
		partition, offset, err := k.producer.SendMessage(msg)
		if err == nil {
			k.logger.Debug("envelope published", "topic", channel, "partition", partition, "offset", offset)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send kafka message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Kafka) Subscribe(ctx context.Context, channel string, handler Handler) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_1_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	group, err := sarama.NewConsumerGroup(k.brokers, k.groupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	k.mu.Lock()
	k.groups = append(k.groups, group)
	k.mu.Unlock()

	h := &groupHandler{handler: handler}
	go func() {
		for {
			if err := group.Consume(ctx, []string{channel}, h); err != nil {
				k.logger.Error("consumer loop error", "topic", channel, "err", err)
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	return nil
}

func (k *Kafka) Close() error {
	var err error
	k.closeOnce.Do(func() {
		err = k.producer.Close()

		k.mu.Lock()
		defer k.mu.Unlock()
		for _, group := range k.groups {
			if cerr := group.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

type groupHandler struct {
	handler Handler
}

// Setup and Cleanup satisfy sarama.ConsumerGroupHandler.
func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handler(msg.Value)
		session.MarkMessage(msg, "")
	}
	return nil
}
