package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const sourceKafka = "kafka"

// MessageReader is the subset of *kafka.Reader the listener uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the consumer group reader.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader builds a consumer group reader.
func NewKafkaReader(cfg KafkaConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("queue: no kafka brokers")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("queue: kafka topic and group are required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	}), nil
}

// KafkaListener consumes report messages from a Kafka topic.
type KafkaListener struct {
	reader     MessageReader
	handler    *Handler
	logger     *zap.Logger
	maxRetries uint64
	backoff    time.Duration
}

// NewKafkaListener constructs a listener.
func NewKafkaListener(reader MessageReader, handler *Handler, logger *zap.Logger) (*KafkaListener, error) {
	if reader == nil {
		return nil, errors.New("queue: nil kafka reader")
	}
	if handler == nil {
		return nil, errors.New("queue: nil handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaListener{reader: reader, handler: handler, logger: logger, maxRetries: 5, backoff: 100 * time.Millisecond}, nil
}

// Run consumes until ctx is cancelled. Only store failures reach the retry loop;
// when the retry budget is spent Run returns without committing, so the message is
// redelivered once the consumer restarts.
func (l *KafkaListener) Run(ctx context.Context) error {
	defer l.reader.Close()
	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		backoff := retry.WithMaxRetries(l.maxRetries, retry.NewExponential(l.backoff))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := l.handler.Handle(ctx, sourceKafka, msg.Value); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("kafka message failed after retries",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return fmt.Errorf("queue: kafka offset %d: %w", msg.Offset, err)
		}
		if err := l.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
