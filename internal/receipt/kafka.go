package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ent0n29/smartatm/internal/reliability"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every issued receipt to an audit topic, keyed by
// receipt id.
type KafkaPublisher struct {
	writer      messageWriter
	brokers     []string
	logger      *zap.Logger
	maxAttempts int
	backoff     time.Duration
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaPublisher(writer, brokers, logger), nil
}

func newKafkaPublisher(w messageWriter, brokers []string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:      w,
		brokers:     append([]string(nil), brokers...),
		logger:      logger,
		maxAttempts: 3,
		backoff:     100 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, r Receipt) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(r.ID),
		Value: payload,
		Time:  r.CreatedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(r.Kind)},
			{Key: "outcome", Value: []byte(r.Outcome)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for attempt := 0; ; attempt++ {
		err = p.writer.WriteMessages(writeCtx, msg)
		if err == nil {
			return nil
		}
		if attempt+1 >= p.maxAttempts {
			break
		}
		p.logger.Warn("receipt publish failed, retrying",
			zap.String("receipt_id", r.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-writeCtx.Done():
			return fmt.Errorf("publish receipt %s: %w", r.ID, writeCtx.Err())
		case <-time.After(reliability.ExponentialBackoff(attempt, p.backoff, time.Second)):
		}
	}
	return fmt.Errorf("publish receipt %s: %w", r.ID, err)
}

// Ping dials the first reachable broker.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = errors.New("no kafka brokers configured")
	}
	return fmt.Errorf("kafka ping: %w", lastErr)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NewPublisher returns a Kafka publisher when brokers are configured,
// otherwise a no-op publisher.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) (Publisher, error) {
	if len(brokers) == 0 {
		return NopPublisher{}, nil
	}
	return NewKafkaPublisher(brokers, topic, logger)
}
