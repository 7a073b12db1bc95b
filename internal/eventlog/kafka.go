package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the broker publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout is the per-attempt timeout, default 10s.
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON, keyed by account so that all events of
// one principal land on the same partition in order.
type KafkaPublisher struct {
	writer      messageWriter
	maxAttempts int
	timeout     time.Duration
	sleep       func(time.Duration)
}

// NewKafkaPublisher validates cfg and builds a synchronous writer.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &KafkaPublisher{
		writer:      w,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.WriteTimeout,
		sleep:       time.Sleep,
	}, nil
}

// Publish writes ev with retries and exponential backoff capped at 2s.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Account.Hex()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-handle", Value: []byte(ev.Handle)},
			{Key: "message-id", Value: []byte(uuid.NewString())},
		},
		Time: time.Unix(ev.Timestamp, 0).UTC(),
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < p.maxAttempts {
			p.sleep(backoff)
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
