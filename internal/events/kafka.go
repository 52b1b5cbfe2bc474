package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"slotbook/internal/config"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
)

// messageWriter is the part of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// envelope is the wire format of an event on the topic.
type envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// KafkaSink forwards bus events to a Kafka topic keyed by resource so that
// events of one resource stay ordered within a partition.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewKafkaSink(cfg config.KafkaConfig, logger *zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  compress.Snappy,
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		Async:        cfg.Async,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
	}
	return newKafkaSink(writer, logger), nil
}

func newKafkaSink(w messageWriter, logger *zerolog.Logger) *KafkaSink {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "kafka_sink").Logger()
	if kw, ok := w.(*kafka.Writer); ok {
		kw.ErrorLogger = kafka.LoggerFunc(func(msg string, args ...any) {
			l.Error().Msgf(msg, args...)
		})
	}
	return &KafkaSink{writer: w, timeout: 5 * time.Second, logger: &l}
}

// Handle is an EventHandler; register it with EventBus.SubscribeAll.
func (s *KafkaSink) Handle(event *Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("kafka sink is closed")
	}

	value, err := json.Marshal(envelope{Type: event.Type, OccurredAt: event.CreatedAt, Payload: event.Payload})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("type", event.Type).Str("key", event.Key).Msg("failed to publish event")
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	s.logger.Debug().Str("type", event.Type).Str("key", event.Key).Msg("event published")
	return nil
}

func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
