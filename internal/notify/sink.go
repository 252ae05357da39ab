package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/model"
)

// Sink delivers notification events to one external channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev model.NotificationEvent) error
}

// LogSink writes every event to a zap logger. It never fails.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs events at info.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notifications")}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, ev model.NotificationEvent) error {
	s.logger.Info("notification",
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("entity_kind", string(ev.EntityKind)),
		zap.String("entity_id", ev.EntityID),
		zap.String("animal_code", ev.AnimalCode),
		zap.String("actor_id", ev.ActorID),
		zap.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a Kafka topic, keyed by animal code
// so events for one animal stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink backed by a kafka-go Writer.
func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
	})
}

// NewKafkaSinkWithWriter creates a sink over an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, ev model.NotificationEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", ev.ID, err)
	}
	key := ev.AnimalCode
	if key == "" {
		key = ev.EntityID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
		Time: ev.OccurredAt,
	}
	observability.InjectContext(ctx, (*headerCarrier)(&msg.Headers))
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write notification %s: %w", ev.ID, err)
	}
	return nil
}

// headerCarrier adapts Kafka message headers to a propagation.TextMapCarrier.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
