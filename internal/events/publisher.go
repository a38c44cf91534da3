// Package events delivers ledger events to Kafka, Redis streams or the log
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher delivers one event. key groups related events onto one partition or stream entry.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements Publisher for Apache Kafka
type KafkaPublisher struct {
	topic  string
	writer messageWriter
	log    *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to topic
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
		log: log,
	}
}

// PublishEvent publishes an event to Kafka
func (k *KafkaPublisher) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	k.log.Debug("publishing event to kafka",
		zap.String("topic", k.topic),
		zap.String("key", key),
		zap.Int("event_size", len(eventData)),
	)

	now := time.Now().UTC()
	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventData,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(k.topic)},
			{Key: "timestamp", Value: []byte(now.Format(time.RFC3339))},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// RedisPublisher implements Publisher for Redis Streams
type RedisPublisher struct {
	stream string
	client redis.UniversalClient
	log    *zap.Logger
}

// NewRedisPublisher creates a publisher appending to stream
func NewRedisPublisher(client redis.UniversalClient, stream string, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{stream: stream, client: client, log: log}
}

// PublishEvent appends an event to the Redis stream
func (r *RedisPublisher) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{
			"key":       key,
			"data":      string(eventData),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"source":    "ledgerd",
		},
	})
	if err := result.Err(); err != nil {
		r.log.Error("failed to publish event to redis stream",
			zap.String("stream", r.stream),
			zap.Error(err))
		return fmt.Errorf("failed to publish to redis stream: %w", err)
	}

	r.log.Debug("published event to redis stream",
		zap.String("stream", r.stream),
		zap.String("message_id", result.Val()))
	return nil
}

// Close is a no-op; the client is owned by the caller
func (r *RedisPublisher) Close() error { return nil }

// LogPublisher writes events to the structured log. Used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

// NewLogPublisher creates a log-backed publisher
func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

// PublishEvent logs the event
func (l *LogPublisher) PublishEvent(ctx context.Context, key string, event interface{}) error {
	l.log.Info("event", zap.String("key", key), zap.Any("payload", event))
	return nil
}

func (l *LogPublisher) Close() error { return nil }
