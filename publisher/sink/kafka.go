package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20
	// Publish is synchronous per event, so a long linger only adds latency
	DefaultKafkaLinger = 10 * time.Millisecond
)

func init() {
	publisher.RegisterSink(cfg.TargetKafka, newKafkaSinkFromTarget)
}

func newKafkaSinkFromTarget(target cfg.TargetConfiguration) (publisher.Sink, error) {
	return NewKafkaSink(DefaultKafkaConfig(target.Brokers))
}

type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	Linger           time.Duration
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		Linger:           DefaultKafkaLinger,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaSink writes change events keyed by primary key, so every change to a
// row lands on the same partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.Linger <= 0 {
		config.Linger = DefaultKafkaLinger
	}

	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.Linger,
		RequiredAcks:           config.RequiredAcks,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}}, nil
}

// Publish blocks until the broker acknowledged the message. A nil value is a
// tombstone.
func (k *KafkaSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
