package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 5
)

// PublisherConfig configures a Publisher
type PublisherConfig struct {
	Name         string      // Sink name, used for metrics and logs
	JobID        string      // Job the published events belong to
	Database     string      // Database name stamped on events
	Sink         Sink        // Destination sink
	Transformer  Transformer // Event transformer
	Filter       Filter      // Event filter
	Compressor   Compressor  // Optional payload compression
	TopicPrefix  string      // Topic prefix (e.g., "ferry.cdc")
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   int
}

// Publisher pushes change events through filter, transformer and compressor
// into a sink. Delivery is at-least-once: a failed batch is redelivered by the
// caller since the channel is acked only after Publish returns.
type Publisher struct {
	config PublisherConfig
}

// NewPublisher creates a new Publisher
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("publisher name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if config.Compressor == nil {
		config.Compressor = noCompression{}
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	return &Publisher{config: config}, nil
}

// PublishRecords converts and publishes records in order. Shard identifies
// the source the records were dumped from.
func (p *Publisher) PublishRecords(ctx context.Context, shard int, records []*ingest.DataRecord) error {
	for _, r := range records {
		event, err := FromDataRecord(p.config.JobID, shard, p.config.Database, r)
		if err != nil {
			return err
		}
		if err := p.Publish(ctx, event, SchemaFromRecord(r)); err != nil {
			return err
		}
	}
	return nil
}

// Publish processes a single change event.
// Filtered events are skipped without error.
func (p *Publisher) Publish(ctx context.Context, event ChangeEvent, schema TableSchema) error {
	if !p.config.Filter.Match(event.Database, event.Table) {
		telemetry.SinkPublishTotal.With(p.config.Name, "filtered").Inc()
		return nil
	}

	data, err := p.config.Transformer.Transform(event, schema)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	topic := p.buildTopic(event.Database, event.Table)
	if err := p.publishWithRetry(ctx, topic, event.Key, p.config.Compressor.Compress(data)); err != nil {
		return err
	}

	// For DELETE operations, also send tombstone
	if event.Operation == OpDelete {
		tombstone := p.config.Transformer.Tombstone(event.Key)
		if err := p.publishWithRetry(ctx, topic, event.Key, tombstone); err != nil {
			return err
		}
	}
	return nil
}

// buildTopic builds the topic name for an event
func (p *Publisher) buildTopic(database, table string) string {
	if p.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", database, table)
	}
	return fmt.Sprintf("%s.%s.%s", p.config.TopicPrefix, database, table)
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns an error once retries are exhausted or ctx is done.
func (p *Publisher) publishWithRetry(ctx context.Context, topic, key string, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryInitial
	b.MaxInterval = p.config.RetryMax
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		return p.config.Sink.Publish(ctx, topic, key, data)
	}
	notify := func(err error, delay time.Duration) {
		telemetry.SinkPublishTotal.With(p.config.Name, "retry").Inc()
		log.Warn().
			Err(err).
			Str("sink", p.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.config.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		telemetry.SinkPublishTotal.With(p.config.Name, "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("exhausted retries (%d) for topic %s: %w", attempts, topic, err)
	}
	telemetry.SinkPublishTotal.With(p.config.Name, "ok").Inc()
	return nil
}

// Close releases the sink
func (p *Publisher) Close() error {
	return p.config.Sink.Close()
}
