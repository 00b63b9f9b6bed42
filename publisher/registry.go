package publisher

import (
	"fmt"
	"sync"

	"github.com/maxpert/ferry/cfg"
	"github.com/rs/zerolog/log"
)

// SinkFactory is a function that creates a Sink from a target configuration
type SinkFactory func(cfg.TargetConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[cfg.TargetType]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a target type
func RegisterSink(targetType cfg.TargetType, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[targetType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createSink creates a sink based on the target type
func createSink(target cfg.TargetConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[target.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", target.Type)
	}
	return factory(target)
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}

// topicPrefix picks the configured topic or subject for the target
func topicPrefix(target cfg.TargetConfiguration) string {
	if target.Type == cfg.TargetNATS {
		return target.Subject
	}
	return target.Topic
}

// New builds a publisher for a stream target. The sink and transformer
// packages must be linked in so their factories are registered.
func New(jobID, database string, target cfg.TargetConfiguration) (*Publisher, error) {
	snk, err := createSink(target)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(target.Format)
	if err != nil {
		snk.Close()
		return nil, fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(target.TableFilters, nil)
	if err != nil {
		snk.Close()
		return nil, fmt.Errorf("failed to create filter: %w", err)
	}

	compressor, err := NewCompressor(target.Compression)
	if err != nil {
		snk.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	p, err := NewPublisher(PublisherConfig{
		Name:        string(target.Type),
		JobID:       jobID,
		Database:    database,
		Sink:        snk,
		Transformer: trans,
		Filter:      filter,
		Compressor:  compressor,
		TopicPrefix: topicPrefix(target),
		MaxRetries:  target.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return nil, err
	}

	log.Info().
		Str("job", jobID).
		Str("type", string(target.Type)).
		Str("format", target.Format).
		Str("compression", target.Compression).
		Msg("Created stream publisher")
	return p, nil
}
