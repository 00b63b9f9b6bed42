package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultNatsSubject = "ferry"
	natsPublishTimeout = 5 * time.Second
)

func init() {
	publisher.RegisterSink(cfg.TargetNATS, newNatsSinkFromTarget)
}

func newNatsSinkFromTarget(target cfg.TargetConfiguration) (publisher.Sink, error) {
	if target.NatsURL == "" {
		return nil, fmt.Errorf("nats sink requires nats_url")
	}
	return NewNatsSink(context.Background(), NatsConfig{
		URL:        target.NatsURL,
		StreamName: target.StreamName,
		Subject:    target.Subject,
	})
}

// NatsConfig holds configuration for NatsSink
type NatsConfig struct {
	URL        string
	StreamName string // defaults to the sanitized subject
	Subject    string // subject prefix; the stream captures "<subject>.>"
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNatsSink connects to NATS and ensures the stream covering the subject
// prefix exists.
func NewNatsSink(ctx context.Context, config NatsConfig) (*NatsSink, error) {
	if config.Subject == "" {
		config.Subject = DefaultNatsSubject
	}
	if config.StreamName == "" {
		config.StreamName = sanitizeStreamName(config.Subject)
	}

	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.StreamName,
		Subjects:  []string{config.Subject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", config.StreamName, err)
	}

	return &NatsSink{nc: nc, js: js}, nil
}

// Publish sends a message to NATS JetStream with the key as a header
func (n *NatsSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain "." "*" or ">".
func sanitizeStreamName(subject string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, subject)
}
