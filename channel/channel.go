package channel

import (
	"context"
	"errors"
	"time"

	"github.com/maxpert/ferry/ingest"
)

// ErrClosed is returned by Push and Fetch once a channel is closed and drained
var ErrClosed = errors.New("channel closed")

// AckCallback receives acknowledged records in push order
type AckCallback func(records []ingest.Record)

// Producer is the write side used by dumpers
type Producer interface {
	// Push blocks while the channel is full
	Push(ctx context.Context, record ingest.Record) error
	Close()
}

// Consumer is the read side used by importers
type Consumer interface {
	// Fetch waits up to timeout for the first record and then drains up to max records
	// without blocking. A FinishedRecord always ends the batch.
	Fetch(ctx context.Context, max int, timeout time.Duration) ([]ingest.Record, error)
	// Ack reports records as durably applied
	Ack(records []ingest.Record)
}

// Channel is an ordered, bounded hand-off between one producer and one consumer
type Channel interface {
	Producer
	Consumer
}
