package channel

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/ferry/ingest"
)

// MemoryChannel is a bounded FIFO that preserves push order
type MemoryChannel struct {
	records  chan ingest.Record
	onAck    AckCallback
	closeCh  chan struct{}
	closeMu  sync.Once
	capacity int
}

// NewMemoryChannel creates a channel holding at most capacity records
func NewMemoryChannel(capacity int, onAck AckCallback) *MemoryChannel {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryChannel{
		records:  make(chan ingest.Record, capacity),
		onAck:    onAck,
		closeCh:  make(chan struct{}),
		capacity: capacity,
	}
}

func (c *MemoryChannel) Push(ctx context.Context, record ingest.Record) error {
	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}

	select {
	case c.records <- record:
		return nil
	case <-c.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryChannel) Fetch(ctx context.Context, max int, timeout time.Duration) ([]ingest.Record, error) {
	if max <= 0 {
		max = 1
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first ingest.Record
	select {
	case first = <-c.records:
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		// Drain whatever was pushed before close
		select {
		case first = <-c.records:
		default:
			return nil, ErrClosed
		}
	}

	batch := make([]ingest.Record, 0, max)
	batch = append(batch, first)
	if _, done := first.(*ingest.FinishedRecord); done {
		return batch, nil
	}

	for len(batch) < max {
		select {
		case r := <-c.records:
			batch = append(batch, r)
			if _, done := r.(*ingest.FinishedRecord); done {
				return batch, nil
			}
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (c *MemoryChannel) Ack(records []ingest.Record) {
	if c.onAck != nil && len(records) > 0 {
		c.onAck(records)
	}
}

// Len returns the number of buffered records
func (c *MemoryChannel) Len() int {
	return len(c.records)
}

// Cap returns the channel capacity
func (c *MemoryChannel) Cap() int {
	return c.capacity
}

// Close stops further pushes; buffered records can still be fetched
func (c *MemoryChannel) Close() {
	c.closeMu.Do(func() {
		close(c.closeCh)
	})
}
