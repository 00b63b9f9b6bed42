package channel

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/ferry/ingest"
)

// MultiplexChannel fans records out over several MemoryChannels.
//
// Data records are routed by a hash of their logical table so that one table
// always lands on the same consumer. Placeholders go to the first consumer and
// a FinishedRecord is broadcast to every consumer. The ack callback only sees a
// record once it and everything pushed before it is acknowledged.
type MultiplexChannel struct {
	channels []*MemoryChannel
	tracker  *AckTracker
	onAck    AckCallback
}

func NewMultiplexChannel(consumers, capacity int, onAck AckCallback) *MultiplexChannel {
	if consumers <= 0 {
		consumers = 1
	}
	m := &MultiplexChannel{
		tracker: NewAckTracker(),
		onAck:   onAck,
	}
	m.channels = make([]*MemoryChannel, consumers)
	for i := range m.channels {
		m.channels[i] = NewMemoryChannel(capacity, m.ack)
	}
	return m
}

func (m *MultiplexChannel) Push(ctx context.Context, record ingest.Record) error {
	switch r := record.(type) {
	case *ingest.DataRecord:
		return m.pushTo(ctx, m.route(r.Table), record)
	case *ingest.PlaceholderRecord:
		return m.pushTo(ctx, 0, record)
	case *ingest.FinishedRecord:
		m.tracker.Track(record, len(m.channels))
		for _, ch := range m.channels {
			if err := ch.Push(ctx, record); err != nil {
				m.tracker.Forget(record)
				return err
			}
		}
		return nil
	}
	return nil
}

func (m *MultiplexChannel) pushTo(ctx context.Context, idx int, record ingest.Record) error {
	m.tracker.Track(record, 1)
	if err := m.channels[idx].Push(ctx, record); err != nil {
		m.tracker.Forget(record)
		return err
	}
	return nil
}

func (m *MultiplexChannel) route(table string) int {
	return int(xxhash.Sum64String(table) % uint64(len(m.channels)))
}

func (m *MultiplexChannel) ack(records []ingest.Record) {
	released := m.tracker.Ack(records)
	if m.onAck != nil && len(released) > 0 {
		m.onAck(released)
	}
}

// Consumers returns one consumer per sub-channel
func (m *MultiplexChannel) Consumers() []Consumer {
	consumers := make([]Consumer, len(m.channels))
	for i, ch := range m.channels {
		consumers[i] = ch
	}
	return consumers
}

// LowWater returns the newest position with every earlier record acknowledged
func (m *MultiplexChannel) LowWater() ingest.Position {
	return m.tracker.LowWater()
}

// Len returns the number of buffered records across all sub-channels
func (m *MultiplexChannel) Len() int {
	n := 0
	for _, ch := range m.channels {
		n += ch.Len()
	}
	return n
}

func (m *MultiplexChannel) Close() {
	for _, ch := range m.channels {
		ch.Close()
	}
}
