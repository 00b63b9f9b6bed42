package channel

import (
	"sync"

	"github.com/maxpert/ferry/ingest"
)

type pendingRecord struct {
	record    ingest.Record
	remaining int
}

// AckTracker keeps pushed records in order and releases them once every
// consumer that received a record has acknowledged it. Records are keyed by
// identity, so callers must push pointer records.
type AckTracker struct {
	mu       sync.Mutex
	queue    []*pendingRecord
	pending  map[ingest.Record]*pendingRecord
	lowWater ingest.Position
}

func NewAckTracker() *AckTracker {
	return &AckTracker{
		pending:  make(map[ingest.Record]*pendingRecord),
		lowWater: ingest.PlaceholderPosition{},
	}
}

// Track registers a record that must be acknowledged consumers times
func (t *AckTracker) Track(record ingest.Record, consumers int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &pendingRecord{record: record, remaining: consumers}
	t.queue = append(t.queue, p)
	t.pending[record] = p
}

// Forget drops a tracked record that was never delivered
func (t *AckTracker) Forget(record ingest.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[record]
	if !ok {
		return
	}
	delete(t.pending, record)
	for i, q := range t.queue {
		if q == p {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			break
		}
	}
}

// Ack acknowledges records and returns the prefix of the push order that is now
// fully acknowledged.
func (t *AckTracker) Ack(records []ingest.Record) []ingest.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range records {
		if p, ok := t.pending[r]; ok && p.remaining > 0 {
			p.remaining--
		}
	}

	var released []ingest.Record
	for len(t.queue) > 0 && t.queue[0].remaining == 0 {
		head := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		delete(t.pending, head.record)
		released = append(released, head.record)
		if pos := head.record.GetPosition(); pos != nil {
			if _, placeholder := pos.(ingest.PlaceholderPosition); !placeholder {
				t.lowWater = pos
			}
		}
	}
	return released
}

// LowWater returns the position of the newest record with every earlier record acknowledged
func (t *AckTracker) LowWater() ingest.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lowWater
}

// Pending returns the number of records awaiting acknowledgement
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
