package importer

import (
	"context"

	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/publisher"
)

// StreamWriter publishes records as change events instead of applying them
type StreamWriter struct {
	publisher *publisher.Publisher
	shard     int
}

func NewStreamWriter(p *publisher.Publisher, shard int) *StreamWriter {
	return &StreamWriter{publisher: p, shard: shard}
}

func (w *StreamWriter) Write(ctx context.Context, records []*ingest.DataRecord) error {
	return w.publisher.PublishRecords(ctx, w.shard, records)
}

func (w *StreamWriter) Close() error {
	return w.publisher.Close()
}
