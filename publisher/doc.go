// Package publisher streams change records to external systems (Kafka, NATS
// JetStream) instead of applying them to a database.
//
// A Publisher runs every event through four stages:
//
//  1. Filter: glob patterns on database and table select what is published
//  2. Transformer: renders the event (Debezium JSON or msgpack)
//  3. Compressor: optional zstd compression of the rendered payload
//  4. Sink: delivers the payload keyed by primary key, retried with backoff
//
// DELETE events are followed by a tombstone for the same key so compacted
// topics drop the row.
//
// Sinks and transformers register themselves from the sink and transformer
// packages; New looks them up by target type and format:
//
//	import (
//		_ "github.com/maxpert/ferry/publisher/sink"
//		_ "github.com/maxpert/ferry/publisher/transformer"
//	)
//
//	p, err := publisher.New(jobID, "shop", job.Target)
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//	err = p.PublishRecords(ctx, shard, records)
//
// Delivery is at-least-once. Callers ack their input only after
// PublishRecords returns, so a failed batch is published again.
package publisher
