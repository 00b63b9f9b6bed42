package importer

import (
	"context"
	"errors"
	"testing"

	"github.com/maxpert/ferry/encoding"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/publisher"
	"github.com/maxpert/ferry/publisher/sink"
	"github.com/maxpert/ferry/publisher/transformer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreamWriter(t *testing.T, snk *sink.MockSink) *StreamWriter {
	t.Helper()
	filter, err := publisher.NewGlobFilter([]string{"orders"}, nil)
	require.NoError(t, err)

	p, err := publisher.NewPublisher(publisher.PublisherConfig{
		Name:        "mock",
		JobID:       "j1",
		Database:    "shop",
		Sink:        snk,
		Transformer: transformer.MsgpackTransformer{},
		Filter:      filter,
		TopicPrefix: "ferry",
		MaxRetries:  1,
	})
	require.NoError(t, err)
	return NewStreamWriter(p, 2)
}

func TestStreamWriter_Write(t *testing.T) {
	snk := &sink.MockSink{}
	w := newTestStreamWriter(t, snk)

	skipped := &ingest.DataRecord{
		Type:    ingest.Insert,
		Table:   "audit",
		Columns: []ingest.Column{{Name: "id", Value: int64(9), PrimaryKey: true, Updated: true}},
	}
	del := &ingest.DataRecord{
		Type:    ingest.Delete,
		Table:   "orders",
		Columns: []ingest.Column{{Name: "id", Value: int64(3), PrimaryKey: true, Updated: true}},
	}
	require.NoError(t, w.Write(context.Background(), []*ingest.DataRecord{orderInsert(), skipped, del}))

	msgs := snk.Snapshot()
	require.Len(t, msgs, 3)
	assert.Equal(t, "ferry.shop.orders", msgs[0].Topic)
	assert.Equal(t, "1", msgs[0].Key)
	assert.Equal(t, "3", msgs[1].Key)
	assert.Nil(t, msgs[2].Value, "delete is followed by a tombstone")

	var event publisher.ChangeEvent
	require.NoError(t, encoding.Unmarshal(msgs[0].Value, &event))
	assert.Equal(t, "j1", event.JobID)
	assert.Equal(t, 2, event.Shard)
	assert.Equal(t, publisher.OpInsert, event.Operation)

	require.NoError(t, w.Close())
	assert.True(t, snk.Closed)
}

func TestStreamWriter_PublishFailure(t *testing.T) {
	snk := &sink.MockSink{PublishErr: errors.New("broker down")}
	w := newTestStreamWriter(t, snk)

	err := w.Write(context.Background(), []*ingest.DataRecord{orderInsert()})
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, 2, snk.Attempts)
}
